// Package scheduler runs fixed-rate publications against the live session.
//
// Each Task gets its own goroutine. After an optional initial delay the
// action runs once and then on every tick of a time.Ticker. Before each run
// the scheduler asks its SessionSource for the current session; when the
// device is not connected the tick is skipped and only the first skip of a
// disconnected spell is logged. Action errors and panics are logged and
// never stop the task.
package scheduler
