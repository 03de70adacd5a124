// Package agent ties the connection manager, the publication scheduler
// and the device behaviour together.
//
// Controller owns the run sequence. Device holds what the agent does once
// connected: answering echo, applying fanSpeed, taking setAlarm messages
// and publishing telemetry and battery status.
package agent
