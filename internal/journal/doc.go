// Package journal keeps a history of connection state changes in SQLite.
//
// The history is informational. It is never read back to skip
// provisioning: every connection attempt still starts from scratch.
package journal
