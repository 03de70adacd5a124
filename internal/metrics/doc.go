// Package metrics exposes Prometheus collectors for the connection
// lifecycle, scheduled publications and inbound requests.
package metrics
