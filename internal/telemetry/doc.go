// Package telemetry builds the device's periodic publications: temperature
// and humidity events and the reported battery level.
package telemetry
