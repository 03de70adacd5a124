// Package iothub implements connectivity.Session over the hub's MQTT
// device surface.
//
// One Session owns one MQTT connection, authenticated with a SAS token
// signed by the device key. It carries:
//
//   - telemetry on devices/{id}/messages/events/
//   - one-way messages on devices/{id}/messages/devicebound/#, acknowledged
//     only when the handler completes them
//   - twin reads and reported patches on $iothub/twin, correlated by $rid
//   - desired patches on $iothub/twin/PATCH/properties/desired/
//   - direct methods on $iothub/methods/POST/, answered on $iothub/methods/res/
//
// Transport is either MQTT over TLS on 8883 or MQTT over WebSockets on 443.
// A lost connection is reported once as DISCONNECTED; with AutoReconnect the
// client retries on its own and reports DISCONNECTED_RETRYING instead.
package iothub
