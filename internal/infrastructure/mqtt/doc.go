// Package mqtt provides MQTT client connectivity for the failover agent.
//
// This package manages:
//   - One broker connection per Client, with explicit Options
//   - Message publishing, synchronous or with an async completion callback
//   - Topic subscriptions with wildcard support
//   - Optional manual acknowledgment so handlers can reject a message
//   - Connection-loss callbacks
//
// # Reconnection
//
// The agent re-provisions on every connection loss, so paho's own reconnect
// loop is off unless Options.AutoReconnect is set. A lost connection is then
// reported exactly once through SetOnDisconnect and the Client is finished;
// callers build a new one.
//
// # Security Considerations
//
//   - ssl:// and wss:// brokers get TLS 1.2 or newer
//   - Passwords are SAS tokens; never log Options
//
// # Usage
//
//	client, err := mqtt.NewClient(mqtt.Options{
//	    BrokerURL: "ssl://example.azure-devices.net:8883",
//	    ClientID:  deviceID,
//	    Username:  username,
//	    Password:  token,
//	    ManualAck: true,
//	})
//	if err != nil {
//	    return err
//	}
//	client.SetOnDisconnect(func(err error) { ... })
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close()
package mqtt
