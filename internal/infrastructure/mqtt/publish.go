package mqtt

import (
	"context"
	"fmt"
)

// Maximum payload size for MQTT messages (256KB, the IoT Hub device-to-cloud limit).
const maxPayloadSize = 256 << 10

// Publish sends a message and waits for the broker acknowledgment (QoS 1/2)
// or the write (QoS 0).
//
// QoS Levels:
//   - 0: At most once (fire and forget)
//   - 1: At least once (guaranteed delivery, may duplicate)
//   - 2: Exactly once (not accepted by IoT Hub)
//
// Returns:
//   - error: nil on success, or wrapped error describing the failure
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error {
	if err := c.checkPublish(topic, payload, qos); err != nil {
		return err
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if err := waitToken(ctx, token, c.opts.operationTimeout()); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	return nil
}

// PublishAsync sends a message without blocking the caller. done, if not
// nil, receives the outcome exactly once from another goroutine.
func (c *Client) PublishAsync(ctx context.Context, topic string, payload []byte, qos byte, done func(error)) {
	if done == nil {
		done = func(error) {}
	}

	if err := c.checkPublish(topic, payload, qos); err != nil {
		go done(err)
		return
	}

	token := c.client.Publish(topic, qos, false, payload)
	go func() {
		if err := waitToken(ctx, token, c.opts.operationTimeout()); err != nil {
			done(fmt.Errorf("%w: %w", ErrPublishFailed, err))
			return
		}
		done(nil)
	}()
}

func (c *Client) checkPublish(topic string, payload []byte, qos byte) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}
