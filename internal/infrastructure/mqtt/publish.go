package mqtt

import (
	"fmt"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Maximum payload size for MQTT messages (1MB).
// This prevents resource exhaustion and aligns with typical broker limits.
const maxPayloadSize = 1 << 20 // 1MB

// Publish hands a message to the broker and returns its packet id.
//
// Parameters:
//   - topic: The topic to publish to (e.g., "msh/EU/2/e/LongFast/!a1b2c3d4")
//   - qos: Quality of Service level (0, 1, or 2)
//   - retained: Whether the broker should retain the message for new subscribers
//   - payload: The message payload (max 1MB)
//
// QoS Levels:
//   - 0: At most once (fire and forget, no acknowledgment, id is 0)
//   - 1: At least once (acknowledged by PUBACK)
//   - 2: Exactly once (acknowledged by PUBCOMP)
//
// The acknowledgment is reported later through SessionEvents.OnPublishAck
// with the returned id.
//
// Returns:
//   - uint16: Packet id, 0 for QoS 0
//   - error: nil if paho accepted the message, or wrapped error describing the failure
func (s *Session) Publish(topic string, qos byte, retained bool, payload []byte) (uint16, error) {
	// Validate inputs
	if topic == "" {
		return 0, ErrInvalidTopic
	}
	if qos > maxQoS {
		return 0, ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return 0, fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}

	// Check connection state
	if !s.IsConnected() {
		return 0, ErrNotConnected
	}

	token := s.client.Publish(topic, qos, retained, payload)

	// Errors detected before the message was queued complete the token at once.
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return 0, fmt.Errorf("%w: %w", ErrPublishFailed, err)
		}
	default:
	}

	var id uint16
	if pt, ok := token.(*pahomqtt.PublishToken); ok {
		id = pt.MessageID()
	}

	if qos > 0 {
		go s.awaitAck(token, topic, id)
	}
	return id, nil
}

// awaitAck reports the acknowledgment of a QoS 1/2 publish.
func (s *Session) awaitAck(token pahomqtt.Token, topic string, id uint16) {
	<-token.Done()
	if err := token.Error(); err != nil {
		if !s.closed.Load() {
			s.logger.Warn("MQTT publish not acknowledged", "topic", topic, "id", id, "error", err)
		}
		return
	}
	if s.closed.Load() {
		return
	}
	s.events.OnPublishAck(id)
}
