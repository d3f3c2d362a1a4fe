package mqtt

import (
	"fmt"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Subscribe requests a subscription. The granted QoS is delivered to
// SessionEvents.OnSubscribeAck; a refused or failed subscription is
// reported as a single 0x80 grant.
//
// Topics can include MQTT wildcards:
//   - + (single-level): "msh/+/2/e/LongFast/#"
//   - # (multi-level): "msh/EU/2/e/#" matches every envelope under the root
//
// Messages arriving on the subscription go to SessionEvents.OnMessage.
// Paho runs the handler in its own goroutine; it must not block.
//
// Parameters:
//   - topic: The topic pattern to subscribe to
//   - qos: Maximum QoS level for received messages (0, 1, or 2)
//
// Returns:
//   - error: nil if the request was sent, or wrapped error describing the failure
func (s *Session) Subscribe(topic string, qos byte) error {
	// Validate inputs
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}

	// Check connection state
	if !s.IsConnected() {
		return ErrNotConnected
	}

	token := s.client.Subscribe(topic, qos, s.wrapHandler())
	go s.awaitSuback(token, topic)
	return nil
}

// awaitSuback reports the broker's answer to a subscription request.
func (s *Session) awaitSuback(token pahomqtt.Token, topic string) {
	granted := byte(subscribeFailure)

	if !token.WaitTimeout(defaultSubscribeTimeout) {
		s.logger.Warn("MQTT subscribe timed out", "topic", topic, "timeout", defaultSubscribeTimeout)
	} else if err := token.Error(); err != nil {
		s.logger.Warn("MQTT subscribe failed", "topic", topic, "error", fmt.Errorf("%w: %w", ErrSubscribeFailed, err))
	} else if st, ok := token.(*pahomqtt.SubscribeToken); ok {
		if qos, found := st.Result()[topic]; found {
			granted = qos
		}
	}

	if s.closed.Load() {
		return
	}
	s.events.OnSubscribeAck([]byte{granted})
}
