package mesh

import "errors"

// Domain errors for the mesh bridge package.
var (
	// ErrFrameNotFound is returned when frame recovery exhausts its search
	// window without finding a packet.
	ErrFrameNotFound = errors.New("mesh: no packet found in frame")

	// ErrNotConnected is returned when a publish is attempted without a
	// subscribed broker session.
	ErrNotConnected = errors.New("mesh: not connected to broker")

	// ErrConnectFailed is returned when a broker session cannot be started.
	ErrConnectFailed = errors.New("mesh: broker connection failed")

	// ErrSubscribeFailed is recorded when the broker refuses the subscription.
	ErrSubscribeFailed = errors.New("mesh: broker refused subscription")

	// ErrPublishFailed is returned when the broker client rejects a publish.
	ErrPublishFailed = errors.New("mesh: publish failed")

	// ErrConversationalPort is returned when a text port is added to the
	// relay whitelist.
	ErrConversationalPort = errors.New("mesh: conversational ports cannot be relayed")

	// ErrDuplicateBridge is returned when a bridge name is registered twice.
	ErrDuplicateBridge = errors.New("mesh: bridge already registered")
)
