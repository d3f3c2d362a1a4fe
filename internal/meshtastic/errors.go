package meshtastic

import "errors"

// Sentinel errors for wire decoding.
var (
	// ErrMalformed indicates the buffer is not valid protobuf wire data.
	ErrMalformed = errors.New("meshtastic: malformed wire data")

	// ErrWireType indicates a known field arrived with the wrong wire type.
	ErrWireType = errors.New("meshtastic: unexpected wire type")

	// ErrInvalidUTF8 indicates a string field holds invalid UTF-8.
	ErrInvalidUTF8 = errors.New("meshtastic: invalid UTF-8 in string field")

	// ErrFrameTooLarge indicates a payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("meshtastic: frame exceeds maximum size")
)
