package meshtastic

import (
	"bufio"
	"fmt"
	"io"
)

// Stream framing constants.
const (
	frameStart1 = 0x94
	frameStart2 = 0xC3

	// MaxFrameSize is the largest payload a frame may carry.
	MaxFrameSize = 512

	frameHeaderSize = 4
)

// WriteFrame writes payload to w as a single stream frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	buf := make([]byte, frameHeaderSize, frameHeaderSize+len(payload))
	buf[0] = frameStart1
	buf[1] = frameStart2
	buf[2] = byte(len(payload) >> 8)
	buf[3] = byte(len(payload))
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

// FrameReader reads frames from a byte stream, skipping console output
// and corrupt headers between them.
//
// Thread Safety:
//   - Not safe for concurrent use. One goroutine should own the reader.
type FrameReader struct {
	r         *bufio.Reader
	discarded uint64
}

// NewFrameReader creates a FrameReader over r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r)}
}

// Discarded returns how many bytes were skipped while hunting for frames.
func (fr *FrameReader) Discarded() uint64 {
	return fr.discarded
}

// ReadFrame returns the next frame payload. Headers announcing more than
// MaxFrameSize bytes are treated as noise and scanning resumes after the
// first start byte.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	for {
		b, err := fr.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != frameStart1 {
			fr.discarded++
			continue
		}

		b, err = fr.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != frameStart2 {
			fr.discarded++
			if b == frameStart1 {
				_ = fr.r.UnreadByte()
			} else {
				fr.discarded++
			}
			continue
		}

		var hdr [2]byte
		if _, err := io.ReadFull(fr.r, hdr[:]); err != nil {
			return nil, err
		}
		size := int(hdr[0])<<8 | int(hdr[1])
		if size > MaxFrameSize {
			fr.discarded += frameHeaderSize
			continue
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(fr.r, payload); err != nil {
			return nil, err
		}
		return payload, nil
	}
}
