package mesh

import "github.com/nerrad567/gray-logic-meshbridge/internal/meshtastic"

// Search window for frame recovery. The packet inside a proxied frame has
// been observed to start between these offsets.
const (
	recoveryMinOffset = 7
	recoveryMaxOffset = 9
)

// Window is the [Offset, End) slice of a buffer a packet was recovered from.
type Window struct {
	Offset int
	End    int
}

// RecoverPacket locates a mesh packet inside buf when the surrounding
// container cannot be decoded.
//
// This is a heuristic. Trailing printable ASCII is dropped, then every
// window starting at offsets 7 through 9 is tried, longest first, and the
// first window that decodes strictly wins. Search order is fixed so that
// ambiguous buffers always resolve to the same packet: ascending offset,
// then descending end. When nothing decodes, ErrFrameNotFound is returned
// and the caller must drop the frame.
func RecoverPacket(buf []byte) (*meshtastic.MeshPacket, Window, error) {
	n := trimPrintable(buf)

	for off := recoveryMinOffset; off <= recoveryMaxOffset; off++ {
		for end := n; end > off; end-- {
			p := &meshtastic.MeshPacket{}
			if err := p.Unmarshal(buf[off:end]); err == nil {
				return p, Window{Offset: off, End: end}, nil
			}
		}
	}
	return nil, Window{}, ErrFrameNotFound
}

// trimPrintable returns the length of buf without its trailing run of
// printable ASCII.
func trimPrintable(buf []byte) int {
	n := len(buf)
	for n > 0 && buf[n-1] >= 0x20 && buf[n-1] <= 0x7e {
		n--
	}
	return n
}
