package mesh

import (
	"fmt"
	"slices"

	"github.com/nerrad567/gray-logic-meshbridge/internal/meshtastic"
)

// defaultRelayPorts are the telemetry ports that may leave the local node.
var defaultRelayPorts = []meshtastic.PortNum{
	meshtastic.PortPosition,
	meshtastic.PortNodeInfo,
	meshtastic.PortTelemetry,
}

var defaultFilter = DefaultPortFilter()

// PortFilter is a whitelist of ports eligible for relay. Anything not on
// the list is excluded silently. The zero value allows nothing.
type PortFilter struct {
	allowed map[meshtastic.PortNum]struct{}
}

// DefaultPortFilter allows position, node info and telemetry.
func DefaultPortFilter() PortFilter {
	f := PortFilter{allowed: make(map[meshtastic.PortNum]struct{}, len(defaultRelayPorts))}
	for _, p := range defaultRelayPorts {
		f.allowed[p] = struct{}{}
	}
	return f
}

// NewPortFilter extends the default whitelist with extra ports. Text ports
// are refused.
func NewPortFilter(extra ...meshtastic.PortNum) (PortFilter, error) {
	f := DefaultPortFilter()
	for _, p := range extra {
		if p.IsConversational() {
			return PortFilter{}, fmt.Errorf("%w: %s", ErrConversationalPort, p)
		}
		f.allowed[p] = struct{}{}
	}
	return f, nil
}

// Allows reports whether packets on port may be relayed.
func (f PortFilter) Allows(port meshtastic.PortNum) bool {
	_, ok := f.allowed[port]
	return ok
}

// Ports returns the whitelisted ports in ascending order.
func (f PortFilter) Ports() []meshtastic.PortNum {
	ports := make([]meshtastic.PortNum, 0, len(f.allowed))
	for p := range f.allowed {
		ports = append(ports, p)
	}
	slices.Sort(ports)
	return ports
}

// IsEligibleForRelay applies the default whitelist.
func IsEligibleForRelay(port meshtastic.PortNum) bool {
	return defaultFilter.Allows(port)
}
