package routing

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrUnknownExtension is returned when an extension has no gateway port.
	ErrUnknownExtension = errors.New("unknown extension")
	// ErrUnknownPort is returned when a gateway port has no extension.
	ErrUnknownPort = errors.New("unknown gateway port")
	// ErrUnroutableSender is returned when no number can be extracted from
	// the sender of an outbound message.
	ErrUnroutableSender = errors.New("unroutable sender address")
	// ErrDuplicateRoute is returned by NewTable when a port or extension
	// appears more than once.
	ErrDuplicateRoute = errors.New("duplicate route")
)

// Route binds one gateway port (SIM slot) to one extension.
type Route struct {
	Port      int
	Extension string
}

// Table is the bidirectional port/extension map. It is immutable after
// construction and safe for concurrent reads.
type Table struct {
	portToExtension map[int]string
	extensionToPort map[string]int
}

// NewTable builds a Table from routes. Both directions must be one-to-one.
func NewTable(routes []Route) (*Table, error) {
	t := &Table{
		portToExtension: make(map[int]string, len(routes)),
		extensionToPort: make(map[string]int, len(routes)),
	}
	for _, r := range routes {
		if r.Extension == "" {
			return nil, fmt.Errorf("route for port %d: empty extension", r.Port)
		}
		if existing, ok := t.portToExtension[r.Port]; ok {
			return nil, fmt.Errorf("%w: port %d mapped to %q and %q", ErrDuplicateRoute, r.Port, existing, r.Extension)
		}
		if existing, ok := t.extensionToPort[r.Extension]; ok {
			return nil, fmt.Errorf("%w: extension %q mapped to ports %d and %d", ErrDuplicateRoute, r.Extension, existing, r.Port)
		}
		t.portToExtension[r.Port] = r.Extension
		t.extensionToPort[r.Extension] = r.Port
	}
	return t, nil
}

// PortFor returns the gateway port bound to extension.
func (t *Table) PortFor(extension string) (int, error) {
	port, ok := t.extensionToPort[extension]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownExtension, extension)
	}
	return port, nil
}

// ExtensionFor returns the extension bound to port.
func (t *Table) ExtensionFor(port int) (string, error) {
	ext, ok := t.portToExtension[port]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnknownPort, port)
	}
	return ext, nil
}

// Len returns the number of routes.
func (t *Table) Len() int {
	return len(t.portToExtension)
}

// Routes returns all routes ordered by port.
func (t *Table) Routes() []Route {
	routes := make([]Route, 0, len(t.portToExtension))
	for port, ext := range t.portToExtension {
		routes = append(routes, Route{Port: port, Extension: ext})
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].Port < routes[j].Port })
	return routes
}
