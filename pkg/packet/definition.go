package packet

import (
	"fmt"
)

// Definition describes a packet type.
type Definition struct {
	Name        string
	Header      Header
	PayloadSize int
	HasAck      bool
	// Pairing marks packets exchanged before a session key exists.
	Pairing bool
}

// SetupError reports an invalid packet table.
type SetupError struct {
	Header Header
	Reason string
}

// Error implements error.
func (e *SetupError) Error() string {
	return fmt.Sprintf("packet %s: %s", e.Header, e.Reason)
}

// Map is the static packet definition table.
type Map struct {
	MaxFrameSize int

	defs        []Definition
	linkControl []bool
	byHdr       [256]*Definition
	ready       bool
}

// NewMap creates a Map for frames up to maxFrameSize bytes.
func NewMap(maxFrameSize int) *Map {
	return &Map{MaxFrameSize: maxFrameSize}
}

// Define appends user definitions.
func (m *Map) Define(defs ...Definition) *Map {
	for _, def := range defs {
		m.defs = append(m.defs, def)
		m.linkControl = append(m.linkControl, false)
	}
	return m
}

// DefineLinkControl appends definitions in the link-control range.
func (m *Map) DefineLinkControl(defs ...Definition) *Map {
	for _, def := range defs {
		def.Name = "link/" + def.Name
		m.defs = append(m.defs, def)
		m.linkControl = append(m.linkControl, true)
	}
	return m
}

// Setup validates and indexes the definitions. A failed Setup leaves the
// Map unusable.
func (m *Map) Setup() error {
	m.ready = false
	m.byHdr = [256]*Definition{}
	for i := range m.defs {
		def := &m.defs[i]
		switch {
		case def.Header.IsAck():
			return &SetupError{Header: def.Header, Reason: "reserved for Ack"}
		case m.linkControl[i] && !def.Header.IsLinkControl():
			return &SetupError{Header: def.Header, Reason: "link control outside its range"}
		case !m.linkControl[i] && !def.Header.IsUser():
			return &SetupError{Header: def.Header, Reason: "reserved for link control"}
		case def.PayloadSize < 0:
			return &SetupError{Header: def.Header, Reason: "negative payload size"}
		case Overhead+def.PayloadSize > m.MaxFrameSize:
			return &SetupError{Header: def.Header, Reason: fmt.Sprintf("payload %d exceeds frame size %d", def.PayloadSize, m.MaxFrameSize)}
		case m.byHdr[def.Header] != nil:
			return &SetupError{Header: def.Header, Reason: fmt.Sprintf("collides with %q", m.byHdr[def.Header].Name)}
		}
		m.byHdr[def.Header] = def
	}
	m.ready = true
	return nil
}

// Ready returns true after a successful Setup.
func (m *Map) Ready() bool {
	return m.ready
}

// Lookup finds the definition of h.
func (m *Map) Lookup(h Header) (Definition, bool) {
	if !m.ready || m.byHdr[h] == nil {
		return Definition{}, false
	}
	return *m.byHdr[h], true
}

// Definitions returns all definitions.
func (m *Map) Definitions() []Definition {
	return append([]Definition(nil), m.defs...)
}
