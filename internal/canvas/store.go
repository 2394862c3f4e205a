// Package canvas holds the process-wide canvas snapshot shared between canvas
// peers and the automation peer.
//
// The relay never interprets nodes or edges. They are kept as raw JSON and
// written back out exactly as they were received.
package canvas

import (
	"encoding/json"
	"time"
)

// State is one canvas snapshot: the node list, the edge list and the
// selected node.
//
// Nodes and edges must be JSON arrays; their elements are opaque. The
// selection is kept as received (usually a string id or null); nil encodes
// as null.
type State struct {
	Nodes          []json.RawMessage `json:"nodes"`
	Edges          []json.RawMessage `json:"edges"`
	SelectedNodeID json.RawMessage   `json:"selectedNodeId"`
}

// Empty returns the snapshot served before any canvas peer published one:
// {nodes: [], edges: [], selectedNodeId: null}.
func Empty() State {
	return State{
		Nodes: []json.RawMessage{},
		Edges: []json.RawMessage{},
	}
}

// Clone returns a deep copy of s with nil lists normalized to empty ones, so
// the result always encodes nodes and edges as arrays.
func (s State) Clone() State {
	out := State{
		Nodes: cloneRaw(s.Nodes),
		Edges: cloneRaw(s.Edges),
	}
	if len(s.SelectedNodeID) > 0 && string(s.SelectedNodeID) != "null" {
		out.SelectedNodeID = append(json.RawMessage(nil), s.SelectedNodeID...)
	}
	return out
}

func cloneRaw(in []json.RawMessage) []json.RawMessage {
	out := make([]json.RawMessage, len(in))
	for i, v := range in {
		out[i] = append(json.RawMessage(nil), v...)
	}
	return out
}

// Store keeps the latest canvas snapshot.
//
// Replace is a full replacement, never a merge, and the last write wins.
// There is no versioning between concurrent canvas peers.
//
// Store is not safe for concurrent use. The server hub owns the single
// instance and serializes every call behind its own mutex together with the
// peer tables, so that a replace and the mirror to the automation peer are
// observed in the same order.
type Store struct {
	state     State
	updatedAt time.Time
	updates   int
}

// NewStore creates a store holding the empty snapshot.
func NewStore() *Store {
	return &Store{state: Empty()}
}

// Replace swaps in a copy of state and returns the stored snapshot.
func (s *Store) Replace(state State) State {
	s.state = state.Clone()
	s.updatedAt = time.Now()
	s.updates++
	return s.state.Clone()
}

// Read returns a copy of the current snapshot.
func (s *Store) Read() State {
	return s.state.Clone()
}

// Updates returns how many times the snapshot was replaced.
func (s *Store) Updates() int {
	return s.updates
}

// UpdatedAt returns the time of the last Replace, zero if there was none.
func (s *Store) UpdatedAt() time.Time {
	return s.updatedAt
}
