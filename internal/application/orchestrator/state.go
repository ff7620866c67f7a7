package orchestrator

import (
	"fmt"
	"slices"

	"github.com/aescanero/dagflow/pkg/domain"
)

var allowedTransitions = map[domain.NodeState][]domain.NodeState{
	domain.NodeStatePending: {domain.NodeStateRunning, domain.NodeStateSkipped},
	domain.NodeStateRunning: {domain.NodeStateSucceeded, domain.NodeStateFailed, domain.NodeStateSkipped},
}

// nodeStates tracks the lifecycle of every node of one run. It is owned by
// the scheduling goroutine and is not safe for concurrent use.
type nodeStates struct {
	states  map[string]domain.NodeState
	reasons map[string]domain.SkipReason
}

func newNodeStates(ids []string) *nodeStates {
	s := &nodeStates{
		states:  make(map[string]domain.NodeState, len(ids)),
		reasons: make(map[string]domain.SkipReason),
	}
	for _, id := range ids {
		s.states[id] = domain.NodeStatePending
	}
	return s
}

func (s *nodeStates) get(id string) domain.NodeState {
	return s.states[id]
}

func (s *nodeStates) reason(id string) domain.SkipReason {
	return s.reasons[id]
}

// transition moves id to the next state if the table allows it
func (s *nodeStates) transition(id string, to domain.NodeState) error {
	from, ok := s.states[id]
	if !ok {
		return fmt.Errorf("unknown node %q", id)
	}
	if !slices.Contains(allowedTransitions[from], to) {
		return fmt.Errorf("disallowed transition for %q: %s -> %s", id, from, to)
	}
	s.states[id] = to
	return nil
}

func (s *nodeStates) skip(id string, reason domain.SkipReason) error {
	if err := s.transition(id, domain.NodeStateSkipped); err != nil {
		return err
	}
	s.reasons[id] = reason
	return nil
}

func (s *nodeStates) count(state domain.NodeState) int {
	n := 0
	for _, st := range s.states {
		if st == state {
			n++
		}
	}
	return n
}

func (s *nodeStates) snapshot() map[string]domain.NodeState {
	out := make(map[string]domain.NodeState, len(s.states))
	for id, st := range s.states {
		out[id] = st
	}
	return out
}
