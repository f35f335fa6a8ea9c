package distsupervisor

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/hamicek/nexus/nodeid"
)

// NoAvailableNode is returned when placement finds no eligible node for a
// child.
type NoAvailableNode struct{ ChildId string }

func (e *NoAvailableNode) Error() string {
	return fmt.Sprintf("distsupervisor: no available node for child %q", e.ChildId)
}

// Selector picks the node a child is placed on. candidates is never empty
// and already excludes nodes the supervisor currently considers failed.
type Selector interface {
	Select(candidates []nodeid.NodeId, childId string) (nodeid.NodeId, error)
}

// LocalFirst prefers self whenever self is among the candidates, falling
// back to the first remote candidate otherwise.
func LocalFirst(self nodeid.NodeId) Selector {
	return &localFirst{self: self}
}

type localFirst struct{ self nodeid.NodeId }

func (s *localFirst) Select(candidates []nodeid.NodeId, childId string) (nodeid.NodeId, error) {
	for _, c := range candidates {
		if c.Equals(s.self) {
			return c, nil
		}
	}
	return candidates[0], nil
}

// RoundRobin cycles through candidates across successive placements.
func RoundRobin() Selector {
	return &roundRobin{}
}

type roundRobin struct {
	mu   sync.Mutex
	next int
}

func (s *roundRobin) Select(candidates []nodeid.NodeId, childId string) (nodeid.NodeId, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	picked := candidates[s.next%len(candidates)]
	s.next++
	return picked, nil
}

// LeastLoaded picks the candidate with the minimum process count as reported
// by load.
func LeastLoaded(load func(nodeid.NodeId) int) Selector {
	return &leastLoaded{load: load}
}

type leastLoaded struct{ load func(nodeid.NodeId) int }

func (s *leastLoaded) Select(candidates []nodeid.NodeId, childId string) (nodeid.NodeId, error) {
	best := candidates[0]
	bestLoad := s.load(best)
	for _, c := range candidates[1:] {
		if l := s.load(c); l < bestLoad {
			best, bestLoad = c, l
		}
	}
	return best, nil
}

// Random picks a uniformly random candidate.
func Random() Selector {
	return randomSelector{}
}

type randomSelector struct{}

func (randomSelector) Select(candidates []nodeid.NodeId, childId string) (nodeid.NodeId, error) {
	return candidates[rand.Intn(len(candidates))], nil
}

// Pinned always places on node; placement fails while node is not among the
// candidates.
func Pinned(node nodeid.NodeId) Selector {
	return pinned{node: node}
}

type pinned struct{ node nodeid.NodeId }

func (s pinned) Select(candidates []nodeid.NodeId, childId string) (nodeid.NodeId, error) {
	for _, c := range candidates {
		if c.Equals(s.node) {
			return c, nil
		}
	}
	return nodeid.NodeId{}, fmt.Errorf("distsupervisor: pinned node %s not available", s.node)
}

// Func adapts a user-supplied selection function. A returned node outside
// the candidate set fails the placement.
func Func(fn func(candidates []nodeid.NodeId, childId string) (nodeid.NodeId, error)) Selector {
	return funcSelector{fn: fn}
}

type funcSelector struct {
	fn func([]nodeid.NodeId, string) (nodeid.NodeId, error)
}

func (s funcSelector) Select(candidates []nodeid.NodeId, childId string) (picked nodeid.NodeId, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("distsupervisor: selector panicked: %v", r)
		}
	}()
	picked, err = s.fn(candidates, childId)
	if err != nil {
		return nodeid.NodeId{}, err
	}
	for _, c := range candidates {
		if c.Equals(picked) {
			return picked, nil
		}
	}
	return nodeid.NodeId{}, fmt.Errorf("distsupervisor: selector picked %s, not a candidate", picked)
}
