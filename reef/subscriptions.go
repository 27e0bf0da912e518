package reef

import (
	"slices"
	"sync"

	"github.com/c360/reef/spore"
)

// recipient is one handler chosen for a spore.
type recipient struct {
	agent   string
	handler Handler
}

// subscriptions maps agent names to their handlers. Agents are kept in
// registration order so dispatch order is stable.
type subscriptions struct {
	mu      sync.RWMutex
	byAgent map[string][]Handler
	order   []string
}

func newSubscriptions() *subscriptions {
	return &subscriptions{byAgent: make(map[string][]Handler)}
}

func (s *subscriptions) add(agent string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byAgent[agent]; !ok {
		s.order = append(s.order, agent)
	}
	s.byAgent[agent] = append(s.byAgent[agent], h)
}

// remove drops every handler of agent and reports how many there were.
func (s *subscriptions) remove(agent string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.byAgent[agent])
	if n == 0 {
		return 0
	}
	delete(s.byAgent, agent)
	s.order = slices.DeleteFunc(s.order, func(a string) bool { return a == agent })
	return n
}

// count returns the number of subscribed agents and of handlers.
func (s *subscriptions) count() (agents, handlers int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, hs := range s.byAgent {
		handlers += len(hs)
	}
	return len(s.byAgent), handlers
}

// snapshot computes the recipient set of sp under the read lock. Handlers
// added afterwards do not see sp.
func (s *subscriptions) snapshot(sp *spore.Spore) []recipient {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if to := sp.ToAgent(); to != "" {
		hs := s.byAgent[to]
		out := make([]recipient, 0, len(hs))
		for _, h := range hs {
			out = append(out, recipient{agent: to, handler: h})
		}
		return out
	}

	var out []recipient
	for _, agent := range s.order {
		if !sp.TargetsAgent(agent) {
			continue
		}
		for _, h := range s.byAgent[agent] {
			out = append(out, recipient{agent: agent, handler: h})
		}
	}
	return out
}
