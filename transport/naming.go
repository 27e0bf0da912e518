package transport

import (
	"strings"
	"unicode"

	"github.com/c360/reef/errors"
	"github.com/c360/reef/spore"
)

// TopicNaming derives broker topics from agents and kinds.
type TopicNaming struct {
	// Separator joins topic segments.
	Separator string
	// Single matches exactly one segment in a subscription.
	Single string
}

// Dotted is the naming used by AMQP, STOMP, NATS, Redis and memory.
var Dotted = TopicNaming{Separator: ".", Single: "*"}

// Slashed is the MQTT naming.
var Slashed = TopicNaming{Separator: "/", Single: "+"}

const (
	agentPrefix     = "agent"
	broadcastPrefix = "broadcast"
)

// reserved are separators and wildcards of the supported brokers.
const reserved = "./*+#>"

// ValidateAgent rejects agent names that cannot be a single topic segment
// on every naming: empty names, separators, wildcards, whitespace and
// control characters.
func ValidateAgent(name string) error {
	if name == "" {
		return errors.Invalidf("Transport", "ValidateAgent", "agent name is required")
	}
	for _, r := range name {
		if strings.ContainsRune(reserved, r) || unicode.IsSpace(r) || unicode.IsControl(r) {
			return errors.Invalidf("Transport", "ValidateAgent", "agent name %q contains %q", name, r)
		}
	}
	return nil
}

func (n TopicNaming) join(parts ...string) string {
	return strings.Join(parts, n.Separator)
}

// Unicast is the topic of a spore of kind sent to agent to.
func (n TopicNaming) Unicast(to string, kind spore.Kind) string {
	return n.join(agentPrefix, to, string(kind))
}

// Broadcast is the topic of a broadcast spore of kind.
func (n TopicNaming) Broadcast(kind spore.Kind) string {
	return n.join(broadcastPrefix, string(kind))
}

// Topic picks Unicast or Broadcast for a spore addressed to to.
func (n TopicNaming) Topic(to string, kind spore.Kind) string {
	if to == "" {
		return n.Broadcast(kind)
	}
	return n.Unicast(to, kind)
}

// Inbox is the subscription covering every kind sent to self.
func (n TopicNaming) Inbox(self string) string {
	return n.join(agentPrefix, self, n.Single)
}

// Broadcasts is the subscription covering every broadcast kind.
func (n TopicNaming) Broadcasts() string {
	return n.join(broadcastPrefix, n.Single)
}

// Subscriptions returns the topics an agent listens on.
func (n TopicNaming) Subscriptions(self string) []string {
	return []string{n.Inbox(self), n.Broadcasts()}
}
