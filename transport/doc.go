// Package transport defines the byte-level contract the secure bus uses to
// reach other processes, a protocol registry and the topic naming scheme.
//
// Protocol implementations live in subpackages and register themselves on
// import; importing transport/all registers every built-in protocol:
//
//	import _ "github.com/c360/reef/transport/all"
//
//	t, err := transport.New("mqtt")
//	if err != nil {
//	    return err
//	}
//	err = t.Initialize(ctx, transport.Config{URL: "tcp://broker:1883"})
//
// The memory protocol is always registered. Its Hub keeps every transport of
// a process on one in-memory broker, which makes it the transport of choice
// for tests.
//
// # Topics
//
// A unicast spore of kind k for agent a is published on "agent.a.k" and a
// broadcast on "broadcast.k". An agent subscribes to "agent.<self>.*" and
// "broadcast.*". MQTT uses "/" as separator and "+" as the one-segment
// wildcard.
package transport
