// Package all registers every built-in transport protocol.
package all

import (
	_ "github.com/c360/reef/transport/amqp"
	_ "github.com/c360/reef/transport/mqtt"
	_ "github.com/c360/reef/transport/nats"
	_ "github.com/c360/reef/transport/redis"
	_ "github.com/c360/reef/transport/stomp"
)
