package transport

import (
	"sort"
	"strings"
	"sync"

	"github.com/c360/reef/errors"
)

// Constructor returns a fresh, unconnected transport.
type Constructor func() Transport

var (
	registryMu   sync.RWMutex
	constructors = map[string]Constructor{}
)

// Register adds a protocol. Protocol names are case-insensitive; a second
// registration under the same name is rejected.
func Register(protocol string, ctor Constructor) error {
	name := strings.ToLower(strings.TrimSpace(protocol))
	if name == "" {
		return errors.Invalidf("transport", "Register", "protocol name is required")
	}
	if ctor == nil {
		return errors.Invalidf("transport", "Register", "constructor for %s is nil", name)
	}

	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := constructors[name]; dup {
		return errors.Invalidf("transport", "Register", "protocol %s already registered", name)
	}
	constructors[name] = ctor
	return nil
}

// MustRegister is Register for package init functions.
func MustRegister(protocol string, ctor Constructor) {
	if err := Register(protocol, ctor); err != nil {
		panic(err)
	}
}

// New builds a transport for protocol. Unknown protocols are an invalid
// argument.
func New(protocol string) (Transport, error) {
	name := strings.ToLower(strings.TrimSpace(protocol))

	registryMu.RLock()
	ctor, ok := constructors[name]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.Invalidf("transport", "New", "unsupported protocol %q (have %s)",
			protocol, strings.Join(Protocols(), ", "))
	}
	return ctor(), nil
}

// Protocols lists registered protocol names in sorted order.
func Protocols() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	MustRegister(ProtocolMemory, func() Transport { return NewMemory(DefaultHub()) })
}
