package reef

import "sync"

var (
	defaultReef *Reef
	defaultOnce sync.Once
)

// Default returns a process-wide Reef with the built-in configuration,
// creating it on first call. Code that needs its own settings or isolation
// should call New.
func Default() *Reef {
	defaultOnce.Do(func() {
		r, err := New()
		if err != nil {
			// The built-in configuration is always valid.
			panic(err)
		}
		defaultReef = r
	})
	return defaultReef
}
