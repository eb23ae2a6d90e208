package tilecache

import (
	"errors"
	"fmt"
)

// ErrNetwork is matched by every error failing a resolution.
var ErrNetwork = errors.New("tile load error")

// LoadError is returned when a tile can't be loaded after Attempts tries.
type LoadError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s: %s after %d attempt(s): %v", ErrNetwork, e.URL, e.Attempts, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Is matches ErrNetwork.
func (e *LoadError) Is(target error) bool {
	return target == ErrNetwork
}
