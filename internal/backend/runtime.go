package backend

import (
	"context"
	"errors"
)

// ErrNoRuntime marks builds without an accelerated inference engine linked
// in.
var ErrNoRuntime = errors.New("no accelerated runtime available in this build")

// unsupportedRuntime is the Runtime used when no accelerated engine is
// compiled in. Probes fail, so the catalog marks embedded models
// unavailable and routing falls through to the daemon.
type unsupportedRuntime struct{}

func (unsupportedRuntime) Load(ctx context.Context, path string) (Handle, error) {
	return nil, ErrNoRuntime
}

func (unsupportedRuntime) Healthy(ctx context.Context) error {
	return ErrNoRuntime
}

// DefaultRuntime returns the accelerated runtime for this build.
func DefaultRuntime() Runtime {
	return unsupportedRuntime{}
}
