//go:build !linux || !cgo

package call

import (
	"context"
	"fmt"
	"runtime"
)

// CaptureStack has no capture drivers wired on this platform. The peer
// factory still works, so signaling-only flows (and tests) run everywhere.
func CaptureStack() (Provider, PeerFactory, error) {
	return noDeviceProvider{}, NewPionPeer, nil
}

type noDeviceProvider struct{}

func (noDeviceProvider) GetMedia(_ context.Context, _ bool) (Stream, error) {
	return nil, fmt.Errorf("%w: no capture drivers on %s", ErrMediaAccess, runtime.GOOS)
}
