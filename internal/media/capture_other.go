//go:build !linux || !cgo

package media

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/webrtc/v4"
)

// Camera and microphone capture needs the platform drivers that
// pion/mediadevices only wires up on Linux. Elsewhere the gate registers the
// default codecs so negotiation still works, and every Acquire reports that
// no device is available.
type stubGate struct {
	log *slog.Logger
}

func NewDeviceGate(log *slog.Logger) (Gate, error) {
	return &stubGate{log: log.With("component", "media")}, nil
}

func (g *stubGate) ConfigureEngine(engine *webrtc.MediaEngine) error {
	return engine.RegisterDefaultCodecs()
}

func (g *stubGate) Acquire(_ context.Context, req Request) (*Capture, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	g.log.Warn("media capture unsupported on this platform")
	return nil, fmt.Errorf("%w: capture unsupported on this platform", ErrNoDevice)
}
