// Package media guards access to the device's capture hardware. A call may
// only progress once the tracks it needs have been acquired here, and a
// capture failure maps to a distinct error so the session can report why the
// call could not start.
package media

import (
	"context"
	"errors"
	"strings"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrPermissionDenied means the OS or driver refused access to the
	// capture device.
	ErrPermissionDenied = errors.New("media: permission denied")
	// ErrNoDevice means no usable capture device exists for the request.
	ErrNoDevice = errors.New("media: no capture device")
	// ErrCaptureFailed covers device errors other than the two above.
	ErrCaptureFailed = errors.New("media: capture failed")
)

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Facing selects which camera a video request should open.
type Facing string

const (
	FacingFront Facing = "front"
	FacingBack  Facing = "back"
)

func (f Facing) Flipped() Facing {
	if f == FacingBack {
		return FacingFront
	}
	return FacingBack
}

// Request describes the tracks a call needs. Voice calls set Audio only;
// video calls set both.
type Request struct {
	Audio  bool
	Video  bool
	Facing Facing
}

func (r Request) Validate() error {
	if !r.Audio && !r.Video {
		return errors.New("media: request names no tracks")
	}
	if r.Video {
		switch r.Facing {
		case FacingFront, FacingBack:
		default:
			return errors.New("media: video request needs a camera facing")
		}
	}
	return nil
}

// Capture holds acquired local tracks. Close releases the underlying devices
// and is safe to call more than once.
type Capture struct {
	AudioTrack webrtc.TrackLocal
	VideoTrack webrtc.TrackLocal
	Facing     Facing

	closeFn func()
}

// NewCapture wraps already-opened tracks, typically from a test double or an
// alternative capture backend. closeFn may be nil.
func NewCapture(audio, video webrtc.TrackLocal, facing Facing, closeFn func()) *Capture {
	return &Capture{AudioTrack: audio, VideoTrack: video, Facing: facing, closeFn: closeFn}
}

func (c *Capture) Close() {
	if c == nil || c.closeFn == nil {
		return
	}
	fn := c.closeFn
	c.closeFn = nil
	fn()
}

// Gate is the single authority over capture hardware. Acquire is atomic: it
// returns either every requested track or an error and no tracks.
type Gate interface {
	// ConfigureEngine registers the codecs this gate's tracks produce. It
	// must run against the MediaEngine of every PeerConnection that will
	// carry the gate's tracks.
	ConfigureEngine(engine *webrtc.MediaEngine) error

	Acquire(ctx context.Context, req Request) (*Capture, error)
}

// DeviceInfo is the portable slice of an enumerated capture device.
type DeviceInfo struct {
	ID    string
	Label string
}

// pickCamera chooses a camera device for the requested facing. Labels that
// name a side win; otherwise the front camera is assumed to be enumerated
// first and the back camera last.
func pickCamera(cameras []DeviceInfo, facing Facing) (DeviceInfo, bool) {
	if len(cameras) == 0 {
		return DeviceInfo{}, false
	}
	for _, d := range cameras {
		label := strings.ToLower(d.Label)
		switch facing {
		case FacingFront:
			if strings.Contains(label, "front") {
				return d, true
			}
		case FacingBack:
			if strings.Contains(label, "back") || strings.Contains(label, "rear") {
				return d, true
			}
		}
	}
	if facing == FacingBack {
		return cameras[len(cameras)-1], true
	}
	return cameras[0], true
}
