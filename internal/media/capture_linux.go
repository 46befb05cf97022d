//go:build linux && cgo

package media

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// deviceGate captures camera and microphone through pion/mediadevices
// (V4L2 and malgo). One gate serves the whole process.
type deviceGate struct {
	log      *slog.Logger
	selector *mediadevices.CodecSelector

	mu sync.Mutex // serializes Acquire against the shared drivers
}

func NewDeviceGate(log *slog.Logger) (Gate, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("media: vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("media: opus params: %w", err)
	}

	return &deviceGate{
		log: log.With("component", "media"),
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (g *deviceGate) ConfigureEngine(engine *webrtc.MediaEngine) error {
	g.selector.Populate(engine)
	return nil
}

func (g *deviceGate) Acquire(ctx context.Context, req Request) (*Capture, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	constraints := mediadevices.MediaStreamConstraints{Codec: g.selector}
	if req.Audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}
	if req.Video {
		camera, ok := g.findCamera(req.Facing)
		if !ok {
			return nil, fmt.Errorf("%w: no camera present", ErrNoDevice)
		}
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			c.DeviceID = prop.String(camera.ID)
			// MJPEG camera nodes can emit malformed frames that poison the
			// VP8 encoder; raw formats only.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
		g.log.Debug("selected camera", "facing", req.Facing, "label", camera.Label)
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, classifyCaptureError(err)
	}

	tracks := stream.GetTracks()
	cap := &Capture{
		Facing: req.Facing,
		closeFn: func() {
			for _, t := range tracks {
				t.Close()
			}
		},
	}
	for _, track := range tracks {
		track.OnEnded(func(err error) {
			if err != nil {
				g.log.Warn("local track ended", "kind", track.Kind(), "err", err)
			}
		})
		switch track.Kind() {
		case webrtc.RTPCodecTypeAudio:
			cap.AudioTrack = track
		case webrtc.RTPCodecTypeVideo:
			cap.VideoTrack = track
		}
	}

	// GetUserMedia fails as a unit, so a missing track here means the driver
	// lied about the stream contents.
	if (req.Audio && cap.AudioTrack == nil) || (req.Video && cap.VideoTrack == nil) {
		cap.Close()
		return nil, fmt.Errorf("%w: stream missing requested track", ErrCaptureFailed)
	}

	g.log.Info("local media captured", "audio", cap.AudioTrack != nil, "video", cap.VideoTrack != nil)
	return cap, nil
}

func (g *deviceGate) findCamera(facing Facing) (DeviceInfo, bool) {
	var cameras []DeviceInfo
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind == mediadevices.VideoInput {
			cameras = append(cameras, DeviceInfo{ID: d.DeviceID, Label: d.Label})
		}
	}
	return pickCamera(cameras, facing)
}

func classifyCaptureError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission denied") || strings.Contains(msg, "access denied"):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case strings.Contains(msg, "failed to find") || strings.Contains(msg, "no device"):
		return fmt.Errorf("%w: %v", ErrNoDevice, err)
	default:
		return fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}
}
