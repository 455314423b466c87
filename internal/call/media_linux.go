//go:build linux && cgo

package call

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// CaptureStack wires local device capture (V4L2 camera + malgo microphone
// via pion/mediadevices) to a matching PeerFactory. The codec selector has
// to populate the peer's media engine, so provider and factory are built
// together.
func CaptureStack() (Provider, PeerFactory, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	factory := func(cfg webrtc.Configuration) (PeerConnection, error) {
		mediaEngine := &webrtc.MediaEngine{}
		selector.Populate(mediaEngine)

		interceptorRegistry := &interceptor.Registry{}
		if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
			return nil, err
		}

		api := webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(interceptorRegistry),
		)
		pc, err := api.NewPeerConnection(cfg)
		if err != nil {
			return nil, err
		}
		return &pionPeer{pc: pc}, nil
	}

	return &deviceProvider{selector: selector}, factory, nil
}

type deviceProvider struct {
	selector *mediadevices.CodecSelector
}

func (p *deviceProvider) GetMedia(_ context.Context, wantVideo bool) (Stream, error) {
	constraints := mediadevices.MediaStreamConstraints{
		Codec: p.selector,
		Audio: func(c *mediadevices.MediaTrackConstraints) {},
	}
	if wantVideo {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {}
	}

	ms, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaAccess, err)
	}

	var tracks []Track
	for _, t := range ms.GetTracks() {
		log.Info().Str("module", "call.media").Str("kind", t.Kind().String()).Str("track_id", t.ID()).Msg("captured local track")
		tracks = append(tracks, &deviceTrack{t: t, enabled: true})
	}
	return NewStream(tracks...), nil
}

type deviceTrack struct {
	t mediadevices.Track

	mu      sync.Mutex
	enabled bool
	stopped bool
}

func (d *deviceTrack) Kind() string { return d.t.Kind().String() }

func (d *deviceTrack) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

// SetEnabled records the advertised state only: pion/mediadevices keeps
// the capture pipeline producing frames either way, so a muted track still
// reaches the peer on this platform.
// TODO: gate the outgoing media by detaching the sender's track via
// RTPSender.ReplaceTrack while disabled.
func (d *deviceTrack) SetEnabled(on bool) {
	d.mu.Lock()
	d.enabled = on
	d.mu.Unlock()
}

func (d *deviceTrack) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()
	if err := d.t.Close(); err != nil {
		log.Warn().Err(err).Str("module", "call.media").Msg("track close")
	}
}

func (d *deviceTrack) Local() webrtc.TrackLocal { return d.t }
