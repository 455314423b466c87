package call

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Track is one locally captured media track plus its enabled flag. The
// flag is what the mute/video toggles flip; Stop releases the underlying
// device capture.
type Track interface {
	Kind() string // "audio" or "video"
	Enabled() bool
	SetEnabled(bool)
	Stop()
	Local() webrtc.TrackLocal
}

// Stream is the bundle of local tracks acquired for one call.
type Stream interface {
	Tracks() []Track
	AudioTrack() Track
	VideoTrack() Track
	// Close stops every track. Idempotent.
	Close()
}

// Provider acquires local media. Acquisition may block on a device prompt,
// so it is only ever called from application goroutines, never from the
// transport read loop.
type Provider interface {
	GetMedia(ctx context.Context, wantVideo bool) (Stream, error)
}

// localStream is the Stream implementation shared by every provider.
type localStream struct {
	mu     sync.Mutex
	tracks []Track
	closed bool
}

func NewStream(tracks ...Track) Stream {
	return &localStream{tracks: tracks}
}

func (s *localStream) Tracks() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

func (s *localStream) AudioTrack() Track { return s.byKind("audio") }
func (s *localStream) VideoTrack() Track { return s.byKind("video") }

func (s *localStream) byKind(kind string) Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tracks {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

func (s *localStream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	tracks := s.tracks
	s.mu.Unlock()
	for _, t := range tracks {
		t.Stop()
	}
}
