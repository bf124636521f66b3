package negotiation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"
)

// Media acquisition errors. Sources wrap one of these so callers can tell a
// denied permission apart from missing hardware.
var (
	ErrPermissionDenied = errors.New("media: permission denied")
	ErrDeviceNotFound   = errors.New("media: device not found")
	ErrStreamStopped    = errors.New("media: stream stopped")
)

// MediaErrorKind coarse classification of a media acquisition failure.
type MediaErrorKind string

// Media error kinds.
const (
	MediaPermissionDenied MediaErrorKind = "permission-denied"
	MediaDeviceNotFound   MediaErrorKind = "device-not-found"
	MediaGenericError     MediaErrorKind = "generic"
)

// ClassifyMediaError maps an acquisition error to its kind.
func ClassifyMediaError(err error) MediaErrorKind {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return MediaPermissionDenied
	case errors.Is(err, ErrDeviceNotFound):
		return MediaDeviceNotFound
	default:
		return MediaGenericError
	}
}

// VideoConstraints requested camera capture settings.
type VideoConstraints struct {
	Width  int
	Height int
}

// AudioConstraints requested microphone processing.
type AudioConstraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// Constraints of a local media capture.
type Constraints struct {
	Video VideoConstraints
	Audio AudioConstraints
}

// DefaultConstraints ideal capture settings of a call.
var DefaultConstraints = Constraints{
	Video: VideoConstraints{Width: 1280, Height: 720},
	Audio: AudioConstraints{
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	},
}

// LocalStream local camera and microphone tracks, owned by the caller of
// MediaSource.Acquire until Stop is called.
type LocalStream interface {
	Tracks() []webrtc.TrackLocal
	SetEnabled(kind webrtc.RTPCodecType, enabled bool)
	Enabled(kind webrtc.RTPCodecType) bool
	Stop()
}

// MediaSource acquires local media.
type MediaSource interface {
	Acquire(ctx context.Context, constraints Constraints) (LocalStream, error)
}

// ScreenCapture an outbound screen share track. Ended is closed when the
// capture stops on its own.
type ScreenCapture interface {
	Track() webrtc.TrackLocal
	Ended() <-chan struct{}
	Stop()
}

// SampleSource produces VP8 and Opus sample tracks fed by the application.
// Used by headless participants that generate or relay their own media.
type SampleSource struct {
	StreamID string
}

// Acquire creates a new SampleStream.
func (s SampleSource) Acquire(ctx context.Context, constraints Constraints) (LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return NewSampleStream(s.StreamID)
}

// SampleStream LocalStream backed by pion static sample tracks.
type SampleStream struct {
	video *webrtc.TrackLocalStaticSample
	audio *webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	enabled map[webrtc.RTPCodecType]bool
	stopped bool
}

// NewSampleStream creates a stream with one video and one audio track.
func NewSampleStream(streamID string) (*SampleStream, error) {
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create video track: %w", err)
	}

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio track: %w", err)
	}

	return &SampleStream{
		video: video,
		audio: audio,
		enabled: map[webrtc.RTPCodecType]bool{
			webrtc.RTPCodecTypeVideo: true,
			webrtc.RTPCodecTypeAudio: true,
		},
	}, nil
}

// Tracks returns the video track followed by the audio track.
func (s *SampleStream) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{s.video, s.audio}
}

// SetEnabled mutes or unmutes every track of kind.
func (s *SampleStream) SetEnabled(kind webrtc.RTPCodecType, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled[kind] = enabled
}

// Enabled reports whether samples of kind are forwarded.
func (s *SampleStream) Enabled(kind webrtc.RTPCodecType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled[kind] && !s.stopped
}

// WriteSample forwards a sample to the track of kind. Samples of a disabled
// kind are discarded.
func (s *SampleStream) WriteSample(kind webrtc.RTPCodecType, sample media.Sample) error {
	s.mu.Lock()
	stopped := s.stopped
	enabled := s.enabled[kind]
	s.mu.Unlock()

	if stopped {
		return ErrStreamStopped
	}
	if !enabled {
		return nil
	}

	switch kind {
	case webrtc.RTPCodecTypeVideo:
		return s.video.WriteSample(sample)
	case webrtc.RTPCodecTypeAudio:
		return s.audio.WriteSample(sample)
	default:
		return fmt.Errorf("unsupported track kind %s", kind)
	}
}

// Stop ends every track of the stream. Idempotent.
func (s *SampleStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	log.Info("local media stopped", zap.String("streamId", s.video.StreamID()))
}

// Stopped returns true once Stop has been called.
func (s *SampleStream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// SampleScreen ScreenCapture backed by a VP8 sample track.
type SampleScreen struct {
	track *webrtc.TrackLocalStaticSample
	ended chan struct{}
	once  sync.Once
}

// NewSampleScreen creates a screen capture track.
func NewSampleScreen(streamID string) (*SampleScreen, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "screen", streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create screen track: %w", err)
	}

	return &SampleScreen{
		track: track,
		ended: make(chan struct{}),
	}, nil
}

// Track returns the outbound screen track.
func (s *SampleScreen) Track() webrtc.TrackLocal {
	return s.track
}

// WriteSample forwards a captured frame.
func (s *SampleScreen) WriteSample(sample media.Sample) error {
	return s.track.WriteSample(sample)
}

// Ended is closed once the capture stops.
func (s *SampleScreen) Ended() <-chan struct{} {
	return s.ended
}

// Stop ends the capture. Idempotent.
func (s *SampleScreen) Stop() {
	s.once.Do(func() {
		close(s.ended)
	})
}
