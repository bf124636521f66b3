// Package call drives one participant through an interview session: it
// resolves admission, acquires local media, negotiates the peer connection
// over the signaling channel, binds the collaborative workspace to the data
// channel and tears everything down exactly once when the call ends.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/CzarSimon/httputil/logger"
	"github.com/pion/webrtc/v4"
	"github.com/rtcheap/interview-room/internal/admission"
	"github.com/rtcheap/interview-room/internal/chat"
	"github.com/rtcheap/interview-room/internal/datasync"
	"github.com/rtcheap/interview-room/internal/models"
	"github.com/rtcheap/interview-room/internal/negotiation"
	"github.com/rtcheap/interview-room/internal/pubsub"
	"github.com/rtcheap/interview-room/internal/signaling"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var log = logger.GetDefaultLogger("interview-room/call")

// Errors returned by Join.
var (
	ErrAdmissionDenied      = errors.New("call: admission denied")
	ErrSignalingUnavailable = errors.New("call: signaling unavailable")
	ErrAlreadyJoined        = errors.New("call: already joined")
	ErrNotConnected         = errors.New("call: not connected")
	ErrLeft                 = errors.New("call: left while joining")
)

// Leave reasons.
const (
	ReasonUserLeft       = "user-left"
	ReasonConnectionLost = "connection-lost"
)

// State lifecycle stage of a call.
type State string

// Call states.
const (
	StateIdle                State = "idle"
	StateWaitingForAdmission State = "waiting-for-admission"
	StateConnecting          State = "connecting"
	StateConnected           State = "connected"
	StateFailed              State = "failed"
	StateLeft                State = "left"
)

const defaultLanguage = "javascript"

// SessionAPI session lifecycle operations used by a call.
type SessionAPI interface {
	GetOrCreate(ctx context.Context, sessionID string, host models.User) (models.Session, error)
	Info(ctx context.Context, sessionID string, user models.User) (models.SessionInfo, error)
	MarkHostReady(ctx context.Context, sessionID, hostID string) (models.Session, error)
	MarkEnded(ctx context.Context, sessionID, hostID string) (models.Session, error)
	RecordAttendance(ctx context.Context, sessionID string, user models.User) (models.Participant, error)
}

// AdmissionAPI join request operations used by a joining participant.
type AdmissionAPI interface {
	admission.StatusSource
	RequestJoin(ctx context.Context, sessionID string, user models.User) (models.JoinStatus, error)
}

// PeerFactory creates the peer connection of a call.
type PeerFactory func(iceServers []models.ICEServer) (negotiation.PeerConnection, error)

// Config of a Call.
type Config struct {
	SessionID string
	User      models.User
	Host      bool

	Sessions   SessionAPI
	Admissions AdmissionAPI
	Transport  pubsub.Transport
	Media      negotiation.MediaSource
	// Optional, NewPionPeer by default.
	NewPeer     PeerFactory
	Constraints negotiation.Constraints

	// Optional. When set the host keeps a live list of pending admissions.
	Moderator admission.Moderator
	// Optional. When set the call keeps a chat feed.
	Chat chat.Service

	Language      string
	PollInterval  time.Duration
	SignalRetry   time.Duration
	OnRemoteTrack func(track *webrtc.TrackRemote)
	OnConnected   func()
	OnLeave       func(reason string)
}

// Call one participant's side of an interview session.
type Call struct {
	cfg       Config
	workspace *datasync.Workspace

	mu          sync.Mutex
	state       State
	stream      negotiation.LocalStream
	negotiator  *negotiation.Negotiator
	channel     *signaling.Channel
	sync        *datasync.Sync
	screen      negotiation.ScreenCapture
	audioMuted  bool
	videoOff    bool
	hostWatcher *admission.HostWatcher
	feed        *chat.Feed

	left       bool
	joinCancel context.CancelFunc
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	leaveOnce sync.Once
	done      chan struct{}
}

// New creates an idle call.
func New(cfg Config) *Call {
	if cfg.NewPeer == nil {
		cfg.NewPeer = negotiation.NewPionPeer
	}
	if cfg.Constraints == (negotiation.Constraints{}) {
		cfg.Constraints = negotiation.DefaultConstraints
	}
	if cfg.Language == "" {
		cfg.Language = defaultLanguage
	}

	return &Call{
		cfg:       cfg,
		workspace: datasync.NewWorkspace(cfg.Language),
		state:     StateIdle,
		done:      make(chan struct{}),
	}
}

// Join resolves admission and sets up media, peer connection and signaling.
// A joining participant blocks until the host admits or denies it; nothing
// is acquired for a denied request. Leave aborts a pending Join, which then
// returns ErrLeft with everything it acquired released.
func (c *Call) Join(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle || c.left {
		c.mu.Unlock()
		return ErrAlreadyJoined
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.joinCancel = cancel
	c.state = StateWaitingForAdmission
	c.mu.Unlock()

	err := c.admit(ctx)
	if c.hasLeft() {
		return ErrLeft
	}
	if err != nil {
		c.setState(StateFailed)
		return err
	}

	c.setState(StateConnecting)
	err = c.connect(ctx)
	if err != nil {
		c.release()
		if c.hasLeft() {
			return ErrLeft
		}
		c.setState(StateFailed)
		return err
	}

	log.Info("joined call", c.fields()...)
	return nil
}

func (c *Call) admit(ctx context.Context) error {
	if c.cfg.Host {
		_, err := c.cfg.Sessions.GetOrCreate(ctx, c.cfg.SessionID, c.cfg.User)
		if err != nil {
			return fmt.Errorf("failed to open session: %w", err)
		}
		_, err = c.cfg.Sessions.MarkHostReady(ctx, c.cfg.SessionID, c.cfg.User.ID)
		if err != nil {
			return fmt.Errorf("failed to mark host ready: %w", err)
		}
		return nil
	}

	status, err := c.cfg.Admissions.RequestJoin(ctx, c.cfg.SessionID, c.cfg.User)
	if err != nil {
		return fmt.Errorf("failed to request admission: %w", err)
	}
	if status.Admitted() {
		return nil
	}

	var opts []admission.Option
	if c.cfg.PollInterval > 0 {
		opts = append(opts, admission.WithInterval(c.cfg.PollInterval))
	}
	watcher := admission.NewWatcher(c.cfg.Admissions, c.cfg.SessionID, c.cfg.User.ID, opts...)
	err = watcher.Watch(ctx)
	if errors.Is(err, admission.ErrDenied) {
		log.Info("admission denied", c.fields()...)
		return ErrAdmissionDenied
	}
	return err
}

func (c *Call) connect(ctx context.Context) error {
	info, err := c.cfg.Sessions.Info(ctx, c.cfg.SessionID, c.cfg.User)
	if err != nil {
		return fmt.Errorf("failed to fetch session info: %w", err)
	}

	stream, err := c.cfg.Media.Acquire(ctx, c.cfg.Constraints)
	if err != nil {
		log.Warn("failed to acquire local media", c.fields(zap.String("kind", string(negotiation.ClassifyMediaError(err))), zap.Error(err))...)
		return fmt.Errorf("failed to acquire local media: %w", err)
	}
	if !c.hold(func() { c.stream = stream }) {
		return ErrLeft
	}

	peer, err := c.cfg.NewPeer(info.ICEServers)
	if err != nil {
		return fmt.Errorf("failed to create peer connection: %w", err)
	}

	var channelOpts []signaling.Option
	if c.cfg.SignalRetry > 0 {
		channelOpts = append(channelOpts, signaling.WithRetryDelay(c.cfg.SignalRetry))
	}
	channel := signaling.NewChannel(c.cfg.Transport, c.cfg.SessionID, channelOpts...)

	role := models.RoleParticipant
	if c.cfg.Host {
		role = models.RoleHost
	}

	negotiator, err := negotiation.New(negotiation.Config{
		SessionID:        c.cfg.SessionID,
		LocalID:          c.cfg.User.ID,
		DisplayName:      c.cfg.User.DisplayName,
		Role:             negotiation.RoleFor(role),
		Signaler:         channel,
		Peer:             peer,
		Stream:           stream,
		OnDataChannel:    c.attachDataChannel,
		OnRemoteTrack:    c.cfg.OnRemoteTrack,
		OnConnected:      c.onConnected,
		OnConnectionLost: c.onConnectionLost,
	})
	if err != nil {
		_ = peer.Close()
		return fmt.Errorf("failed to create negotiator: %w", err)
	}

	if !c.hold(func() {
		c.negotiator = negotiator
		c.channel = channel
	}) {
		return ErrLeft
	}

	channel.OnMessage(negotiator.HandleSignal)
	err = channel.Connect(ctx, c.cfg.User.ID, models.Presence{
		DisplayName: c.cfg.User.DisplayName,
		Role:        role,
	})
	if err != nil {
		log.Error("failed to open signaling channel", c.fields(zap.Error(err))...)
		return fmt.Errorf("%w: %v", ErrSignalingUnavailable, err)
	}

	_, err = c.cfg.Sessions.RecordAttendance(ctx, c.cfg.SessionID, c.cfg.User)
	if err != nil {
		log.Warn("failed to record attendance", c.fields(zap.Error(err))...)
	}

	if !c.startBackground() {
		return ErrLeft
	}
	negotiator.Start(ctx)
	return nil
}

// hold stores an acquired resource on the call. It returns false when the
// call has been left meanwhile; the caller must then release.
func (c *Call) hold(store func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	store()
	return !c.left
}

func (c *Call) hasLeft() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.left
}

// startBackground runs under c.mu so that no goroutine is added once Leave
// has started waiting for them.
func (c *Call) startBackground() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.left {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	var opts []admission.Option
	if c.cfg.PollInterval > 0 {
		opts = append(opts, admission.WithInterval(c.cfg.PollInterval))
	}

	if c.cfg.Host && c.cfg.Moderator != nil {
		watcher := admission.NewHostWatcher(c.cfg.Moderator, c.cfg.SessionID, c.cfg.User.ID, opts...)
		c.hostWatcher = watcher
		c.goBackground(func() { watcher.Run(ctx) })
	}

	if c.cfg.Chat != nil {
		var feedOpts []chat.Option
		if c.cfg.PollInterval > 0 {
			feedOpts = append(feedOpts, chat.WithPollInterval(c.cfg.PollInterval))
		}
		feed := chat.NewFeed(c.cfg.Chat, c.cfg.Transport, c.cfg.SessionID, c.cfg.User.ID, feedOpts...)
		c.feed = feed
		c.goBackground(func() { feed.Run(ctx) })
	}
	return true
}

func (c *Call) goBackground(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

func (c *Call) attachDataChannel(dc datasync.DataChannel) {
	s := datasync.New(dc, c.workspace)
	dc.OnOpen(func() {
		log.Info("workspace channel open", c.fields()...)
		if !c.cfg.Host {
			return
		}
		// The joining peer starts from the host's buffer.
		snapshot := c.workspace.Snapshot()
		if snapshot.Code == "" {
			return
		}
		err := s.SetCode(snapshot.Code, snapshot.Language)
		if err != nil {
			log.Warn("failed to share workspace", c.fields(zap.Error(err))...)
		}
	})

	c.mu.Lock()
	c.sync = s
	c.mu.Unlock()
}

func (c *Call) onConnected() {
	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.state = StateConnected
	c.mu.Unlock()

	if c.cfg.OnConnected != nil {
		c.cfg.OnConnected()
	}
}

// onConnectionLost may run on a peer connection or signaling goroutine, so
// the teardown happens elsewhere.
func (c *Call) onConnectionLost(reason string) {
	log.Warn("connection lost, leaving call", c.fields(zap.String("reason", reason))...)
	go c.Leave(ReasonConnectionLost)
}

// Leave ends the call: local media is stopped, the data channel, peer
// connection and signaling channel are closed and, for the host, the session
// is marked as ended. Only the first call has any effect.
func (c *Call) Leave(reason string) {
	c.leaveOnce.Do(func() {
		c.mu.Lock()
		c.left = true
		joinCancel := c.joinCancel
		c.mu.Unlock()
		if joinCancel != nil {
			joinCancel()
		}

		err := c.release()
		if err != nil {
			log.Warn("errors while leaving call", c.fields(zap.Error(err))...)
		}

		if c.cfg.Host {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_, err = c.cfg.Sessions.MarkEnded(ctx, c.cfg.SessionID, c.cfg.User.ID)
			cancel()
			if err != nil {
				log.Warn("failed to mark session as ended", c.fields(zap.Error(err))...)
			}
		}

		c.setState(StateLeft)
		log.Info("left call", c.fields(zap.String("reason", reason))...)
		if c.cfg.OnLeave != nil {
			c.cfg.OnLeave(reason)
		}
		close(c.done)
	})
}

// release stops and closes everything the call holds. Safe to call more than once.
func (c *Call) release() error {
	c.mu.Lock()
	stream := c.stream
	screen := c.screen
	negotiator := c.negotiator
	channel := c.channel
	cancel := c.cancel
	c.screen = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if screen != nil {
		screen.Stop()
	}
	if stream != nil {
		stream.Stop()
	}

	var err error
	if negotiator != nil {
		err = multierr.Append(err, negotiator.Close())
	}
	if channel != nil {
		channel.Disconnect()
	}

	c.wg.Wait()
	return err
}

// ToggleAudio mutes or unmutes the microphone and returns true if it is now muted.
func (c *Call) ToggleAudio() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audioMuted = !c.audioMuted
	if c.stream != nil {
		c.stream.SetEnabled(webrtc.RTPCodecTypeAudio, !c.audioMuted)
	}
	return c.audioMuted
}

// ToggleVideo turns the camera off or on and returns true if it is now off.
func (c *Call) ToggleVideo() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.videoOff = !c.videoOff
	if c.stream != nil {
		c.stream.SetEnabled(webrtc.RTPCodecTypeVideo, !c.videoOff)
	}
	return c.videoOff
}

// ShareScreen sends capture instead of the camera. The camera comes back when
// the capture ends on its own or StopScreenShare is called.
func (c *Call) ShareScreen(capture negotiation.ScreenCapture) error {
	c.mu.Lock()
	negotiator := c.negotiator
	previous := c.screen
	c.mu.Unlock()

	if negotiator == nil {
		return ErrNotConnected
	}
	err := negotiator.ReplaceVideoTrack(capture.Track())
	if err != nil {
		return fmt.Errorf("failed to share screen: %w", err)
	}

	c.mu.Lock()
	c.screen = capture
	c.mu.Unlock()
	if previous != nil && previous != capture {
		previous.Stop()
	}

	go func() {
		select {
		case <-capture.Ended():
			c.endScreenShare(capture)
		case <-c.done:
		}
	}()
	return nil
}

// StopScreenShare switches back to the camera.
func (c *Call) StopScreenShare() error {
	c.mu.Lock()
	capture := c.screen
	c.mu.Unlock()

	if capture == nil {
		return nil
	}
	return c.endScreenShare(capture)
}

func (c *Call) endScreenShare(capture negotiation.ScreenCapture) error {
	c.mu.Lock()
	if c.screen != capture {
		c.mu.Unlock()
		return nil
	}
	c.screen = nil
	negotiator := c.negotiator
	c.mu.Unlock()

	capture.Stop()
	err := negotiator.RestoreCamera()
	if err != nil && !errors.Is(err, negotiation.ErrNegotiatorClosed) {
		return fmt.Errorf("failed to restore camera: %w", err)
	}
	return nil
}

// Sharing returns true while a screen capture is being sent.
func (c *Call) Sharing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.screen != nil
}

// Negotiation returns the state of the peer connection negotiation.
func (c *Call) Negotiation() (negotiation.State, bool) {
	c.mu.Lock()
	negotiator := c.negotiator
	c.mu.Unlock()

	if negotiator == nil {
		return negotiation.State{}, false
	}
	return negotiator.State(), true
}

// Done is closed once the call has been left.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// State returns the lifecycle stage of the call.
func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Workspace returns the shared editor and whiteboard state.
func (c *Call) Workspace() *datasync.Workspace {
	return c.workspace
}

// HostWatcher returns the pending admission list of a host call, nil otherwise.
func (c *Call) HostWatcher() *admission.HostWatcher {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hostWatcher
}

// Chat returns the chat feed, nil if the call has no chat.
func (c *Call) Chat() *chat.Feed {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.feed
}

// SetCode replaces the shared code buffer.
func (c *Call) SetCode(code, language string) error {
	s := c.currentSync()
	if s == nil {
		c.workspace.SetCode(code, language)
		return nil
	}
	return s.SetCode(code, language)
}

// SetLanguage switches the shared editor language.
func (c *Call) SetLanguage(language string) error {
	s := c.currentSync()
	if s == nil {
		c.workspace.SetLanguage(language)
		return nil
	}
	return s.SetLanguage(language)
}

// Draw replaces the shared whiteboard.
func (c *Call) Draw(image string) error {
	s := c.currentSync()
	if s == nil {
		c.workspace.SetWhiteboard(image)
		return nil
	}
	return s.Draw(image)
}

// ClearWhiteboard clears the shared whiteboard.
func (c *Call) ClearWhiteboard() error {
	s := c.currentSync()
	if s == nil {
		c.workspace.ClearWhiteboard()
		return nil
	}
	return s.ClearWhiteboard()
}

func (c *Call) currentSync() *datasync.Sync {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sync
}

func (c *Call) setState(state State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateLeft {
		return
	}
	c.state = state
}

func (c *Call) fields(extra ...zap.Field) []zap.Field {
	return append([]zap.Field{
		zap.String("sessionId", c.cfg.SessionID),
		zap.String("userId", c.cfg.User.ID),
		zap.Bool("host", c.cfg.Host),
	}, extra...)
}
