package call_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/CzarSimon/httputil/dbutil"
	"github.com/pion/webrtc/v4"
	"github.com/rtcheap/interview-room/internal/call"
	"github.com/rtcheap/interview-room/internal/models"
	"github.com/rtcheap/interview-room/internal/negotiation"
	"github.com/rtcheap/interview-room/internal/negotiation/negotiationtest"
	"github.com/rtcheap/interview-room/internal/pubsub"
	"github.com/rtcheap/interview-room/internal/repository"
	"github.com/rtcheap/interview-room/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/mattn/go-sqlite3"
)

const (
	waitFor      = 2 * time.Second
	tick         = 5 * time.Millisecond
	pollInterval = 10 * time.Millisecond
)

var (
	host  = models.User{ID: "host-1", DisplayName: "Ada"}
	guest = models.User{ID: "guest-1", DisplayName: "Grace"}
)

func TestJoinExchangeAndLeave(t *testing.T) {
	assert := assert.New(t)
	b := newBackend(t)
	room := b.connectedRoom(t, "ABC123")

	assert.Equal(call.StateConnected, room.host.State())
	assert.Equal(call.StateConnected, room.guest.State())

	session, err := b.sessions.Get(context.Background(), "ABC123")
	assert.NoError(err)
	assert.Equal(models.StatusActive, session.Status)
	assert.True(session.HostReady)
	assert.Len(session.Participants, 2)

	hostState, ok := room.host.Negotiation()
	assert.True(ok)
	assert.Equal(negotiation.Responder, hostState.Role)
	assert.Equal(guest.ID, hostState.RemoteID)
	assert.True(hostState.Flags.AnswerSent)
	assert.Equal(1, room.hostPeer.Answers())
	assert.Equal(1, room.guestPeer.Offers())

	err = room.guest.SetCode("print(1)", "python")
	assert.NoError(err)
	snapshot := room.host.Workspace().Snapshot()
	assert.Equal("print(1)", snapshot.Code)
	assert.Equal("python", snapshot.Language)

	err = room.host.Draw("data:image/png;base64,AAAA")
	assert.NoError(err)
	assert.Equal("data:image/png;base64,AAAA", room.guest.Workspace().Snapshot().Whiteboard)

	room.guest.Leave(call.ReasonUserLeft)
	waitDone(t, room.host)

	assert.Equal([]string{call.ReasonUserLeft}, room.guestLeaves.all())
	assert.Equal([]string{call.ReasonConnectionLost}, room.hostLeaves.all())
	assert.Equal(call.StateLeft, room.host.State())
	assert.True(room.hostPeer.Closed())
	assert.True(room.guestPeer.Closed())
	assert.True(b.media.stream(host.ID).Stopped())
	assert.True(b.media.stream(guest.ID).Stopped())

	session, err = b.sessions.Get(context.Background(), "ABC123")
	assert.NoError(err)
	assert.Equal(models.StatusEnded, session.Status)
}

func TestJoinDenied(t *testing.T) {
	assert := assert.New(t)
	b := newBackend(t)
	ctx := context.Background()

	_, err := b.sessions.GetOrCreate(ctx, "XYZ", host)
	require.NoError(t, err)
	_, err = b.sessions.MarkHostReady(ctx, "XYZ", host.ID)
	require.NoError(t, err)

	leaves := &reasons{}
	c := b.newCall("XYZ", guest, false, leaves)
	joined := make(chan error, 1)
	go func() { joined <- c.Join(ctx) }()

	assert.Eventually(func() bool {
		pending, err := b.admissions.ListPending(ctx, "XYZ", host.ID)
		return err == nil && len(pending) == 1
	}, waitFor, tick)
	assert.Equal(call.StateWaitingForAdmission, c.State())
	assert.NoError(b.admissions.Deny(ctx, "XYZ", host.ID, guest.ID))

	select {
	case err = <-joined:
	case <-time.After(waitFor):
		t.Fatal("join did not return after denial")
	}
	assert.ErrorIs(err, call.ErrAdmissionDenied)
	assert.Equal(call.StateFailed, c.State())
	assert.Equal(0, b.media.acquired())
	assert.Equal(0, b.peers.created())
}

func TestLeaveWhileWaitingForAdmission(t *testing.T) {
	assert := assert.New(t)
	b := newBackend(t)
	ctx := context.Background()

	_, err := b.sessions.GetOrCreate(ctx, "XYZ", host)
	require.NoError(t, err)
	_, err = b.sessions.MarkHostReady(ctx, "XYZ", host.ID)
	require.NoError(t, err)

	leaves := &reasons{}
	c := b.newCall("XYZ", guest, false, leaves)
	joined := make(chan error, 1)
	go func() { joined <- c.Join(ctx) }()

	assert.Eventually(func() bool {
		pending, err := b.admissions.ListPending(ctx, "XYZ", host.ID)
		return err == nil && len(pending) == 1
	}, waitFor, tick)
	c.Leave(call.ReasonUserLeft)

	select {
	case err = <-joined:
	case <-time.After(waitFor):
		t.Fatal("join did not return after leave")
	}
	assert.ErrorIs(err, call.ErrLeft)

	// A late approval must not bring the call back to life.
	assert.NoError(b.admissions.Approve(ctx, "XYZ", host.ID, guest.ID))
	time.Sleep(5 * pollInterval)

	assert.Equal(call.StateLeft, c.State())
	assert.Equal([]string{call.ReasonUserLeft}, leaves.all())
	assert.Equal(0, b.media.acquired())
	assert.Equal(0, b.peers.created())
	assert.ErrorIs(c.Join(ctx), call.ErrAlreadyJoined)
}

func TestLeaveWhileAcquiringMedia(t *testing.T) {
	assert := assert.New(t)
	b := newBackend(t)
	b.media.gate = make(chan struct{})

	leaves := &reasons{}
	c := b.newCall("ABC123", host, true, leaves)
	joined := make(chan error, 1)
	go func() { joined <- c.Join(context.Background()) }()

	assert.Eventually(func() bool {
		return b.media.waiting() == 1
	}, waitFor, tick)
	assert.Equal(call.StateConnecting, c.State())
	c.Leave(call.ReasonUserLeft)
	close(b.media.gate)

	select {
	case err := <-joined:
		assert.ErrorIs(err, call.ErrLeft)
	case <-time.After(waitFor):
		t.Fatal("join did not return after leave")
	}

	assert.Equal(call.StateLeft, c.State())
	assert.Equal(1, b.media.acquired())
	assert.True(b.media.stream(host.ID).Stopped())
	assert.Equal(0, b.peers.created())
	_, ok := c.Negotiation()
	assert.False(ok)
}

func TestConnectionFailureTearsDownOnce(t *testing.T) {
	assert := assert.New(t)
	b := newBackend(t)
	room := b.connectedRoom(t, "ABC123")

	room.hostPeer.SetICEState(webrtc.ICEConnectionStateFailed)
	room.hostPeer.SetConnectionState(webrtc.PeerConnectionStateFailed)
	waitDone(t, room.host)
	room.host.Leave(call.ReasonUserLeft)

	assert.Equal([]string{call.ReasonConnectionLost}, room.hostLeaves.all())
	assert.True(b.media.stream(host.ID).Stopped())
	assert.True(room.hostPeer.Closed())

	// The guest sees the host leave the signaling channel.
	waitDone(t, room.guest)
	assert.Equal([]string{call.ReasonConnectionLost}, room.guestLeaves.all())
	assert.Equal(webrtc.DataChannelStateClosed, room.guestPeer.DataChannels()[0].ReadyState())

	session, err := b.sessions.Get(context.Background(), "ABC123")
	assert.NoError(err)
	assert.Equal(models.StatusEnded, session.Status)
}

func TestJoinSignalingUnavailable(t *testing.T) {
	assert := assert.New(t)
	b := newBackend(t)
	b.transport.Close()

	c := b.newCall("ABC123", host, true, &reasons{})
	err := c.Join(context.Background())
	assert.ErrorIs(err, call.ErrSignalingUnavailable)
	assert.Equal(call.StateFailed, c.State())
	assert.Equal(1, b.media.acquired())
	assert.True(b.media.stream(host.ID).Stopped())
	assert.True(b.peers.get(host.ID).Closed())
}

func TestJoinMediaFailure(t *testing.T) {
	assert := assert.New(t)
	b := newBackend(t)
	b.media.err = negotiation.ErrPermissionDenied

	c := b.newCall("ABC123", host, true, &reasons{})
	err := c.Join(context.Background())
	assert.ErrorIs(err, negotiation.ErrPermissionDenied)
	assert.Equal(call.StateFailed, c.State())
	assert.Equal(0, b.peers.created())
}

func TestJoinTwice(t *testing.T) {
	b := newBackend(t)
	room := b.connectedRoom(t, "ABC123")
	assert.ErrorIs(t, room.host.Join(context.Background()), call.ErrAlreadyJoined)
}

func TestToggleMedia(t *testing.T) {
	assert := assert.New(t)
	b := newBackend(t)
	room := b.connectedRoom(t, "ABC123")
	stream := b.media.stream(guest.ID)

	assert.True(room.guest.ToggleAudio())
	assert.False(stream.Enabled(webrtc.RTPCodecTypeAudio))
	assert.True(stream.Enabled(webrtc.RTPCodecTypeVideo))

	assert.True(room.guest.ToggleVideo())
	assert.False(stream.Enabled(webrtc.RTPCodecTypeVideo))

	assert.False(room.guest.ToggleAudio())
	assert.True(stream.Enabled(webrtc.RTPCodecTypeAudio))
}

func TestScreenShare(t *testing.T) {
	assert := assert.New(t)
	b := newBackend(t)
	room := b.connectedRoom(t, "ABC123")

	camera := b.media.stream(guest.ID).Tracks()[0]
	video := room.guestPeer.Senders()[0]
	assert.Equal(camera, video.Track())

	screen, err := negotiation.NewSampleScreen("screen")
	require.NoError(t, err)
	assert.NoError(room.guest.ShareScreen(screen))
	assert.True(room.guest.Sharing())
	assert.Equal(screen.Track(), video.Track())

	// Ending the capture from the outside restores the camera.
	screen.Stop()
	assert.Eventually(func() bool {
		return !room.guest.Sharing() && video.Track() == camera
	}, waitFor, tick)

	second, err := negotiation.NewSampleScreen("screen")
	require.NoError(t, err)
	assert.NoError(room.guest.ShareScreen(second))
	assert.NoError(room.guest.StopScreenShare())
	assert.False(room.guest.Sharing())
	assert.Equal(camera, video.Track())

	select {
	case <-second.Ended():
	default:
		t.Error("screen capture was not stopped")
	}
}

func TestChatDuringCall(t *testing.T) {
	assert := assert.New(t)
	b := newBackend(t)
	room := b.connectedRoom(t, "ABC123")

	hostFeed := room.host.Chat()
	guestFeed := room.guest.Chat()
	require.NotNil(t, hostFeed)
	require.NotNil(t, guestFeed)
	assert.Eventually(func() bool { return hostFeed.Subscribed() && guestFeed.Subscribed() }, waitFor, tick)

	sent, err := guestFeed.Send(context.Background(), "func main() {}", models.ChatTypeCode)
	assert.NoError(err)
	assert.Eventually(func() bool {
		messages := hostFeed.Messages()
		return len(messages) == 1 && messages[0].ID == sent.ID
	}, waitFor, tick)
	assert.Equal(guest.ID, hostFeed.Messages()[0].SenderID)
}

type room struct {
	host        *call.Call
	guest       *call.Call
	hostPeer    *negotiationtest.Peer
	guestPeer   *negotiationtest.Peer
	hostLeaves  *reasons
	guestLeaves *reasons
}

// connectedRoom joins a host and an admitted guest, completes negotiation and
// connects their fake transports.
func (b *backend) connectedRoom(t *testing.T, sessionID string) *room {
	t.Helper()
	ctx := context.Background()
	r := &room{hostLeaves: &reasons{}, guestLeaves: &reasons{}}

	r.host = b.newCall(sessionID, host, true, r.hostLeaves)
	require.NoError(t, r.host.Join(ctx))
	require.NotNil(t, r.host.HostWatcher())

	r.guest = b.newCall(sessionID, guest, false, r.guestLeaves)
	joined := make(chan error, 1)
	go func() { joined <- r.guest.Join(ctx) }()

	require.Eventually(t, func() bool {
		pending := r.host.HostWatcher().Pending()
		return len(pending) == 1 && pending[0].UserID == guest.ID
	}, waitFor, tick)
	require.NoError(t, r.host.HostWatcher().Approve(ctx, guest.ID))

	select {
	case err := <-joined:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("guest was not admitted")
	}

	r.hostPeer = b.peers.get(host.ID)
	r.guestPeer = b.peers.get(guest.ID)
	require.Eventually(t, func() bool {
		return r.guestPeer.RemoteDescription() != nil &&
			r.guestPeer.SignalingState() == webrtc.SignalingStateStable
	}, waitFor, tick)

	negotiationtest.Connect(r.guestPeer, r.hostPeer)
	require.Eventually(t, func() bool {
		return r.host.State() == call.StateConnected && r.guest.State() == call.StateConnected
	}, waitFor, tick)

	t.Cleanup(func() {
		r.guest.Leave(call.ReasonUserLeft)
		r.host.Leave(call.ReasonUserLeft)
	})
	return r
}

type backend struct {
	transport  *pubsub.MemoryTransport
	sessions   *service.SessionService
	admissions *service.AdmissionService
	chat       *service.ChatService
	media      *recordingMedia
	peers      *peerFactory
}

func newBackend(t *testing.T) *backend {
	dbConf := dbutil.SqliteConfig{}
	migrationsPath := "../../resources/db/sqlite"
	db := dbutil.MustConnect(dbConf)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err := db.Exec("PRAGMA foreign_keys = ON")
	require.NoError(t, err)
	require.NoError(t, dbutil.Downgrade(migrationsPath, dbConf.Driver(), db))
	require.NoError(t, dbutil.Upgrade(migrationsPath, dbConf.Driver(), db))

	transport := pubsub.NewMemoryTransport()
	t.Cleanup(func() { transport.Close() })

	sessionRepo := repository.NewSessionRepository(db)
	return &backend{
		transport: transport,
		sessions: &service.SessionService{
			STUNServers: []string{"stun:stun.l.google.com:19302"},
			SessionRepo: sessionRepo,
		},
		admissions: &service.AdmissionService{
			SessionRepo:   sessionRepo,
			AdmissionRepo: repository.NewAdmissionRepository(db),
		},
		chat: &service.ChatService{
			SessionRepo: sessionRepo,
			ChatRepo:    repository.NewChatRepository(db),
			Transport:   transport,
		},
		media: &recordingMedia{streams: make(map[string]*negotiation.SampleStream)},
		peers: &peerFactory{peers: make(map[string]*negotiationtest.Peer)},
	}
}

func (b *backend) newCall(sessionID string, user models.User, isHost bool, leaves *reasons) *call.Call {
	cfg := call.Config{
		SessionID:    sessionID,
		User:         user,
		Host:         isHost,
		Sessions:     b.sessions,
		Admissions:   b.admissions,
		Transport:    b.transport,
		Media:        b.media.forUser(user.ID),
		NewPeer:      b.peers.forUser(user.ID),
		Chat:         b.chat,
		PollInterval: pollInterval,
		SignalRetry:  time.Millisecond,
		OnLeave:      leaves.add,
	}
	if isHost {
		cfg.Moderator = b.admissions
	}
	return call.New(cfg)
}

type recordingMedia struct {
	mu      sync.Mutex
	streams map[string]*negotiation.SampleStream
	count   int
	err     error
	// When set Acquire blocks until it is closed, ignoring cancellation.
	gate    chan struct{}
	blocked int
}

func (m *recordingMedia) forUser(userID string) negotiation.MediaSource {
	return mediaFunc(func(ctx context.Context, _ negotiation.Constraints) (negotiation.LocalStream, error) {
		if m.gate != nil {
			m.mu.Lock()
			m.blocked++
			m.mu.Unlock()
			<-m.gate
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		m.count++
		if m.err != nil {
			return nil, m.err
		}
		stream, err := negotiation.NewSampleStream(userID)
		if err != nil {
			return nil, err
		}
		m.streams[userID] = stream
		return stream, nil
	})
}

func (m *recordingMedia) acquired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

func (m *recordingMedia) waiting() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocked
}

func (m *recordingMedia) stream(userID string) *negotiation.SampleStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streams[userID]
}

type mediaFunc func(ctx context.Context, c negotiation.Constraints) (negotiation.LocalStream, error)

func (f mediaFunc) Acquire(ctx context.Context, c negotiation.Constraints) (negotiation.LocalStream, error) {
	return f(ctx, c)
}

type peerFactory struct {
	mu    sync.Mutex
	peers map[string]*negotiationtest.Peer
}

func (f *peerFactory) forUser(userID string) call.PeerFactory {
	return func(iceServers []models.ICEServer) (negotiation.PeerConnection, error) {
		if len(iceServers) == 0 {
			return nil, errors.New("no ice servers")
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		peer := negotiationtest.NewPeer()
		f.peers[userID] = peer
		return peer, nil
	}
}

func (f *peerFactory) get(userID string) *negotiationtest.Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers[userID]
}

func (f *peerFactory) created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

type reasons struct {
	mu   sync.Mutex
	list []string
}

func (r *reasons) add(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.list = append(r.list, reason)
}

func (r *reasons) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.list...)
}

func waitDone(t *testing.T, c *call.Call) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("call did not end")
	}
}
