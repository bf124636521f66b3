// Package negotiation runs the offer/answer/ICE exchange of a two party call.
//
// Roles are fixed when a participant joins: the joiner is always the
// Initiator (creates the offer and the data channel) and the host is always
// the Responder (answers and accepts the data channel). Signaling messages
// may be lost, duplicated or reordered, so the negotiator latches every
// step of the exchange and queues ICE candidates until a remote description
// is in place.
package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/CzarSimon/httputil/logger"
	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rtcheap/interview-room/internal/datasync"
	"github.com/rtcheap/interview-room/internal/models"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var log = logger.GetDefaultLogger("interview-room/negotiation")

// Prometheus metrics.
var (
	negotiationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "negotiation_outcomes_total",
			Help: "The total number of peer connections reaching a terminal state",
		},
		[]string{"role", "outcome"},
	)
)

// Errors returned by the negotiator.
var (
	ErrMissingPeer      = errors.New("negotiation: peer connection is required")
	ErrMissingSignaler  = errors.New("negotiation: signaler is required")
	ErrNoVideoSender    = errors.New("negotiation: no outbound video track")
	ErrNegotiatorClosed = errors.New("negotiation: negotiator closed")
)

// Role side of the exchange a peer plays.
type Role int

// Negotiation roles.
const (
	Initiator Role = iota + 1
	Responder
)

// RoleFor maps a session participant role to its negotiation role.
func RoleFor(participantRole string) Role {
	if participantRole == models.RoleHost {
		return Responder
	}
	return Initiator
}

func (r Role) String() string {
	switch r {
	case Initiator:
		return "initiator"
	case Responder:
		return "responder"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// Signaler outbound side of the signaling channel. Send never reports
// failures; lost messages are tolerated by the protocol.
type Signaler interface {
	Send(ctx context.Context, msg models.SignalingMessage)
}

// Config of a Negotiator.
type Config struct {
	SessionID   string
	LocalID     string
	DisplayName string
	Role        Role
	Signaler    Signaler
	Peer        PeerConnection
	// Stream local media attached before any offer or answer is created. May be nil.
	Stream LocalStream

	OnDataChannel    func(dc datasync.DataChannel)
	OnRemoteTrack    func(track *webrtc.TrackRemote)
	OnConnected      func()
	OnConnectionLost func(reason string)
}

// Negotiator drives one peer connection through negotiation.
type Negotiator struct {
	cfg     Config
	session *NegotiationSession

	mu              sync.Mutex
	remoteID        string
	videoSender     TrackSender
	cameraTrack     webrtc.TrackLocal
	dataChannel     datasync.DataChannel
	iceState        webrtc.ICEConnectionState
	connectionState webrtc.PeerConnectionState
	connected       bool
	lost            bool
	closed          bool
}

// New attaches local media to the peer connection and registers the
// connection callbacks. The Initiator creates the data channel here.
func New(cfg Config) (*Negotiator, error) {
	if cfg.Peer == nil {
		return nil, ErrMissingPeer
	}
	if cfg.Signaler == nil {
		return nil, ErrMissingSignaler
	}

	n := &Negotiator{
		cfg:             cfg,
		session:         NewNegotiationSession(),
		iceState:        webrtc.ICEConnectionStateNew,
		connectionState: webrtc.PeerConnectionStateNew,
	}

	if err := n.attachStream(); err != nil {
		return nil, err
	}

	cfg.Peer.OnICECandidate(n.onLocalCandidate)
	cfg.Peer.OnICEConnectionStateChange(n.onICEConnectionState)
	cfg.Peer.OnConnectionStateChange(n.onConnectionState)
	cfg.Peer.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info("remote track received", n.fields(zap.String("kind", track.Kind().String()))...)
		if cfg.OnRemoteTrack != nil {
			cfg.OnRemoteTrack(track)
		}
	})

	if cfg.Role == Initiator {
		ordered := true
		dc, err := cfg.Peer.CreateDataChannel(datasync.ChannelLabel, &webrtc.DataChannelInit{
			Ordered: &ordered,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create data channel: %w", err)
		}
		n.setDataChannel(dc)
	} else {
		cfg.Peer.OnDataChannel(n.setDataChannel)
	}

	return n, nil
}

func (n *Negotiator) attachStream() error {
	if n.cfg.Stream == nil {
		return nil
	}

	for _, track := range n.cfg.Stream.Tracks() {
		sender, err := n.cfg.Peer.AddTrack(track)
		if err != nil {
			return fmt.Errorf("failed to attach %s track: %w", track.Kind(), err)
		}
		if track.Kind() == webrtc.RTPCodecTypeVideo && n.videoSender == nil {
			n.videoSender = sender
			n.cameraTrack = track
		}
	}
	return nil
}

// Start begins negotiation. The Initiator sends its offer right away; the
// Responder waits for one.
func (n *Negotiator) Start(ctx context.Context) {
	if n.cfg.Role != Initiator {
		return
	}
	n.sendOffer(ctx)
}

// HandleSignal applies an inbound signaling envelope.
func (n *Negotiator) HandleSignal(ctx context.Context, msg models.SignalingMessage) {
	if msg.From == "" || msg.From == n.cfg.LocalID {
		return
	}
	if msg.TargetsOther(n.cfg.LocalID) {
		return
	}
	if n.isClosed() {
		return
	}

	switch msg.Type {
	case models.TypeUserJoined:
		n.handleUserJoined(ctx, msg)
	case models.TypeOffer:
		n.handleOffer(ctx, msg)
	case models.TypeAnswer:
		n.handleAnswer(msg)
	case models.TypeICECandidate:
		n.handleCandidate(msg)
	case models.TypeUserLeft:
		n.handleUserLeft(msg)
	default:
		log.Warn("ignoring unknown signaling message", n.fields(zap.Stringer("message", msg))...)
	}
}

func (n *Negotiator) handleUserJoined(ctx context.Context, msg models.SignalingMessage) {
	n.rememberRemote(msg.From)

	if n.cfg.Role == Initiator {
		n.sendOffer(ctx)
		return
	}

	presence := mustMarshal(models.Presence{
		DisplayName: n.cfg.DisplayName,
		Role:        models.RoleHost,
	})
	n.cfg.Signaler.Send(ctx, models.SignalingMessage{
		Type: models.TypeUserJoined,
		To:   msg.From,
		Data: presence,
	})
	n.cfg.Signaler.Send(ctx, models.SignalingMessage{
		Type: models.TypeUserJoined,
		Data: presence,
	})
}

func (n *Negotiator) sendOffer(ctx context.Context) {
	if !n.session.claimOffer() {
		log.Debug("offer already sent", n.fields()...)
		return
	}

	offer, err := n.cfg.Peer.CreateOffer(nil)
	if err != nil {
		log.Error("failed to create offer", n.fields(zap.Error(err))...)
		n.lose("offer failed")
		return
	}

	err = n.cfg.Peer.SetLocalDescription(offer)
	if err != nil {
		log.Error("failed to apply local offer", n.fields(zap.Error(err))...)
		n.lose("offer failed")
		return
	}

	n.cfg.Signaler.Send(ctx, models.SignalingMessage{
		Type: models.TypeOffer,
		To:   n.remote(),
		Data: mustMarshal(offer),
	})
	log.Info("offer sent", n.fields()...)
}

func (n *Negotiator) handleOffer(ctx context.Context, msg models.SignalingMessage) {
	if n.cfg.Role != Responder {
		log.Debug("initiator ignoring offer", n.fields(zap.String("from", msg.From))...)
		return
	}

	state := n.cfg.Peer.SignalingState()
	if state != webrtc.SignalingStateStable && state != webrtc.SignalingStateHaveLocalOffer {
		log.Debug("ignoring offer in signaling state "+state.String(), n.fields()...)
		return
	}
	if n.cfg.Peer.RemoteDescription() != nil {
		log.Debug("ignoring offer, remote description already set", n.fields()...)
		return
	}

	var offer webrtc.SessionDescription
	if err := json.Unmarshal(msg.Data, &offer); err != nil || offer.Type != webrtc.SDPTypeOffer {
		log.Warn("ignoring malformed offer", n.fields(zap.Error(err))...)
		return
	}

	if !n.session.claimRemoteOffer() {
		log.Debug("ignoring duplicate offer", n.fields()...)
		return
	}
	n.rememberRemote(msg.From)

	if err := n.cfg.Peer.SetRemoteDescription(offer); err != nil {
		log.Error("failed to apply remote offer", n.fields(zap.Error(err))...)
		n.lose("offer rejected")
		return
	}
	n.flushCandidates()

	if !n.session.claimAnswer() {
		return
	}

	answer, err := n.cfg.Peer.CreateAnswer(nil)
	if err != nil {
		log.Error("failed to create answer", n.fields(zap.Error(err))...)
		n.lose("answer failed")
		return
	}

	err = n.cfg.Peer.SetLocalDescription(answer)
	if err != nil {
		log.Error("failed to apply local answer", n.fields(zap.Error(err))...)
		n.lose("answer failed")
		return
	}

	n.cfg.Signaler.Send(ctx, models.SignalingMessage{
		Type: models.TypeAnswer,
		To:   msg.From,
		Data: mustMarshal(answer),
	})
	log.Info("answer sent", n.fields(zap.String("to", msg.From))...)
}

func (n *Negotiator) handleAnswer(msg models.SignalingMessage) {
	if n.cfg.Role != Initiator {
		log.Debug("responder ignoring answer", n.fields(zap.String("from", msg.From))...)
		return
	}

	state := n.cfg.Peer.SignalingState()
	if state != webrtc.SignalingStateHaveLocalOffer {
		log.Debug("ignoring answer in signaling state "+state.String(), n.fields()...)
		return
	}

	var answer webrtc.SessionDescription
	if err := json.Unmarshal(msg.Data, &answer); err != nil || answer.Type != webrtc.SDPTypeAnswer {
		log.Warn("ignoring malformed answer", n.fields(zap.Error(err))...)
		return
	}
	n.rememberRemote(msg.From)

	if err := n.cfg.Peer.SetRemoteDescription(answer); err != nil {
		log.Error("failed to apply remote answer", n.fields(zap.Error(err))...)
		n.lose("answer rejected")
		return
	}
	n.flushCandidates()
	log.Info("answer applied", n.fields()...)
}

func (n *Negotiator) handleCandidate(msg models.SignalingMessage) {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(msg.Data, &candidate); err != nil {
		log.Warn("ignoring malformed ice candidate", n.fields(zap.Error(err))...)
		return
	}

	if n.session.enqueueCandidate(candidate) {
		return
	}
	n.addCandidate(candidate)
}

func (n *Negotiator) flushCandidates() {
	for _, candidate := range n.session.remoteDescriptionApplied() {
		n.addCandidate(candidate)
	}
}

func (n *Negotiator) addCandidate(candidate webrtc.ICECandidateInit) {
	if err := n.cfg.Peer.AddICECandidate(candidate); err != nil {
		log.Warn("failed to add ice candidate", n.fields(zap.Error(err))...)
	}
}

func (n *Negotiator) handleUserLeft(msg models.SignalingMessage) {
	remote := n.remote()
	if remote != "" && remote != msg.From {
		return
	}
	log.Info("remote peer left", n.fields(zap.String("from", msg.From))...)
	n.lose("peer left")
}

func (n *Negotiator) onLocalCandidate(candidate *webrtc.ICECandidate) {
	if candidate == nil || n.isClosed() {
		return
	}

	n.cfg.Signaler.Send(context.Background(), models.SignalingMessage{
		Type: models.TypeICECandidate,
		To:   n.remote(),
		Data: mustMarshal(candidate.ToJSON()),
	})
}

func (n *Negotiator) onICEConnectionState(state webrtc.ICEConnectionState) {
	n.mu.Lock()
	n.iceState = state
	n.mu.Unlock()
	log.Info("ice connection state changed", n.fields(zap.String("state", state.String()))...)

	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		n.markConnected()
	case webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateClosed:
		n.lose("ice " + state.String())
	}
}

func (n *Negotiator) onConnectionState(state webrtc.PeerConnectionState) {
	n.mu.Lock()
	n.connectionState = state
	n.mu.Unlock()

	switch state {
	case webrtc.PeerConnectionStateConnected:
		n.markConnected()
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		n.lose("connection " + state.String())
	}
}

func (n *Negotiator) markConnected() {
	n.mu.Lock()
	if n.connected || n.closed || n.lost {
		n.mu.Unlock()
		return
	}
	n.connected = true
	n.mu.Unlock()

	negotiationsTotal.WithLabelValues(n.cfg.Role.String(), "connected").Inc()
	log.Info("peer connected", n.fields()...)
	if n.cfg.OnConnected != nil {
		n.cfg.OnConnected()
	}
}

func (n *Negotiator) lose(reason string) {
	n.mu.Lock()
	if n.lost || n.closed {
		n.mu.Unlock()
		return
	}
	n.lost = true
	n.mu.Unlock()

	negotiationsTotal.WithLabelValues(n.cfg.Role.String(), "lost").Inc()
	log.Warn("peer connection lost", n.fields(zap.String("reason", reason))...)
	if n.cfg.OnConnectionLost != nil {
		n.cfg.OnConnectionLost(reason)
	}
}

func (n *Negotiator) setDataChannel(dc datasync.DataChannel) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		_ = dc.Close()
		return
	}
	n.dataChannel = dc
	n.mu.Unlock()

	log.Info("data channel ready", n.fields(zap.String("label", dc.Label()))...)
	if n.cfg.OnDataChannel != nil {
		n.cfg.OnDataChannel(dc)
	}
}

// ReplaceVideoTrack swaps the outbound video track without renegotiating.
func (n *Negotiator) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	n.mu.Lock()
	sender := n.videoSender
	closed := n.closed
	n.mu.Unlock()

	if closed {
		return ErrNegotiatorClosed
	}
	if sender == nil {
		return ErrNoVideoSender
	}
	return sender.ReplaceTrack(track)
}

// RestoreCamera switches the outbound video back to the camera track.
func (n *Negotiator) RestoreCamera() error {
	n.mu.Lock()
	camera := n.cameraTrack
	n.mu.Unlock()

	if camera == nil {
		return ErrNoVideoSender
	}
	return n.ReplaceVideoTrack(camera)
}

// Close closes the data channel and the peer connection and resets the
// negotiation session. Idempotent.
func (n *Negotiator) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	dc := n.dataChannel
	n.mu.Unlock()

	var err error
	if dc != nil {
		err = multierr.Append(err, dc.Close())
	}
	err = multierr.Append(err, n.cfg.Peer.Close())
	n.session.Reset()

	log.Info("negotiator closed", n.fields()...)
	return err
}

// State point in time view of the negotiation.
type State struct {
	Role            Role
	RemoteID        string
	SignalingState  webrtc.SignalingState
	ICEState        webrtc.ICEConnectionState
	ConnectionState webrtc.PeerConnectionState
	Connected       bool
	Flags           Flags
}

// State returns the current negotiation state.
func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return State{
		Role:            n.cfg.Role,
		RemoteID:        n.remoteID,
		SignalingState:  n.cfg.Peer.SignalingState(),
		ICEState:        n.iceState,
		ConnectionState: n.connectionState,
		Connected:       n.connected && !n.lost,
		Flags:           n.session.Flags(),
	}
}

func (n *Negotiator) rememberRemote(id string) {
	n.mu.Lock()
	if n.remoteID == "" {
		n.remoteID = id
	}
	n.mu.Unlock()
}

func (n *Negotiator) remote() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.remoteID
}

func (n *Negotiator) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

func (n *Negotiator) fields(extra ...zap.Field) []zap.Field {
	return append([]zap.Field{
		zap.String("sessionId", n.cfg.SessionID),
		zap.String("userId", n.cfg.LocalID),
		zap.Stringer("role", n.cfg.Role),
	}, extra...)
}

func mustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		log.Panic("failed to serialize payload", zap.Error(err))
	}
	return data
}
