// Package negotiationtest provides in-memory peer connections and data
// channels for exercising the negotiator without a network.
package negotiationtest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rtcheap/interview-room/internal/datasync"
	"github.com/rtcheap/interview-room/internal/negotiation"
)

// Errors returned by the fakes.
var (
	ErrClosed         = errors.New("negotiationtest: closed")
	ErrNoRemote       = errors.New("negotiationtest: remote description not set")
	ErrInvalidState   = errors.New("negotiationtest: invalid signaling state")
	ErrChannelNotOpen = errors.New("negotiationtest: data channel not open")
	errUnsupportedSDP = errors.New("negotiationtest: unsupported sdp type")
)

var (
	_ negotiation.PeerConnection = (*Peer)(nil)
	_ datasync.DataChannel       = (*DataChannel)(nil)
)

// Peer fake negotiation.PeerConnection modelling the signaling state
// transitions of a real peer connection.
type Peer struct {
	mu             sync.Mutex
	signalingState webrtc.SignalingState
	local          *webrtc.SessionDescription
	remote         *webrtc.SessionDescription
	offers         int
	answers        int
	candidates     []webrtc.ICECandidateInit
	senders        []*Sender
	channels       []*DataChannel
	closed         bool

	onICECandidate func(*webrtc.ICECandidate)
	onICEState     func(webrtc.ICEConnectionState)
	onConnection   func(webrtc.PeerConnectionState)
	onDataChannel  func(datasync.DataChannel)
	onTrack        func(*webrtc.TrackRemote, *webrtc.RTPReceiver)

	// Failure injection.
	FailRemoteDesc   error
	FailCreateOffer  error
	FailCreateAnswer error
}

// NewPeer creates a peer in the stable signaling state.
func NewPeer() *Peer {
	return &Peer{signalingState: webrtc.SignalingStateStable}
}

// CreateOffer returns a numbered offer.
func (p *Peer) CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	if p.FailCreateOffer != nil {
		return webrtc.SessionDescription{}, p.FailCreateOffer
	}
	p.offers++
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fmt.Sprintf("v=0 offer-%d", p.offers),
	}, nil
}

// CreateAnswer returns a numbered answer. Requires a remote offer.
func (p *Peer) CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	if p.FailCreateAnswer != nil {
		return webrtc.SessionDescription{}, p.FailCreateAnswer
	}
	if p.signalingState != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, ErrInvalidState
	}
	p.answers++
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  fmt.Sprintf("v=0 answer-%d", p.answers),
	}, nil
}

// SetLocalDescription applies a local offer or answer.
func (p *Peer) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	switch desc.Type {
	case webrtc.SDPTypeOffer:
		if p.signalingState != webrtc.SignalingStateStable && p.signalingState != webrtc.SignalingStateHaveLocalOffer {
			return ErrInvalidState
		}
		p.signalingState = webrtc.SignalingStateHaveLocalOffer
	case webrtc.SDPTypeAnswer:
		if p.signalingState != webrtc.SignalingStateHaveRemoteOffer {
			return ErrInvalidState
		}
		p.signalingState = webrtc.SignalingStateStable
	default:
		return errUnsupportedSDP
	}

	p.local = &desc
	return nil
}

// SetRemoteDescription applies a remote offer or answer.
func (p *Peer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.FailRemoteDesc != nil {
		return p.FailRemoteDesc
	}

	switch desc.Type {
	case webrtc.SDPTypeOffer:
		if p.signalingState != webrtc.SignalingStateStable {
			return ErrInvalidState
		}
		p.signalingState = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		if p.signalingState != webrtc.SignalingStateHaveLocalOffer {
			return ErrInvalidState
		}
		p.signalingState = webrtc.SignalingStateStable
	default:
		return errUnsupportedSDP
	}

	p.remote = &desc
	return nil
}

// RemoteDescription returns the applied remote description or nil.
func (p *Peer) RemoteDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

// LocalDescription returns the applied local description or nil.
func (p *Peer) LocalDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

// AddICECandidate records c. Fails if no remote description is set.
func (p *Peer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.remote == nil {
		return ErrNoRemote
	}
	p.candidates = append(p.candidates, c)
	return nil
}

// SignalingState returns the current signaling state.
func (p *Peer) SignalingState() webrtc.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signalingState
}

// AddTrack attaches track behind a new Sender.
func (p *Peer) AddTrack(track webrtc.TrackLocal) (negotiation.TrackSender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if p.local != nil {
		return nil, ErrInvalidState
	}
	sender := &Sender{track: track}
	p.senders = append(p.senders, sender)
	return sender, nil
}

// CreateDataChannel creates a connecting data channel.
func (p *Peer) CreateDataChannel(label string, options *webrtc.DataChannelInit) (datasync.DataChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	dc := NewDataChannel(label)
	p.channels = append(p.channels, dc)
	return dc, nil
}

// OnICECandidate registers the local candidate handler.
func (p *Peer) OnICECandidate(f func(*webrtc.ICECandidate)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onICECandidate = f
}

// OnICEConnectionStateChange registers the ICE state handler.
func (p *Peer) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onICEState = f
}

// OnConnectionStateChange registers the aggregate state handler.
func (p *Peer) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onConnection = f
}

// OnDataChannel registers the inbound data channel handler.
func (p *Peer) OnDataChannel(f func(datasync.DataChannel)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onDataChannel = f
}

// OnTrack registers the remote track handler.
func (p *Peer) OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = f
}

// Close closes the peer and reports the closed state. Idempotent.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.signalingState = webrtc.SignalingStateClosed
	onICE := p.onICEState
	onConn := p.onConnection
	p.mu.Unlock()

	if onICE != nil {
		onICE(webrtc.ICEConnectionStateClosed)
	}
	if onConn != nil {
		onConn(webrtc.PeerConnectionStateClosed)
	}
	return nil
}

// SetICEState reports an ICE connection state change.
func (p *Peer) SetICEState(state webrtc.ICEConnectionState) {
	p.mu.Lock()
	f := p.onICEState
	p.mu.Unlock()
	if f != nil {
		f(state)
	}
}

// SetConnectionState reports an aggregate connection state change.
func (p *Peer) SetConnectionState(state webrtc.PeerConnectionState) {
	p.mu.Lock()
	f := p.onConnection
	p.mu.Unlock()
	if f != nil {
		f(state)
	}
}

// EmitCandidate reports a gathered local host candidate on port.
func (p *Peer) EmitCandidate(port uint16) {
	p.mu.Lock()
	f := p.onICECandidate
	p.mu.Unlock()
	if f == nil {
		return
	}
	f(&webrtc.ICECandidate{
		Foundation: "1",
		Priority:   2130706431,
		Address:    "10.0.0.1",
		Protocol:   webrtc.ICEProtocolUDP,
		Port:       port,
		Typ:        webrtc.ICECandidateTypeHost,
		Component:  1,
	})
}

// EmitDataChannel reports an inbound data channel.
func (p *Peer) EmitDataChannel(dc datasync.DataChannel) {
	p.mu.Lock()
	f := p.onDataChannel
	p.mu.Unlock()
	if f != nil {
		f(dc)
	}
}

// Offers number of offers created.
func (p *Peer) Offers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offers
}

// Answers number of answers created.
func (p *Peer) Answers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.answers
}

// Candidates remote candidates added, in order.
func (p *Peer) Candidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.candidates...)
}

// Senders outbound track senders, in attach order.
func (p *Peer) Senders() []*Sender {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Sender(nil), p.senders...)
}

// DataChannels channels created locally.
func (p *Peer) DataChannels() []*DataChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*DataChannel(nil), p.channels...)
}

// Closed returns true once Close has been called.
func (p *Peer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Connect completes the transport between two negotiated peers: every data
// channel created by either side is paired with a channel delivered to the
// other side, both channels open, and both peers report ICE connected.
func Connect(a, b *Peer) {
	link := func(from, to *Peer) {
		for _, local := range from.DataChannels() {
			remote := NewDataChannel(local.Label())
			Pair(local, remote)
			to.EmitDataChannel(remote)
			local.Open()
			remote.Open()
		}
	}
	link(a, b)
	link(b, a)

	a.SetICEState(webrtc.ICEConnectionStateConnected)
	b.SetICEState(webrtc.ICEConnectionStateConnected)
}

// Sender fake outbound track slot.
type Sender struct {
	mu       sync.Mutex
	track    webrtc.TrackLocal
	replaced int
}

// ReplaceTrack swaps the outbound track.
func (s *Sender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = track
	s.replaced++
	return nil
}

// Track returns the current outbound track.
func (s *Sender) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

// Replaced number of ReplaceTrack calls.
func (s *Sender) Replaced() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaced
}

// DataChannel fake data channel. Text sent on an open, paired channel is
// delivered synchronously to its pair.
type DataChannel struct {
	label string

	mu        sync.Mutex
	state     webrtc.DataChannelState
	pair      *DataChannel
	sent      []string
	onOpen    func()
	onClose   func()
	onMessage func(webrtc.DataChannelMessage)
}

// NewDataChannel creates a connecting channel.
func NewDataChannel(label string) *DataChannel {
	return &DataChannel{
		label: label,
		state: webrtc.DataChannelStateConnecting,
	}
}

// Pair links a and b.
func Pair(a, b *DataChannel) {
	a.mu.Lock()
	a.pair = b
	a.mu.Unlock()

	b.mu.Lock()
	b.pair = a
	b.mu.Unlock()
}

// Label returns the channel label.
func (d *DataChannel) Label() string {
	return d.label
}

// ReadyState returns the channel state.
func (d *DataChannel) ReadyState() webrtc.DataChannelState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// SendText records s and delivers it to the paired channel.
func (d *DataChannel) SendText(s string) error {
	d.mu.Lock()
	if d.state != webrtc.DataChannelStateOpen {
		d.mu.Unlock()
		return ErrChannelNotOpen
	}
	d.sent = append(d.sent, s)
	pair := d.pair
	d.mu.Unlock()

	if pair != nil {
		pair.Deliver([]byte(s))
	}
	return nil
}

// OnOpen registers the open handler.
func (d *DataChannel) OnOpen(f func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onOpen = f
}

// OnClose registers the close handler.
func (d *DataChannel) OnClose(f func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onClose = f
}

// OnMessage registers the message handler.
func (d *DataChannel) OnMessage(f func(webrtc.DataChannelMessage)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onMessage = f
}

// Open moves the channel to the open state.
func (d *DataChannel) Open() {
	d.mu.Lock()
	if d.state != webrtc.DataChannelStateConnecting {
		d.mu.Unlock()
		return
	}
	d.state = webrtc.DataChannelStateOpen
	f := d.onOpen
	d.mu.Unlock()

	if f != nil {
		f()
	}
}

// Deliver hands data to the message handler as if received from the remote side.
func (d *DataChannel) Deliver(data []byte) {
	d.mu.Lock()
	f := d.onMessage
	d.mu.Unlock()

	if f != nil {
		f(webrtc.DataChannelMessage{IsString: true, Data: data})
	}
}

// Sent text sent on the channel, in order.
func (d *DataChannel) Sent() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.sent...)
}

// Close closes the channel. Idempotent.
func (d *DataChannel) Close() error {
	d.mu.Lock()
	if d.state == webrtc.DataChannelStateClosed {
		d.mu.Unlock()
		return nil
	}
	d.state = webrtc.DataChannelStateClosed
	f := d.onClose
	d.mu.Unlock()

	if f != nil {
		f()
	}
	return nil
}
