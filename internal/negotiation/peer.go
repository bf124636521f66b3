package negotiation

import (
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rtcheap/interview-room/internal/datasync"
	"github.com/rtcheap/interview-room/internal/models"
)

// ICE timeouts of pion peer connections.
const (
	iceDisconnectedTimeout = 10 * time.Second
	iceFailedTimeout       = 30 * time.Second
	iceKeepAliveInterval   = 2 * time.Second
)

// DefaultICEServers used when a session has no assigned relay.
var DefaultICEServers = []models.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
}

// TrackSender outbound track slot of a peer connection.
type TrackSender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
	Track() webrtc.TrackLocal
}

// PeerConnection the operations the negotiator performs on a WebRTC peer connection.
type PeerConnection interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState
	AddTrack(track webrtc.TrackLocal) (TrackSender, error)
	CreateDataChannel(label string, options *webrtc.DataChannelInit) (datasync.DataChannel, error)
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnICEConnectionStateChange(f func(webrtc.ICEConnectionState))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnDataChannel(f func(datasync.DataChannel))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	Close() error
}

// NewPionPeer creates a pion backed PeerConnection using iceServers.
func NewPionPeer(iceServers []models.ICEServer) (PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(iceDisconnectedTimeout, iceFailedTimeout, iceKeepAliveInterval)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: toPionICEServers(iceServers),
	})
	if err != nil {
		return nil, err
	}

	return &pionPeer{PeerConnection: pc}, nil
}

type pionPeer struct {
	*webrtc.PeerConnection
}

func (p *pionPeer) AddTrack(track webrtc.TrackLocal) (TrackSender, error) {
	sender, err := p.PeerConnection.AddTrack(track)
	if err != nil {
		return nil, err
	}
	return sender, nil
}

func (p *pionPeer) CreateDataChannel(label string, options *webrtc.DataChannelInit) (datasync.DataChannel, error) {
	dc, err := p.PeerConnection.CreateDataChannel(label, options)
	if err != nil {
		return nil, err
	}
	return dc, nil
}

func (p *pionPeer) OnDataChannel(f func(datasync.DataChannel)) {
	p.PeerConnection.OnDataChannel(func(dc *webrtc.DataChannel) {
		f(dc)
	})
}

func toPionICEServers(servers []models.ICEServer) []webrtc.ICEServer {
	if len(servers) == 0 {
		servers = DefaultICEServers
	}

	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		out = append(out, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}
