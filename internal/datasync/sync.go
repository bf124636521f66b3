// Package datasync carries the collaborative editor and whiteboard over the
// peer-to-peer data channel. Every message is a full snapshot: the code
// buffer and the whiteboard raster are replaced wholesale on receipt, so
// concurrent edits resolve as last-write-wins.
package datasync

import (
	"encoding/json"
	"fmt"

	"github.com/CzarSimon/httputil/logger"
	"github.com/pion/webrtc/v4"
	"github.com/rtcheap/interview-room/internal/models"
	"go.uber.org/zap"
)

var log = logger.GetDefaultLogger("interview-room/datasync")

// ChannelLabel label of the data channel created by the initiating peer.
const ChannelLabel = "workspace"

// DataChannel the subset of a WebRTC data channel the sync relies on.
// *webrtc.DataChannel satisfies it.
type DataChannel interface {
	Label() string
	ReadyState() webrtc.DataChannelState
	SendText(s string) error
	OnOpen(f func())
	OnClose(f func())
	OnMessage(f func(msg webrtc.DataChannelMessage))
	Close() error
}

// Sync binds a Workspace to a data channel.
type Sync struct {
	dc        DataChannel
	workspace *Workspace
}

// New starts dispatching inbound messages of dc into workspace.
func New(dc DataChannel, workspace *Workspace) *Sync {
	s := &Sync{
		dc:        dc,
		workspace: workspace,
	}
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		s.receive(msg.Data)
	})
	dc.OnClose(func() {
		log.Info("data channel closed", zap.String("label", dc.Label()))
	})
	return s
}

// Workspace returns the workspace kept in sync.
func (s *Sync) Workspace() *Workspace {
	return s.workspace
}

// Open returns true if messages can currently be sent.
func (s *Sync) Open() bool {
	return s.dc.ReadyState() == webrtc.DataChannelStateOpen
}

// Send sends msg to the remote peer. Messages sent while the channel is not
// open are dropped without error.
func (s *Sync) Send(msg models.DataChannelMessage) error {
	if !s.Open() {
		log.Debug("data channel not open, dropping message", zap.Stringer("message", msg))
		return nil
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to serialize data channel message: %w", err)
	}

	err = s.dc.SendText(string(data))
	if err != nil {
		return fmt.Errorf("failed to send %s over data channel: %w", msg.Type, err)
	}

	return nil
}

// SetCode replaces the local code buffer and sends it to the remote peer.
func (s *Sync) SetCode(code, language string) error {
	s.workspace.SetCode(code, language)
	return s.Send(models.DataChannelMessage{
		Type:     models.TypeCodeChange,
		Code:     code,
		Language: language,
	})
}

// SetLanguage switches the editor language locally and remotely.
func (s *Sync) SetLanguage(language string) error {
	s.workspace.SetLanguage(language)
	return s.Send(models.DataChannelMessage{
		Type:     models.TypeLanguageChange,
		Language: language,
	})
}

// Draw replaces the local whiteboard with image and sends it to the remote peer.
// image is the encoded raster of the whole canvas after a completed stroke.
func (s *Sync) Draw(image string) error {
	s.workspace.SetWhiteboard(image)
	return s.Send(models.DataChannelMessage{
		Type:  models.TypeWhiteboardDraw,
		Image: image,
	})
}

// ClearWhiteboard clears the whiteboard locally and remotely.
func (s *Sync) ClearWhiteboard() error {
	s.workspace.ClearWhiteboard()
	return s.Send(models.DataChannelMessage{
		Type: models.TypeWhiteboardClear,
	})
}

// Close closes the underlying data channel.
func (s *Sync) Close() error {
	return s.dc.Close()
}

func (s *Sync) receive(data []byte) {
	var msg models.DataChannelMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warn("failed to parse data channel message", zap.Error(err))
		return
	}

	switch msg.Type {
	case models.TypeCodeChange:
		s.workspace.SetCode(msg.Code, msg.Language)
	case models.TypeLanguageChange:
		s.workspace.SetLanguage(msg.Language)
	case models.TypeWhiteboardDraw:
		s.workspace.SetWhiteboard(msg.Image)
	case models.TypeWhiteboardClear:
		s.workspace.ClearWhiteboard()
	default:
		log.Warn("ignoring unknown data channel message", zap.String("type", msg.Type))
	}
}
