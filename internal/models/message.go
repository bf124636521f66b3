package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Signaling message types.
const (
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
	TypeUserJoined   = "user-joined"
	TypeUserLeft     = "user-left"
)

// SignalingMessage envelope exchanged between the two participants of a session.
// An empty To means the message is a broadcast to the session.
type SignalingMessage struct {
	Type string          `json:"type,omitempty"`
	From string          `json:"from,omitempty"`
	To   string          `json:"to,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// TargetsOther returns true if the message is addressed to someone other than userID.
func (m SignalingMessage) TargetsOther(userID string) bool {
	return m.To != "" && m.To != userID
}

func (m SignalingMessage) String() string {
	return fmt.Sprintf("SignalingMessage(type=%s, from=%s, to=%s)", m.Type, m.From, m.To)
}

// Presence payload of user-joined and user-left messages.
type Presence struct {
	DisplayName string `json:"displayName,omitempty"`
	Role        string `json:"role,omitempty"`
}

// Data channel message types.
const (
	TypeCodeChange      = "code-change"
	TypeLanguageChange  = "language-change"
	TypeWhiteboardDraw  = "whiteboard-draw"
	TypeWhiteboardClear = "whiteboard-clear"
)

// DataChannelMessage application message carried peer-to-peer over the data channel.
// Code carries the full editor buffer and Image the full whiteboard raster.
type DataChannelMessage struct {
	Type     string `json:"type,omitempty"`
	Code     string `json:"code,omitempty"`
	Language string `json:"language,omitempty"`
	Image    string `json:"image,omitempty"`
}

func (m DataChannelMessage) String() string {
	return fmt.Sprintf("DataChannelMessage(type=%s, language=%s, code=%d, image=%d)", m.Type, m.Language, len(m.Code), len(m.Image))
}

// Chat message types.
const (
	ChatTypeText   = "text"
	ChatTypeCode   = "code"
	ChatTypeSystem = "system"
)

// ChatMessage text chat message sent alongside a call.
type ChatMessage struct {
	ID        string    `json:"id,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	SenderID  string    `json:"senderId,omitempty"`
	Content   string    `json:"content,omitempty"`
	Type      string    `json:"type,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

func (m ChatMessage) String() string {
	return fmt.Sprintf("ChatMessage(id=%s, sessionId=%s, senderId=%s, type=%s, createdAt=%v)", m.ID, m.SessionID, m.SenderID, m.Type, m.CreatedAt)
}

// SendChatRequest request body for appending a chat message.
type SendChatRequest struct {
	ID      string `json:"id,omitempty"`
	Content string `json:"content,omitempty"`
	Type    string `json:"type,omitempty"`
}
