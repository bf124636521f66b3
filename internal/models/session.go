package models

import (
	"fmt"
	"time"
)

// Session statuses.
const (
	StatusCreated   = "CREATED"
	StatusHostReady = "HOST_READY"
	StatusActive    = "ACTIVE"
	StatusEnded     = "ENDED"
)

// Participant roles.
const (
	RoleHost        = "HOST"
	RoleParticipant = "PARTICIPANT"
)

// Session represents a mock interview room owned by a host.
type Session struct {
	ID           string        `json:"id,omitempty"`
	HostID       string        `json:"hostId,omitempty"`
	Status       string        `json:"status,omitempty"`
	HostReady    bool          `json:"hostReady"`
	RelayServer  string        `json:"relayServer,omitempty"`
	CreatedAt    time.Time     `json:"createdAt,omitempty"`
	UpdatedAt    time.Time     `json:"updatedAt,omitempty"`
	Participants []Participant `json:"participants,omitempty"`
}

// Ended returns true if the session has been ended by its host.
func (s Session) Ended() bool {
	return s.Status == StatusEnded
}

func (s Session) String() string {
	return fmt.Sprintf(
		"Session(id=%s, hostId=%s, status=%s, hostReady=%t, relayServer=%s, createdAt=%v, updatedAt=%v, participants=%d)",
		s.ID,
		s.HostID,
		s.Status,
		s.HostReady,
		s.RelayServer,
		s.CreatedAt,
		s.UpdatedAt,
		len(s.Participants),
	)
}

// Participant attendance record of a user in a session.
type Participant struct {
	ID          string    `json:"id,omitempty"`
	UserID      string    `json:"userId,omitempty"`
	SessionID   string    `json:"sessionId,omitempty"`
	DisplayName string    `json:"displayName,omitempty"`
	Role        string    `json:"role,omitempty"`
	AvatarURL   string    `json:"avatarUrl,omitempty"`
	CreatedAt   time.Time `json:"createdAt,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt,omitempty"`
}

// IsHost returns true if the participant owns the session.
func (p Participant) IsHost() bool {
	return p.Role == RoleHost
}

func (p Participant) String() string {
	return fmt.Sprintf(
		"Participant(id=%s, userId=%s, sessionId=%s, role=%s, createdAt=%v, updatedAt=%v)",
		p.ID,
		p.UserID,
		p.SessionID,
		p.Role,
		p.CreatedAt,
		p.UpdatedAt,
	)
}

// User identity of a caller as seen by the session services.
type User struct {
	ID          string `json:"id,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// SessionInfo session metadata together with the ICE servers a peer should use.
type SessionInfo struct {
	Session    Session     `json:"session"`
	ICEServers []ICEServer `json:"iceServers,omitempty"`
}

// ICEServer STUN or TURN server a peer connection may gather candidates from.
type ICEServer struct {
	URLs       []string `json:"urls,omitempty"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// CreateSessionRequest request body for creating (or reopening) a session.
type CreateSessionRequest struct {
	ID          string `json:"id,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

// AttendanceRequest request body for recording attendance.
type AttendanceRequest struct {
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}
