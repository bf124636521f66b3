package models

import (
	"fmt"
	"time"
)

// Admission statuses.
const (
	AdmissionNone     = "NONE"
	AdmissionPending  = "PENDING"
	AdmissionApproved = "APPROVED"
	AdmissionDenied   = "DENIED"
)

// AdmissionRequest request by a non-host user to join a session.
type AdmissionRequest struct {
	SessionID   string    `json:"sessionId,omitempty"`
	UserID      string    `json:"userId,omitempty"`
	DisplayName string    `json:"displayName,omitempty"`
	AvatarURL   string    `json:"avatarUrl,omitempty"`
	Status      string    `json:"status,omitempty"`
	CreatedAt   time.Time `json:"createdAt,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt,omitempty"`
}

func (a AdmissionRequest) String() string {
	return fmt.Sprintf(
		"AdmissionRequest(sessionId=%s, userId=%s, status=%s, createdAt=%v, updatedAt=%v)",
		a.SessionID,
		a.UserID,
		a.Status,
		a.CreatedAt,
		a.UpdatedAt,
	)
}

// JoinStatus admission state of a user as observed by the joining side.
type JoinStatus struct {
	Status    string `json:"status,omitempty"`
	HostReady bool   `json:"hostReady"`
}

// Admitted returns true once the host has approved the request and is ready to answer.
func (s JoinStatus) Admitted() bool {
	return s.Status == AdmissionApproved && s.HostReady
}

// JoinRequest request body for asking to join a session.
type JoinRequest struct {
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}
