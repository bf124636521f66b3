package negotiation

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// NegotiationSession latches and candidate queue of one negotiation attempt.
// A fresh session is created for every call attempt.
type NegotiationSession struct {
	mu                sync.Mutex
	offerSent         bool
	answerSent        bool
	offerReceived     bool
	remoteSet         bool
	pendingCandidates []webrtc.ICECandidateInit
}

// NewNegotiationSession creates a session with every latch open.
func NewNegotiationSession() *NegotiationSession {
	return &NegotiationSession{}
}

// claimOffer returns true exactly once per session.
func (s *NegotiationSession) claimOffer() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offerSent {
		return false
	}
	s.offerSent = true
	return true
}

// claimAnswer returns true exactly once per session.
func (s *NegotiationSession) claimAnswer() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.answerSent {
		return false
	}
	s.answerSent = true
	return true
}

// claimRemoteOffer returns true for the first remote offer only.
func (s *NegotiationSession) claimRemoteOffer() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offerReceived {
		return false
	}
	s.offerReceived = true
	return true
}

// enqueueCandidate queues c if the remote description is not yet applied.
// Returns false if c should be added to the peer connection right away.
func (s *NegotiationSession) enqueueCandidate(c webrtc.ICECandidateInit) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remoteSet {
		return false
	}
	s.pendingCandidates = append(s.pendingCandidates, c)
	return true
}

// remoteDescriptionApplied marks the remote description as set and hands out
// the queued candidates in arrival order. Only the first call returns them.
func (s *NegotiationSession) remoteDescriptionApplied() []webrtc.ICECandidateInit {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remoteSet {
		return nil
	}
	s.remoteSet = true
	queued := s.pendingCandidates
	s.pendingCandidates = nil
	return queued
}

// Reset returns the session to its initial state.
func (s *NegotiationSession) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offerSent = false
	s.answerSent = false
	s.offerReceived = false
	s.remoteSet = false
	s.pendingCandidates = nil
}

// Flags point in time copy of the session latches.
type Flags struct {
	OfferSent            bool
	AnswerSent           bool
	OfferReceived        bool
	RemoteDescriptionSet bool
	PendingCandidates    int
}

// Flags returns the current latches.
func (s *NegotiationSession) Flags() Flags {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Flags{
		OfferSent:            s.offerSent,
		AnswerSent:           s.answerSent,
		OfferReceived:        s.offerReceived,
		RemoteDescriptionSet: s.remoteSet,
		PendingCandidates:    len(s.pendingCandidates),
	}
}
