package admission

import (
	"context"
	"sync"
	"time"

	"github.com/rtcheap/interview-room/internal/models"
	"go.uber.org/zap"
)

// Moderator the host side operations on admission requests.
type Moderator interface {
	ListPending(ctx context.Context, sessionID, hostID string) ([]models.AdmissionRequest, error)
	Approve(ctx context.Context, sessionID, hostID, userID string) error
	Deny(ctx context.Context, sessionID, hostID, userID string) error
}

// HostWatcher keeps the list of pending admission requests of a session.
type HostWatcher struct {
	moderator Moderator
	sessionID string
	hostID    string
	interval  time.Duration
	refresh   chan struct{}

	mu       sync.Mutex
	pending  []models.AdmissionRequest
	onChange func([]models.AdmissionRequest)
}

// NewHostWatcher creates a HostWatcher for the host of sessionID.
func NewHostWatcher(moderator Moderator, sessionID, hostID string, opts ...Option) *HostWatcher {
	o := applyOptions(opts)
	return &HostWatcher{
		moderator: moderator,
		sessionID: sessionID,
		hostID:    hostID,
		interval:  o.interval,
		refresh:   make(chan struct{}, 1),
	}
}

// OnChange registers a callback invoked with a copy of the pending list
// whenever it changes.
func (h *HostWatcher) OnChange(fn func([]models.AdmissionRequest)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onChange = fn
}

// Pending returns the current pending requests, oldest first.
func (h *HostWatcher) Pending() []models.AdmissionRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]models.AdmissionRequest(nil), h.pending...)
}

// Run polls the pending list until ctx is done.
func (h *HostWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		h.fetch(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-h.refresh:
		}
	}
}

// Approve admits userID. The request leaves the local list before the call
// is made; the list is re-fetched afterwards either way.
func (h *HostWatcher) Approve(ctx context.Context, userID string) error {
	h.remove(userID)
	defer h.requestRefresh()
	return h.moderator.Approve(ctx, h.sessionID, h.hostID, userID)
}

// Deny rejects userID. The request leaves the local list before the call
// is made; the list is re-fetched afterwards either way.
func (h *HostWatcher) Deny(ctx context.Context, userID string) error {
	h.remove(userID)
	defer h.requestRefresh()
	return h.moderator.Deny(ctx, h.sessionID, h.hostID, userID)
}

func (h *HostWatcher) fetch(ctx context.Context) {
	requests, err := h.moderator.ListPending(ctx, h.sessionID, h.hostID)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("failed to list pending admissions", zap.String("sessionId", h.sessionID), zap.Error(err))
		}
		return
	}
	h.set(requests)
}

func (h *HostWatcher) set(requests []models.AdmissionRequest) {
	h.mu.Lock()
	if samePending(h.pending, requests) {
		h.mu.Unlock()
		return
	}
	h.pending = append([]models.AdmissionRequest(nil), requests...)
	h.notifyLocked()
}

func (h *HostWatcher) remove(userID string) {
	h.mu.Lock()
	kept := make([]models.AdmissionRequest, 0, len(h.pending))
	for _, r := range h.pending {
		if r.UserID != userID {
			kept = append(kept, r)
		}
	}
	if len(kept) == len(h.pending) {
		h.mu.Unlock()
		return
	}
	h.pending = kept
	h.notifyLocked()
}

// notifyLocked releases h.mu before invoking the change callback.
func (h *HostWatcher) notifyLocked() {
	snapshot := append([]models.AdmissionRequest(nil), h.pending...)
	fn := h.onChange
	h.mu.Unlock()

	if fn != nil {
		fn(snapshot)
	}
}

func (h *HostWatcher) requestRefresh() {
	select {
	case h.refresh <- struct{}{}:
	default:
	}
}

func samePending(a, b []models.AdmissionRequest) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].UserID != b[i].UserID || a[i].Status != b[i].Status {
			return false
		}
	}
	return true
}
