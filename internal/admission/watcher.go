// Package admission polls the admission state of a session: the joining side
// waits until it is approved and the host is ready, the host side keeps a
// list of every pending request.
package admission

import (
	"context"
	"errors"
	"time"

	"github.com/CzarSimon/httputil/logger"
	"github.com/rtcheap/interview-room/internal/models"
	"go.uber.org/zap"
)

var log = logger.GetDefaultLogger("interview-room/admission")

// DefaultPollInterval interval between admission status polls.
const DefaultPollInterval = 3 * time.Second

// ErrDenied returned by Watch when the host denies the request.
var ErrDenied = errors.New("admission: request denied")

// StatusSource provides the join status of a user.
type StatusSource interface {
	JoinStatus(ctx context.Context, sessionID, userID string) (models.JoinStatus, error)
}

// Option configures a watcher.
type Option func(*options)

type options struct {
	interval time.Duration
}

// WithInterval sets the poll interval.
func WithInterval(d time.Duration) Option {
	return func(o *options) {
		o.interval = d
	}
}

func applyOptions(opts []Option) options {
	o := options{interval: DefaultPollInterval}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Watcher polls the join status of a user waiting to be admitted.
type Watcher struct {
	source    StatusSource
	sessionID string
	userID    string
	interval  time.Duration
	onStatus  func(models.JoinStatus)
}

// NewWatcher creates a Watcher for userID in sessionID.
func NewWatcher(source StatusSource, sessionID, userID string, opts ...Option) *Watcher {
	o := applyOptions(opts)
	return &Watcher{
		source:    source,
		sessionID: sessionID,
		userID:    userID,
		interval:  o.interval,
	}
}

// OnStatus registers a callback invoked with every polled status.
func (w *Watcher) OnStatus(fn func(models.JoinStatus)) {
	w.onStatus = fn
}

// Watch polls until the user is admitted, denied or ctx is done. It returns
// nil once the request is approved and the host is ready, and ErrDenied if
// the request is denied or disappears after having been pending. Failed polls
// are logged and retried on the next tick.
func (w *Watcher) Watch(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	seenPending := false
	for {
		status, err := w.source.JoinStatus(ctx, w.sessionID, w.userID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("failed to poll join status",
				zap.String("sessionId", w.sessionID),
				zap.String("userId", w.userID),
				zap.Error(err),
			)
		} else {
			if w.onStatus != nil {
				w.onStatus(status)
			}

			switch {
			case status.Admitted():
				log.Info("admitted to session", zap.String("sessionId", w.sessionID), zap.String("userId", w.userID))
				return nil
			case status.Status == models.AdmissionDenied:
				return ErrDenied
			case status.Status == models.AdmissionNone && seenPending:
				return ErrDenied
			case status.Status == models.AdmissionPending:
				seenPending = true
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
