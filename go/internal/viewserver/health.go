package viewserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mcdev12/gavel/go/internal/models"
	"github.com/mcdev12/gavel/go/internal/sessionstore"
)

// PendingCounter reports bids whose broadcast has not gone out yet.
type PendingCounter interface {
	PendingCount(ctx context.Context, sessionID string) (int, error)
}

type SessionHealth struct {
	SessionID         string                 `json:"session_id"`
	Status            models.SessionStatus   `json:"status"`
	Freshness         sessionstore.Freshness `json:"freshness"`
	PendingBroadcasts int                    `json:"pending_broadcasts"`
}

type HealthStatus struct {
	Healthy  bool            `json:"healthy"`
	Sessions []SessionHealth `json:"sessions"`
	Errors   []string        `json:"errors"`
}

// Check reports unhealthy when a live session has lost its feed. Pending
// broadcasts are listed as errors but do not fail the check.
func (s *Server) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Healthy:  true,
		Sessions: []SessionHealth{},
		Errors:   []string{},
	}

	for _, sess := range s.sessions.Sessions() {
		view := sess.View()
		h := SessionHealth{
			SessionID: sess.SessionID(),
			Status:    view.Status,
			Freshness: view.Freshness,
		}

		if view.Status == models.SessionStatusOngoing && view.Freshness == sessionstore.FreshnessUnknown {
			status.Healthy = false
			status.Errors = append(status.Errors, fmt.Sprintf("session %s: feed disconnected", h.SessionID))
		}

		if s.pending != nil {
			n, err := s.pending.PendingCount(ctx, h.SessionID)
			if err != nil {
				status.Errors = append(status.Errors, fmt.Sprintf("session %s: failed to count pending broadcasts: %v", h.SessionID, err))
			} else {
				h.PendingBroadcasts = n
				if n > 0 {
					status.Errors = append(status.Errors, fmt.Sprintf("session %s: %d pending broadcasts", h.SessionID, n))
				}
			}
		}

		status.Sessions = append(status.Sessions, h)
	}

	return status
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := s.Check(ctx)
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}
