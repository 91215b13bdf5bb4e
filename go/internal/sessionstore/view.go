package sessionstore

import (
	"time"

	"github.com/mcdev12/gavel/go/internal/models"
)

// Freshness says how far the view can be trusted.
type Freshness string

const (
	// FreshnessLive means the feed is connected and the view is current.
	FreshnessLive Freshness = "live"
	// FreshnessStale means the view may lag behind, e.g. right after a
	// reconnect and before the re-fetch landed.
	FreshnessStale Freshness = "stale"
	// FreshnessUnknown means the feed is down.
	FreshnessUnknown Freshness = "unknown"
)

// View is the read-only projection handed to presentation code.
type View struct {
	SessionID           string               `json:"session_id"`
	Status              models.SessionStatus `json:"status"`
	HighestBid          int64                `json:"highest_bid"`
	TotalBidder         int64                `json:"total_bidder"`
	TotalAuctionHistory int64                `json:"total_auction_history"`
	Winner              *models.User         `json:"winner,omitempty"`
	StartTime           time.Time            `json:"start_time"`
	EndTime             time.Time            `json:"end_time"`
	Remaining           time.Duration        `json:"remaining_ns"`
	Freshness           Freshness            `json:"freshness"`
	CompletionPending   bool                 `json:"completion_pending"`
	Version             uint64               `json:"version"`
}

func (v View) equal(o View) bool {
	return v.SessionID == o.SessionID &&
		v.Status == o.Status &&
		v.HighestBid == o.HighestBid &&
		v.TotalBidder == o.TotalBidder &&
		v.TotalAuctionHistory == o.TotalAuctionHistory &&
		winnerID(v.Winner) == winnerID(o.Winner) &&
		v.StartTime.Equal(o.StartTime) &&
		v.EndTime.Equal(o.EndTime) &&
		v.Remaining == o.Remaining &&
		v.Freshness == o.Freshness &&
		v.CompletionPending == o.CompletionPending &&
		v.Version == o.Version
}

func winnerID(u *models.User) string {
	if u == nil {
		return ""
	}
	return u.ID
}
