package models

import (
	"strings"
	"time"
)

// SessionStatus defines the lifecycle status of an auction session.
type SessionStatus string

const (
	SessionStatusPending  SessionStatus = "PENDING"
	SessionStatusOngoing  SessionStatus = "ONGOING"
	SessionStatusFinished SessionStatus = "FINISHED"
)

// ParseSessionStatus maps a wire value to a SessionStatus. The server
// reports sessions that have not started yet as UPCOMING.
func ParseSessionStatus(s string) (SessionStatus, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PENDING", "UPCOMING":
		return SessionStatusPending, true
	case "ONGOING":
		return SessionStatusOngoing, true
	case "FINISHED":
		return SessionStatusFinished, true
	default:
		return "", false
	}
}

// Rank orders statuses along the only allowed direction of travel.
func (s SessionStatus) Rank() int {
	switch s {
	case SessionStatusPending:
		return 0
	case SessionStatusOngoing:
		return 1
	case SessionStatusFinished:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is one of the known session statuses.
func (s SessionStatus) Valid() bool {
	return s.Rank() >= 0
}

// User is a reference to a marketplace user, e.g. a session winner.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
}

// SessionInfo holds the live aggregates of a session.
type SessionInfo struct {
	HighestBid          int64 `json:"highestBid"`
	TotalBidder         int64 `json:"totalBidder"`
	TotalAuctionHistory int64 `json:"totalAuctionHistory"`
	User                *User `json:"user,omitempty"`
}

// AssetSummary is the part of an asset the session view carries along.
type AssetSummary struct {
	ID        string `json:"assetId,omitempty"`
	Name      string `json:"assetName,omitempty"`
	MainImage string `json:"mainImage,omitempty"`
	Vendor    *User  `json:"vendor,omitempty"`
}

// AuctionSession represents one timed auction for a single asset.
type AuctionSession struct {
	ID            string        `json:"id"`
	Name          string        `json:"name,omitempty"`
	Description   string        `json:"description,omitempty"`
	Status        SessionStatus `json:"status"`
	StartTime     time.Time     `json:"startTime"`
	EndTime       time.Time     `json:"endTime"`
	StartingBids  int64         `json:"startingBids"`
	DepositAmount int64         `json:"depositAmount"`
	Info          SessionInfo   `json:"auctionSessionInfo"`
	Asset         *AssetSummary `json:"asset,omitempty"`
	Winner        *User         `json:"winner,omitempty"`
}

// HighestBid returns the leading price, falling back to the starting bid
// when no bid has been accepted yet.
func (s AuctionSession) HighestBid() int64 {
	if s.Info.HighestBid < s.StartingBids {
		return s.StartingBids
	}
	return s.Info.HighestBid
}

// BidEvent is one accepted bid. Bid events are append-only.
type BidEvent struct {
	ID        string    `json:"id"`
	SessionID string    `json:"auctionSessionId"`
	UserID    string    `json:"userId"`
	BidPrice  int64     `json:"bidPrice"`
	BidTime   time.Time `json:"bidTime"`
}

// Registration records whether a user signed up for a session.
type Registration struct {
	UserID     string `json:"userId"`
	SessionID  string `json:"auctionSessionId"`
	Registered bool   `json:"registered"`
}

// Deposit records whether a user holds a deposit for a session.
type Deposit struct {
	UserID    string `json:"userId"`
	SessionID string `json:"auctionSessionId"`
	Deposited bool   `json:"deposited"`
}

// SessionFilter narrows a session listing.
type SessionFilter struct {
	Status SessionStatus
	UserID string
	Page   int
	Size   int
}
