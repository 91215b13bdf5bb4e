package auction_api_client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mcdev12/gavel/go/internal/models"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// SessionDTO is a session as the server sends it. Timestamps may come
// without a zone, so they are parsed by hand.
type SessionDTO struct {
	ID            string             `json:"id"`
	Name          string             `json:"name"`
	Description   string             `json:"description"`
	Status        string             `json:"status"`
	StartTime     string             `json:"startTime"`
	EndTime       string             `json:"endTime"`
	StartingBids  json.Number        `json:"startingBids"`
	DepositAmount json.Number        `json:"depositAmount"`
	Info          models.SessionInfo `json:"auctionSessionInfo"`
	Asset         *AssetDTO          `json:"asset,omitempty"`
}

type AssetDTO struct {
	AssetID   string       `json:"assetId"`
	AssetName string       `json:"assetName"`
	MainImage string       `json:"mainImage"`
	Vendor    *models.User `json:"vendor,omitempty"`
}

// ToModel converts the wire representation into an AuctionSession.
func (d SessionDTO) ToModel(loc *time.Location) (models.AuctionSession, error) {
	status, ok := models.ParseSessionStatus(d.Status)
	if !ok {
		return models.AuctionSession{}, fmt.Errorf("unknown session status %q", d.Status)
	}

	start, err := parseTime(d.StartTime, loc)
	if err != nil {
		return models.AuctionSession{}, fmt.Errorf("parse startTime: %w", err)
	}
	end, err := parseTime(d.EndTime, loc)
	if err != nil {
		return models.AuctionSession{}, fmt.Errorf("parse endTime: %w", err)
	}

	session := models.AuctionSession{
		ID:            d.ID,
		Name:          d.Name,
		Description:   d.Description,
		Status:        status,
		StartTime:     start,
		EndTime:       end,
		StartingBids:  numberToInt64(d.StartingBids),
		DepositAmount: numberToInt64(d.DepositAmount),
		Info:          d.Info,
	}
	if d.Asset != nil {
		session.Asset = &models.AssetSummary{
			ID:        d.Asset.AssetID,
			Name:      d.Asset.AssetName,
			MainImage: d.Asset.MainImage,
			Vendor:    d.Asset.Vendor,
		}
	}
	if status == models.SessionStatusFinished {
		session.Winner = d.Info.User
	}
	return session, nil
}

// GetSession fetches one session together with the server's clock reading
// from the Date header (zero when absent).
func (c *AuctionApiClient) GetSession(ctx context.Context, sessionID string) (*models.AuctionSession, time.Time, error) {
	var dto SessionDTO
	resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("%s/%s", SessionEndpoint, url.PathEscape(sessionID)), nil, nil, &dto)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to get session %s: %w", sessionID, err)
	}

	session, err := dto.ToModel(c.location)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to decode session %s: %w", sessionID, err)
	}
	return &session, serverTime(resp), nil
}

// ListSessions fetches sessions matching the filter.
func (c *AuctionApiClient) ListSessions(ctx context.Context, filter models.SessionFilter) ([]models.AuctionSession, error) {
	query := url.Values{}
	if filter.Status != "" {
		query.Set("status", string(filter.Status))
	}
	if filter.UserID != "" {
		query.Set("userId", filter.UserID)
	}
	if filter.Page > 0 {
		query.Set("page", strconv.Itoa(filter.Page))
	}
	if filter.Size > 0 {
		query.Set("size", strconv.Itoa(filter.Size))
	}

	endpoint := SessionEndpoint
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	var dtos []SessionDTO
	if _, err := c.do(ctx, http.MethodGet, endpoint, nil, nil, &dtos); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	sessions := make([]models.AuctionSession, 0, len(dtos))
	for _, dto := range dtos {
		session, err := dto.ToModel(c.location)
		if err != nil {
			return nil, fmt.Errorf("failed to decode session %s: %w", dto.ID, err)
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

func parseTime(s string, loc *time.Location) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

func numberToInt64(n json.Number) int64 {
	if n == "" {
		return 0
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	f, err := n.Float64()
	if err != nil {
		return 0
	}
	return int64(f)
}
