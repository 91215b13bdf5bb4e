package auction_api_client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mcdev12/gavel/go/internal/auctionerrors"
	"github.com/mcdev12/gavel/go/internal/models"
)

type bidHistoryRequest struct {
	SessionID string `json:"auctionSessionId"`
	UserID    string `json:"userId"`
	BidPrice  int64  `json:"bidPrice"`
	BidTime   string `json:"bidTime"`
}

// CheckDeposit reports whether a user holds a deposit for a session.
func (c *AuctionApiClient) CheckDeposit(ctx context.Context, userID, sessionID string) (bool, error) {
	endpoint := DepositEndpoint + "/check?" + registrationQuery(userID, sessionID)
	var deposited bool
	if _, err := c.do(ctx, http.MethodGet, endpoint, nil, nil, &deposited); err != nil {
		return false, fmt.Errorf("failed to check deposit: %w", err)
	}
	return deposited, nil
}

// CreateBidHistory persists one bid. The bid ID doubles as idempotency key
// so a retried request cannot record the bid twice. A 409, or an envelope
// code other than a validation one, means the server refused the bid.
func (c *AuctionApiClient) CreateBidHistory(ctx context.Context, bid models.BidEvent) (*models.BidEvent, error) {
	req := bidHistoryRequest{
		SessionID: bid.SessionID,
		UserID:    bid.UserID,
		BidPrice:  bid.BidPrice,
		BidTime:   bid.BidTime.UTC().Format(time.RFC3339Nano),
	}
	headers := map[string]string{IdempotencyKeyHeader: bid.ID}

	var created models.BidEvent
	_, err := c.do(ctx, http.MethodPost, AuctionHistoryEndpoint, req, headers, &created)
	if err != nil {
		if apiErr, ok := asAPIError(err, http.StatusConflict); ok {
			return nil, &auctionerrors.ConflictError{
				SessionID: bid.SessionID,
				BidPrice:  bid.BidPrice,
				Message:   apiMessage(apiErr),
			}
		}
		var envErr *EnvelopeError
		if errors.As(err, &envErr) && !isValidationCode(envErr.Code) {
			return nil, &auctionerrors.ConflictError{
				SessionID: bid.SessionID,
				BidPrice:  bid.BidPrice,
				Message:   envErr.Message,
			}
		}
		return nil, fmt.Errorf("failed to create bid history: %w", mapValidation(err))
	}

	if created.ID == "" {
		created = bid
	}
	return &created, nil
}
