package bidchannel

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mcdev12/gavel/go/internal/models"
)

const codeOK = 200

// Update is one decoded feed message.
type Update struct {
	SessionID string
	Info      models.SessionInfo
	// Status is empty when the message did not carry one.
	Status models.SessionStatus
	// Winner is set only when Status is FINISHED.
	Winner *models.User
}

type feedEnvelope struct {
	Code    int         `json:"code"`
	Message string      `json:"message,omitempty"`
	Result  *feedResult `json:"result"`
}

type feedResult struct {
	SessionID string              `json:"sessionId,omitempty"`
	Status    string              `json:"status,omitempty"`
	Info      *models.SessionInfo `json:"auctionSessionInfo"`
}

type triggerPayload struct {
	SessionID string `json:"sessionId"`
}

var errForeignSession = errors.New("message for another session")

// decodeUpdate parses a feed payload for sessionID. Messages without a
// session tag are attributed to the topic's session.
func decodeUpdate(sessionID string, data []byte) (Update, error) {
	var env feedEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Update{}, fmt.Errorf("unmarshal feed envelope: %w", err)
	}
	if env.Code != codeOK {
		return Update{}, fmt.Errorf("feed envelope code %d: %s", env.Code, env.Message)
	}
	if env.Result == nil || env.Result.Info == nil {
		return Update{}, errors.New("feed envelope has no session info")
	}
	if env.Result.SessionID != "" && env.Result.SessionID != sessionID {
		return Update{}, fmt.Errorf("%w: %s", errForeignSession, env.Result.SessionID)
	}

	update := Update{
		SessionID: sessionID,
		Info:      *env.Result.Info,
	}
	if env.Result.Status != "" {
		status, ok := models.ParseSessionStatus(env.Result.Status)
		if !ok {
			return Update{}, fmt.Errorf("unknown session status %q", env.Result.Status)
		}
		update.Status = status
	}
	if update.Status == models.SessionStatusFinished {
		update.Winner = update.Info.User
	}
	return update, nil
}

func encodeTrigger(sessionID string) ([]byte, error) {
	return json.Marshal(triggerPayload{SessionID: sessionID})
}
