package viewserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/gavel/go/internal/auctionerrors"
	"github.com/mcdev12/gavel/go/internal/sessionstore"
)

type placeBidRequest struct {
	BidPrice int64 `json:"bidPrice"`
}

type errorResponse struct {
	Error          string `json:"error"`
	CurrentHighest int64  `json:"current_highest,omitempty"`
}

type depositResponse struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Deposited bool   `json:"deposited"`
}

type registrationResponse struct {
	SessionID  string `json:"session_id"`
	UserID     string `json:"user_id"`
	Registered bool   `json:"registered"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.sessions.Sessions()
	views := make([]sessionstore.View, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, sess.View())
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetView(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.View())
}

func (s *Server) handlePlaceBid(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	var req placeBidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	bid, err := sess.PlaceBid(r.Context(), req.BidPrice)
	if err != nil {
		log.Warn().
			Err(err).
			Str("session_id", sess.SessionID()).
			Int64("bid_price", req.BidPrice).
			Msg("bid rejected")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, bid)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	deposited, err := sess.CheckDeposit(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, depositResponse{
		SessionID: sess.SessionID(),
		UserID:    s.config.UserID,
		Deposited: deposited,
	})
}

func (s *Server) handleRegistrationStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	registered, err := s.registration.IsRegistered(r.Context(), s.config.UserID, sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, registrationResponse{
		SessionID:  sessionID,
		UserID:     s.config.UserID,
		Registered: registered,
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	reg, err := s.registration.Register(r.Context(), s.config.UserID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, registrationResponse{
		SessionID:  reg.SessionID,
		UserID:     reg.UserID,
		Registered: reg.Registered,
	})
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	reg, err := s.registration.Unregister(r.Context(), s.config.UserID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, registrationResponse{
		SessionID:  reg.SessionID,
		UserID:     reg.UserID,
		Registered: reg.Registered,
	})
}

func (s *Server) handleRegistrants(w http.ResponseWriter, r *http.Request) {
	users, err := s.registration.RegisteredUsers(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (Session, bool) {
	sess, ok := s.sessions.Session(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "session not followed"})
		return nil, false
	}
	return sess, true
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, auctionerrors.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, auctionerrors.ErrDepositRequired):
		return http.StatusPaymentRequired
	case errors.Is(err, auctionerrors.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, auctionerrors.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, auctionerrors.ErrNetwork):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: err.Error()}

	var verr *auctionerrors.ValidationError
	if errors.As(err, &verr) {
		resp.CurrentHighest = verr.CurrentHighest
	}
	var cerr *auctionerrors.ConflictError
	if errors.As(err, &cerr) {
		resp.Error = "bid too low, refresh"
		if cerr.Message != "" {
			resp.Error = cerr.Message
		}
	}

	writeJSON(w, statusFor(err), resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("failed to write response")
	}
}
