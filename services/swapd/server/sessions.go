package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"htlcswap/core/hashlock"
	"htlcswap/native/coordinator"
	"htlcswap/native/htlc"
	"htlcswap/native/orders"
)

// timelockRequest carries offsets as Go duration strings ("90m").
type timelockRequest struct {
	SrcWithdraw string `json:"srcWithdraw"`
	SrcCancel   string `json:"srcCancel"`
	DstWithdraw string `json:"dstWithdraw"`
	DstCancel   string `json:"dstCancel"`
	Buffer      string `json:"buffer"`
}

func (t *timelockRequest) timelocks() (*coordinator.Timelocks, error) {
	if t == nil {
		return nil, nil
	}
	var out coordinator.Timelocks
	fields := []struct {
		raw string
		dst *time.Duration
	}{
		{t.SrcWithdraw, &out.SrcWithdraw},
		{t.SrcCancel, &out.SrcCancel},
		{t.DstWithdraw, &out.DstWithdraw},
		{t.DstCancel, &out.DstCancel},
		{t.Buffer, &out.Buffer},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", htlc.ErrInvalidTimelockOrdering, err)
		}
		*f.dst = d
	}
	out = out.WithDefaults()
	return &out, nil
}

type announceRequest struct {
	Order     orders.Order     `json:"order"`
	Hashlock  *hashlock.Hash   `json:"hashlock,omitempty"`
	Timelocks *timelockRequest `json:"timelocks,omitempty"`
}

func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	var req announceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	timelocks, err := req.Timelocks.timelocks()
	if err != nil {
		writeError(w, err)
		return
	}
	announce := coordinator.AnnounceRequest{Order: req.Order, Timelocks: timelocks}
	if req.Hashlock != nil {
		announce.Hashlock = *req.Hashlock
	}
	session, err := s.sessions.Announce(r.Context(), announce)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("swapd: session announced", "session", session.ID, "order", session.OrderHash,
		"caller", callerOn(r, session.Source.Chain))
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	active := false
	if v := r.URL.Query().Get("active"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			badRequest(w, "active must be a boolean")
			return
		}
		active = parsed
	}
	sessions, err := s.sessions.List(r.Context(), active)
	if err != nil {
		writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []*coordinator.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) sessionAction(op func(context.Context, string) (*coordinator.Session, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, err := op(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, session)
	}
}

type secretRequest struct {
	Secret string `json:"secret"`
}

func (s *Server) handleSubmitSecret(w http.ResponseWriter, r *http.Request) {
	var req secretRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	secret, err := hashlock.ParseSecret(req.Secret)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", htlc.ErrInvalidSecret, err))
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.sessions.SubmitSecret(r.Context(), id, secret); err != nil {
		writeError(w, err)
		return
	}
	session, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}
