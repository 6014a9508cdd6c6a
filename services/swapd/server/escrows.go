package server

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"htlcswap/core/hashlock"
	"htlcswap/native/htlc"
)

type createEscrowRequest struct {
	Role          string        `json:"role"`
	Maker         string        `json:"maker"`
	Resolver      string        `json:"resolver"`
	Token         string        `json:"token"`
	Amount        string        `json:"amount"`
	Hashlock      hashlock.Hash `json:"hashlock"`
	WithdrawAfter int64         `json:"withdrawAfter"`
	CancelAfter   int64         `json:"cancelAfter"`
	Salt          string        `json:"salt,omitempty"`
}

func (req createEscrowRequest) params() (htlc.CreateParams, error) {
	role, err := htlc.ParseRole(req.Role)
	if err != nil {
		return htlc.CreateParams{}, err
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(req.Amount), 10)
	if !ok {
		return htlc.CreateParams{}, fmt.Errorf("%w: %q", htlc.ErrInvalidAmount, req.Amount)
	}
	p := htlc.CreateParams{
		Role:          role,
		Maker:         req.Maker,
		Resolver:      req.Resolver,
		Token:         req.Token,
		Amount:        amount,
		Hashlock:      req.Hashlock,
		WithdrawAfter: req.WithdrawAfter,
		CancelAfter:   req.CancelAfter,
	}
	if salt := strings.TrimPrefix(strings.TrimSpace(req.Salt), "0x"); salt != "" {
		raw, err := hex.DecodeString(salt)
		if err != nil || len(raw) > len(p.Salt) {
			return htlc.CreateParams{}, fmt.Errorf("salt must be at most 32 hex encoded bytes")
		}
		copy(p.Salt[len(p.Salt)-len(raw):], raw)
	}
	return p, nil
}

// handleCreateEscrow lets a maker or resolver of the escrow register it.
func (s *Server) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	var req createEscrowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	params, err := req.params()
	if err != nil {
		if htlc.Kind(err) == "Internal" {
			badRequest(w, err.Error())
			return
		}
		writeError(w, err)
		return
	}
	normalized, err := engine.NormalizeParams(params)
	if err != nil {
		writeError(w, err)
		return
	}
	caller, err := engine.Scheme().Normalize(callerOn(r, engine.Chain()))
	if err != nil || (caller != normalized.Maker && caller != normalized.Resolver) {
		writeError(w, fmt.Errorf("%w: only the maker or resolver may create an escrow", htlc.ErrUnauthorized))
		return
	}
	esc, err := engine.Create(r.Context(), params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, htlc.NewView(esc))
}

func (s *Server) handleListEscrows(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	var filter htlc.Filter
	q := r.URL.Query()
	if v := q.Get("state"); v != "" {
		var state htlc.State
		if err := state.UnmarshalText([]byte(v)); err != nil {
			badRequest(w, err.Error())
			return
		}
		filter.State = &state
	}
	if v := q.Get("role"); v != "" {
		role, err := htlc.ParseRole(v)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		filter.Role = &role
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			badRequest(w, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}
	views, err := engine.List(filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if views == nil {
		views = []htlc.View{}
	}
	writeJSON(w, http.StatusOK, views)
}

func escrowID(w http.ResponseWriter, r *http.Request) (htlc.EscrowID, bool) {
	id, err := htlc.ParseEscrowID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return id, false
	}
	return id, true
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	id, ok := escrowID(w, r)
	if !ok {
		return
	}
	view, err := engine.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	id, ok := escrowID(w, r)
	if !ok {
		return
	}
	esc, err := engine.Deposit(r.Context(), callerOn(r, engine.Chain()), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, htlc.NewView(esc))
}

type claimRequest struct {
	Secret string `json:"secret"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	id, ok := escrowID(w, r)
	if !ok {
		return
	}
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	secret, err := hashlock.ParseSecret(req.Secret)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", htlc.ErrInvalidSecret, err))
		return
	}
	esc, err := engine.Claim(r.Context(), callerOn(r, engine.Chain()), id, secret)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, htlc.NewView(esc))
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	id, ok := escrowID(w, r)
	if !ok {
		return
	}
	esc, err := engine.Refund(r.Context(), callerOn(r, engine.Chain()), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, htlc.NewView(esc))
}

type reconcileRequest struct {
	Confirmed bool   `json:"confirmed"`
	Reference string `json:"reference"`
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	id, ok := escrowID(w, r)
	if !ok {
		return
	}
	var req reconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	esc, err := engine.Reconcile(r.Context(), callerOn(r, engine.Chain()), id, req.Confirmed, req.Reference)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, htlc.NewView(esc))
}
