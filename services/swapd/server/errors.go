package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"htlcswap/native/coordinator"
	"htlcswap/native/htlc"
	"htlcswap/native/orders"
)

type errorBody struct {
	Error       string `json:"error"`
	Kind        string `json:"kind"`
	Disposition string `json:"disposition,omitempty"`
}

// errorKind extends htlc.Kind with the coordinator and order kinds.
func errorKind(err error) string {
	switch {
	case errors.Is(err, coordinator.ErrSessionNotFound):
		return "SessionNotFound"
	case errors.Is(err, coordinator.ErrWrongPhase):
		return "WrongPhase"
	case errors.Is(err, coordinator.ErrDepositGraceExpired):
		return "DepositGraceExpired"
	case errors.Is(err, coordinator.ErrSecretUnavailable):
		return "SecretUnavailable"
	case errors.Is(err, coordinator.ErrSessionAbandoned):
		return "SessionAbandoned"
	case errors.Is(err, coordinator.ErrUnknownChain):
		return "UnknownChain"
	case errors.Is(err, coordinator.ErrNoResolver):
		return "NoResolver"
	case errors.Is(err, orders.ErrExpired):
		return "OrderExpired"
	case errors.Is(err, orders.ErrInvalidOrder):
		return "InvalidOrder"
	}
	return htlc.Kind(err)
}

var kindStatus = map[string]int{
	"NotFound":                http.StatusNotFound,
	"SessionNotFound":         http.StatusNotFound,
	"Unauthorized":            http.StatusForbidden,
	"InvalidAmount":           http.StatusBadRequest,
	"InvalidTimelockOrdering": http.StatusBadRequest,
	"InvalidHashlock":         http.StatusBadRequest,
	"InvalidTerms":            http.StatusBadRequest,
	"InvalidID":               http.StatusBadRequest,
	"InvalidOrder":            http.StatusBadRequest,
	"OrderExpired":            http.StatusBadRequest,
	"UnknownChain":            http.StatusBadRequest,
	"InvalidSecret":           http.StatusUnprocessableEntity,
	"WrongState":              http.StatusConflict,
	"AlreadyDeposited":        http.StatusConflict,
	"EscrowExists":            http.StatusConflict,
	"WithdrawalWindowClosed":  http.StatusConflict,
	"NoPendingTransfer":       http.StatusConflict,
	"ReconciliationRequired":  http.StatusConflict,
	"WrongPhase":              http.StatusConflict,
	"DepositGraceExpired":     http.StatusConflict,
	"SessionAbandoned":        http.StatusConflict,
	"SecretUnavailable":       http.StatusConflict,
	"NotYetWithdrawable":      http.StatusTooEarly,
	"TooEarly":                http.StatusTooEarly,
	"TransferFailed":          http.StatusBadGateway,
	"NoResolver":              http.StatusServiceUnavailable,
}

// writeError maps err onto a status code and the JSON error envelope.
func writeError(w http.ResponseWriter, err error) {
	kind := errorKind(err)
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	writeJSONError(w, status, err.Error(), kind, disposition(err, kind))
}

func disposition(err error, kind string) string {
	switch kind {
	case "SecretUnavailable":
		return htlc.DispositionWait.String()
	case "SessionNotFound", "WrongPhase", "DepositGraceExpired", "SessionAbandoned",
		"UnknownChain", "NoResolver", "OrderExpired", "InvalidOrder":
		return htlc.DispositionAbandon.String()
	}
	return htlc.Classify(err).String()
}

func writeJSONError(w http.ResponseWriter, status int, msg, kind, disposition string) {
	writeJSON(w, status, errorBody{Error: msg, Kind: kind, Disposition: disposition})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSONError(w, http.StatusBadRequest, msg, "BadRequest", "abandon")
}
