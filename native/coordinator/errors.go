package coordinator

import "errors"

var (
	ErrSessionNotFound     = errors.New("coordinator: session not found")
	ErrWrongPhase          = errors.New("coordinator: operation not valid in current phase")
	ErrDepositGraceExpired = errors.New("coordinator: deposit grace period expired")
	ErrSecretUnavailable   = errors.New("coordinator: secret not available")
	ErrSessionAbandoned    = errors.New("coordinator: session abandoned")
	ErrUnknownChain        = errors.New("coordinator: chain not configured")
	ErrNoResolver          = errors.New("coordinator: no resolver identity for chain")
	ErrSecretNotFound      = errors.New("coordinator: secret not in vault")
)
