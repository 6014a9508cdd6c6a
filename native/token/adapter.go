// Package token defines the transfer capability consumed by the escrow
// engines and the adapters that implement it for each supported ledger.
package token

import (
	"context"
	"errors"
	"math/big"
)

// Outcome is the tri-state result of a transfer attempt.
type Outcome uint8

const (
	// OutcomeFailed means the ledger definitively rejected the transfer.
	OutcomeFailed Outcome = iota
	// OutcomeSuccess means the ledger confirmed the transfer.
	OutcomeSuccess
	// OutcomeUnknown means the transfer may or may not have executed (timeout,
	// lost connection after submission). Callers must reconcile before
	// retrying.
	OutcomeUnknown
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailed:
		return "failed"
	case OutcomeUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

var (
	ErrInsufficientFunds = errors.New("token: insufficient funds")
	ErrInvalidTransfer   = errors.New("token: invalid transfer")
	ErrUnsupportedToken  = errors.New("token: unsupported token")
	ErrOutcomeUnknown    = errors.New("token: transfer outcome unknown")
)

// Transfer describes a movement between a principal and escrow custody.
type Transfer struct {
	Principal string
	Token     string
	Amount    *big.Int
	// Memo is an idempotency key scoped to one escrow operation.
	Memo []byte
}

// Validate performs the structural checks shared by all adapters.
func (t Transfer) Validate() error {
	if t.Principal == "" || t.Token == "" {
		return ErrInvalidTransfer
	}
	if t.Amount == nil || t.Amount.Sign() <= 0 {
		return ErrInvalidTransfer
	}
	return nil
}

// Receipt reports the ledger's answer to a transfer.
type Receipt struct {
	Outcome   Outcome
	Reference string
}

// Succeeded reports whether the ledger confirmed the transfer.
func (r Receipt) Succeeded() bool { return r.Outcome == OutcomeSuccess }

// Adapter moves funds into and out of escrow custody on one ledger. A nil
// error implies OutcomeSuccess; any error is paired with OutcomeFailed or
// OutcomeUnknown.
type Adapter interface {
	TransferIn(ctx context.Context, t Transfer) (Receipt, error)
	TransferOut(ctx context.Context, t Transfer) (Receipt, error)
}

// Forgetter is implemented by adapters that remember the memo of an ambiguous
// transfer and refuse to resubmit it. Forget drops that record once an
// operator has established the transfer never landed, so the next transfer
// carrying memo is submitted again.
type Forgetter interface {
	Forget(memo []byte)
}
