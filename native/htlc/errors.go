package htlc

import "errors"

// Operation-level error kinds. Every rejected operation wraps exactly one of
// these so callers can decide whether to retry, wait or give up.
var (
	ErrInvalidTimelockOrdering = errors.New("htlc: cancel deadline must be after withdraw deadline")
	ErrInvalidAmount           = errors.New("htlc: invalid amount")
	ErrUnauthorized            = errors.New("htlc: unauthorized")
	ErrWrongState              = errors.New("htlc: wrong state")
	ErrAlreadyDeposited        = errors.New("htlc: already deposited")
	ErrInvalidSecret           = errors.New("htlc: invalid secret")
	ErrNotYetWithdrawable      = errors.New("htlc: withdrawal window not open")
	ErrWithdrawalWindowClosed  = errors.New("htlc: withdrawal window closed")
	ErrTooEarly                = errors.New("htlc: cancel deadline not reached")
	ErrTransferFailed          = errors.New("htlc: transfer failed")

	ErrNotFound               = errors.New("htlc: escrow not found")
	ErrInvalidID              = errors.New("htlc: malformed escrow id")
	ErrEscrowExists           = errors.New("htlc: escrow already exists")
	ErrInvalidHashlock        = errors.New("htlc: hashlock required")
	ErrInvalidTerms           = errors.New("htlc: invalid escrow terms")
	ErrReconciliationRequired = errors.New("htlc: transfer outcome unknown, reconciliation required")
	ErrNoPendingTransfer      = errors.New("htlc: no pending transfer to reconcile")

	errNilState   = errors.New("htlc: state not configured")
	errNilAdapter = errors.New("htlc: transfer adapter not configured")
)

// Disposition tells a caller what to do after a failed operation.
type Disposition uint8

const (
	// DispositionNone is returned for a nil error.
	DispositionNone Disposition = iota
	// DispositionRetry: the ledger rejected the transfer, the call may be
	// repeated.
	DispositionRetry
	// DispositionWait: a deadline has not been reached yet.
	DispositionWait
	// DispositionAbandon: repeating the call cannot succeed.
	DispositionAbandon
	// DispositionReconcile: an operator must resolve an unknown transfer.
	DispositionReconcile
)

func (d Disposition) String() string {
	switch d {
	case DispositionNone:
		return "none"
	case DispositionRetry:
		return "retry"
	case DispositionWait:
		return "wait"
	case DispositionAbandon:
		return "abandon"
	case DispositionReconcile:
		return "reconcile"
	default:
		return "unknown"
	}
}

// Classify maps err onto a Disposition. Errors outside the escrow kinds are
// treated as retryable infrastructure failures.
func Classify(err error) Disposition {
	switch {
	case err == nil:
		return DispositionNone
	case errors.Is(err, ErrReconciliationRequired):
		return DispositionReconcile
	case errors.Is(err, ErrTransferFailed):
		return DispositionRetry
	case errors.Is(err, ErrNotYetWithdrawable), errors.Is(err, ErrTooEarly):
		return DispositionWait
	case errors.Is(err, ErrInvalidSecret), errors.Is(err, ErrWrongState),
		errors.Is(err, ErrAlreadyDeposited), errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrWithdrawalWindowClosed), errors.Is(err, ErrInvalidTimelockOrdering),
		errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidHashlock),
		errors.Is(err, ErrInvalidTerms), errors.Is(err, ErrEscrowExists),
		errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidID),
		errors.Is(err, ErrNoPendingTransfer):
		return DispositionAbandon
	default:
		return DispositionRetry
	}
}

// Kind returns a stable short name for the error kind wrapped by err, suitable
// for API responses and metric labels.
func Kind(err error) string {
	kinds := []struct {
		err  error
		name string
	}{
		{ErrReconciliationRequired, "ReconciliationRequired"},
		{ErrInvalidTimelockOrdering, "InvalidTimelockOrdering"},
		{ErrInvalidAmount, "InvalidAmount"},
		{ErrUnauthorized, "Unauthorized"},
		{ErrWrongState, "WrongState"},
		{ErrAlreadyDeposited, "AlreadyDeposited"},
		{ErrInvalidSecret, "InvalidSecret"},
		{ErrNotYetWithdrawable, "NotYetWithdrawable"},
		{ErrWithdrawalWindowClosed, "WithdrawalWindowClosed"},
		{ErrTooEarly, "TooEarly"},
		{ErrTransferFailed, "TransferFailed"},
		{ErrNotFound, "NotFound"},
		{ErrInvalidID, "InvalidID"},
		{ErrEscrowExists, "EscrowExists"},
		{ErrInvalidHashlock, "InvalidHashlock"},
		{ErrInvalidTerms, "InvalidTerms"},
		{ErrNoPendingTransfer, "NoPendingTransfer"},
	}
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Internal"
}
