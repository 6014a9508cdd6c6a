package htlc

import (
	"encoding/hex"
	"strconv"

	"htlcswap/core/types"
)

const (
	EventTypeCreated                = "htlc.created"
	EventTypeDeposited              = "htlc.deposited"
	EventTypeWithdrawn              = "htlc.withdrawn"
	EventTypeRefunded               = "htlc.refunded"
	EventTypeReconciliationRequired = "htlc.reconciliation_required"
	EventTypeReconciled             = "htlc.reconciled"
)

type htlcEvent struct {
	evt *types.Event
}

func (e htlcEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e htlcEvent) Event() *types.Event { return e.evt }

// NewCreatedEvent returns the canonical payload for a newly created escrow.
func NewCreatedEvent(e *Escrow, at int64) *types.Event {
	evt := newEscrowEvent(EventTypeCreated, e, at)
	evt.Attributes["withdrawAfter"] = strconv.FormatInt(e.WithdrawAfter, 10)
	evt.Attributes["cancelAfter"] = strconv.FormatInt(e.CancelAfter, 10)
	return evt
}

// NewDepositedEvent is emitted once funds are in escrow custody.
func NewDepositedEvent(e *Escrow, at int64) *types.Event {
	evt := newEscrowEvent(EventTypeDeposited, e, at)
	evt.Attributes["depositor"] = e.Depositor
	evt.Attributes["reference"] = e.DepositRef
	return evt
}

// NewWithdrawnEvent carries the revealed secret. It is the public record other
// legs of the swap observe to learn the preimage.
func NewWithdrawnEvent(e *Escrow, at int64) *types.Event {
	evt := newEscrowEvent(EventTypeWithdrawn, e, at)
	evt.Attributes["recipient"] = e.Recipient()
	evt.Attributes["secret"] = "0x" + hex.EncodeToString(e.RevealedSecret)
	evt.Attributes["reference"] = e.PayoutRef
	return evt
}

// NewRefundedEvent is emitted when funds return to the depositor.
func NewRefundedEvent(e *Escrow, at int64) *types.Event {
	evt := newEscrowEvent(EventTypeRefunded, e, at)
	evt.Attributes["depositor"] = e.Depositor
	evt.Attributes["reference"] = e.PayoutRef
	return evt
}

// NewReconciliationRequiredEvent flags an escrow frozen by an unknown
// transfer outcome.
func NewReconciliationRequiredEvent(e *Escrow, at int64) *types.Event {
	evt := newEscrowEvent(EventTypeReconciliationRequired, e, at)
	if e.Pending != nil {
		evt.Attributes["operation"] = e.Pending.Op.String()
		evt.Attributes["caller"] = e.Pending.Caller
		evt.Attributes["reference"] = e.Pending.Reference
	}
	return evt
}

// NewReconciledEvent records an operator decision on a pending transfer.
func NewReconciledEvent(e *Escrow, op string, confirmed bool, at int64) *types.Event {
	evt := newEscrowEvent(EventTypeReconciled, e, at)
	evt.Attributes["operation"] = op
	evt.Attributes["confirmed"] = strconv.FormatBool(confirmed)
	return evt
}

func newEscrowEvent(eventType string, e *Escrow, at int64) *types.Event {
	evt := types.NewEvent(eventType, at)
	if e == nil {
		return evt
	}
	evt.Attributes["id"] = e.ID.Hex()
	evt.Attributes["chain"] = e.Chain
	evt.Attributes["role"] = e.Role.String()
	evt.Attributes["state"] = e.State.String()
	evt.Attributes["maker"] = e.Maker
	evt.Attributes["resolver"] = e.Resolver
	evt.Attributes["token"] = e.Token
	evt.Attributes["amount"] = amountString(e.Amount)
	evt.Attributes["hashlock"] = e.Hashlock.Hex()
	return evt
}
