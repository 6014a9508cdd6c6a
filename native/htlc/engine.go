package htlc

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"htlcswap/core/events"
	"htlcswap/core/hashlock"
	"htlcswap/core/principal"
	"htlcswap/core/types"
	"htlcswap/native/policy"
	"htlcswap/native/token"
	"htlcswap/observability"
)

// Engine is the escrow state machine of one chain. Mutating operations on an
// escrow run inside a per-escrow critical section that covers the whole
// verify, transfer and commit sequence; reads go straight to the state
// backend.
type Engine struct {
	chain   string
	state   Backend
	adapter token.Adapter
	policy  *policy.Policy
	scheme  principal.Scheme
	codec   hashlock.Codec
	emitter events.Emitter
	logger  *slog.Logger
	nowFn   func() int64
	locks   *keyedMutex
}

// NewEngine creates an engine for chain backed by in-memory state, the default
// policy and a no-op emitter. Callers override collaborators with the setters.
func NewEngine(chain string, adapter token.Adapter) *Engine {
	return &Engine{
		chain:   strings.TrimSpace(chain),
		state:   NewMemoryState(),
		adapter: adapter,
		policy:  policy.Default(),
		scheme:  principal.Opaque{},
		emitter: events.NoopEmitter{},
		logger:  slog.Default(),
		nowFn:   func() int64 { return time.Now().Unix() },
		locks:   newKeyedMutex(),
	}
}

// Chain returns the chain name the engine serves.
func (e *Engine) Chain() string { return e.chain }

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state Backend) { e.state = state }

// SetPolicy swaps the authorization policy. Passing nil restores the default.
func (e *Engine) SetPolicy(p *policy.Policy) {
	if p == nil {
		p = policy.Default()
	}
	e.policy = p
}

// SetScheme configures how principals are validated on this chain.
func (e *Engine) SetScheme(s principal.Scheme) {
	if s == nil {
		s = principal.Opaque{}
	}
	e.scheme = s
}

// Scheme returns the principal scheme of the chain.
func (e *Engine) Scheme() principal.Scheme { return e.scheme }

// SetCodec selects the hashlock algorithm used to verify secrets.
func (e *Engine) SetCodec(c hashlock.Codec) { e.codec = c }

// SetLogger configures the engine logger.
func (e *Engine) SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.Default()
	}
	e.logger = l
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(htlcEvent{evt: event})
}

// Now returns the current time on the engine's clock.
func (e *Engine) Now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// DeriveID computes the escrow identifier for params on chain.
func DeriveID(chain string, p CreateParams) EscrowID {
	var buf []byte
	writeString := func(s string) {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
		buf = append(buf, s...)
	}
	writeString(chain)
	buf = append(buf, byte(p.Role))
	writeString(p.Maker)
	writeString(p.Resolver)
	writeString(p.Token)
	amount := p.Amount
	if amount == nil {
		amount = big.NewInt(0)
	}
	buf = append(buf, common.LeftPadBytes(amount.Bytes(), 32)...)
	buf = append(buf, p.Hashlock[:]...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(p.WithdrawAfter))
	buf = binary.BigEndian.AppendUint64(buf, uint64(p.CancelAfter))
	buf = append(buf, p.Salt[:]...)
	return EscrowID(ethcrypto.Keccak256Hash(buf))
}

// NormalizeParams validates principals against the chain scheme and returns
// the canonical terms. It does not check timelocks or amounts.
func (e *Engine) NormalizeParams(p CreateParams) (CreateParams, error) {
	maker, err := e.scheme.Normalize(p.Maker)
	if err != nil {
		return p, fmt.Errorf("%w: maker: %v", ErrInvalidTerms, err)
	}
	resolver, err := e.scheme.Normalize(p.Resolver)
	if err != nil {
		return p, fmt.Errorf("%w: resolver: %v", ErrInvalidTerms, err)
	}
	p.Maker, p.Resolver = maker, resolver
	p.Token = strings.TrimSpace(p.Token)
	return p, nil
}

// Create registers a new escrow in state Created. No funds move.
func (e *Engine) Create(ctx context.Context, p CreateParams) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateAmount(p.Amount); err != nil {
		return nil, err
	}
	if p.WithdrawAfter < 0 || p.CancelAfter <= p.WithdrawAfter {
		return nil, fmt.Errorf("%w: withdraw_after=%d cancel_after=%d", ErrInvalidTimelockOrdering, p.WithdrawAfter, p.CancelAfter)
	}
	if p.Hashlock.IsZero() {
		return nil, ErrInvalidHashlock
	}
	if !p.Role.Valid() {
		return nil, fmt.Errorf("%w: unknown role", ErrInvalidTerms)
	}
	p, err := e.NormalizeParams(p)
	if err != nil {
		return nil, err
	}
	if p.Token == "" {
		return nil, fmt.Errorf("%w: token required", ErrInvalidTerms)
	}
	if p.Maker == p.Resolver {
		return nil, fmt.Errorf("%w: maker and resolver must differ", ErrInvalidTerms)
	}
	if err := e.policy.Check(policy.OpCreate, "", policy.Subject{Maker: p.Maker, Resolver: p.Resolver}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if p.Salt == ([32]byte{}) {
		if _, err := rand.Read(p.Salt[:]); err != nil {
			return nil, fmt.Errorf("htlc: generate salt: %w", err)
		}
	}
	id := DeriveID(e.chain, p)

	unlock := e.locks.Lock(id)
	defer unlock()
	if _, exists, err := e.state.EscrowGet(id); err != nil {
		return nil, err
	} else if exists {
		return nil, fmt.Errorf("%w: %s", ErrEscrowExists, id.Hex())
	}
	now := e.Now()
	esc := &Escrow{
		ID:            id,
		Chain:         e.chain,
		Role:          p.Role,
		Maker:         p.Maker,
		Resolver:      p.Resolver,
		Token:         p.Token,
		Amount:        new(big.Int).Set(p.Amount),
		Hashlock:      p.Hashlock,
		WithdrawAfter: p.WithdrawAfter,
		CancelAfter:   p.CancelAfter,
		State:         StateCreated,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.state.EscrowPut(esc); err != nil {
		return nil, fmt.Errorf("htlc: store escrow: %w", err)
	}
	e.record("create", nil)
	e.emit(NewCreatedEvent(esc, now))
	return esc.Clone(), nil
}

// Deposit moves the escrow amount from the caller into escrow custody and
// commits Created -> Deposited once the ledger confirms the transfer.
func (e *Engine) Deposit(ctx context.Context, caller string, id EscrowID) (*Escrow, error) {
	esc, err := e.mutate(ctx, "deposit", id, func(esc *Escrow, now int64) (*transferPlan, error) {
		caller, err := e.normalizeCaller(caller)
		if err != nil {
			return nil, err
		}
		if err := e.policy.Check(policy.OpDeposit, caller, esc.subject()); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		if esc.State != StateCreated {
			return nil, fmt.Errorf("%w: escrow is %s", ErrAlreadyDeposited, esc.State)
		}
		return &transferPlan{
			op:        policy.OpDeposit,
			inbound:   true,
			principal: caller,
			commit: func(esc *Escrow, ref string) *types.Event {
				esc.State = StateDeposited
				esc.Depositor = caller
				esc.DepositRef = ref
				return NewDepositedEvent(esc, now)
			},
		}, nil
	})
	return esc, err
}

// Claim verifies secret against the hashlock and pays the recipient. Wrong
// secrets leave the escrow untouched.
func (e *Engine) Claim(ctx context.Context, caller string, id EscrowID, secret []byte) (*Escrow, error) {
	return e.mutate(ctx, "claim", id, func(esc *Escrow, now int64) (*transferPlan, error) {
		if esc.State != StateDeposited {
			return nil, fmt.Errorf("%w: escrow is %s", ErrWrongState, esc.State)
		}
		if now < esc.WithdrawAfter {
			return nil, fmt.Errorf("%w: opens at %d, now %d", ErrNotYetWithdrawable, esc.WithdrawAfter, now)
		}
		if now >= esc.CancelAfter {
			return nil, fmt.Errorf("%w: closed at %d, now %d", ErrWithdrawalWindowClosed, esc.CancelAfter, now)
		}
		caller, err := e.normalizeCaller(caller)
		if err != nil {
			return nil, err
		}
		if err := e.policy.Check(policy.OpClaim, caller, esc.subject()); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		if !e.codec.Verify(secret, esc.Hashlock) {
			return nil, ErrInvalidSecret
		}
		revealed := append([]byte(nil), secret...)
		return &transferPlan{
			op:        policy.OpClaim,
			principal: esc.Recipient(),
			caller:    caller,
			secret:    revealed,
			commit: func(esc *Escrow, ref string) *types.Event {
				esc.State = StateWithdrawn
				esc.RevealedSecret = revealed
				esc.PayoutRef = ref
				return NewWithdrawnEvent(esc, now)
			},
		}, nil
	})
}

// Refund returns the escrowed funds to the depositor once the cancel deadline
// has passed.
func (e *Engine) Refund(ctx context.Context, caller string, id EscrowID) (*Escrow, error) {
	return e.mutate(ctx, "refund", id, func(esc *Escrow, now int64) (*transferPlan, error) {
		if esc.State != StateDeposited {
			return nil, fmt.Errorf("%w: escrow is %s", ErrWrongState, esc.State)
		}
		if now < esc.CancelAfter {
			return nil, fmt.Errorf("%w: refundable at %d, now %d", ErrTooEarly, esc.CancelAfter, now)
		}
		caller, err := e.normalizeCaller(caller)
		if err != nil {
			return nil, err
		}
		if err := e.policy.Check(policy.OpRefund, caller, esc.subject()); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return &transferPlan{
			op:        policy.OpRefund,
			principal: esc.Depositor,
			caller:    caller,
			commit: func(esc *Escrow, ref string) *types.Event {
				esc.State = StateRefunded
				esc.PayoutRef = ref
				return NewRefundedEvent(esc, now)
			},
		}, nil
	})
}

// transferPlan is what an operation decides to do once its preconditions hold:
// move funds, then apply commit to the escrow.
type transferPlan struct {
	op        policy.Operation
	inbound   bool
	principal string
	caller    string
	secret    []byte
	commit    func(esc *Escrow, ref string) *types.Event
}

func (e *Engine) mutate(ctx context.Context, opName string, id EscrowID, decide func(*Escrow, int64) (*transferPlan, error)) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.adapter == nil {
		return nil, errNilAdapter
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := e.locks.Lock(id)
	defer unlock()

	esc, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if esc.Pending != nil {
		err := fmt.Errorf("%w: pending %s", ErrReconciliationRequired, esc.Pending.Op)
		e.record(opName, err)
		return nil, err
	}
	now := e.Now()
	plan, err := decide(esc, now)
	if err != nil {
		e.record(opName, err)
		return nil, err
	}
	caller := plan.caller
	if caller == "" {
		caller = plan.principal
	}

	transfer := token.Transfer{
		Principal: plan.principal,
		Token:     esc.Token,
		Amount:    new(big.Int).Set(esc.Amount),
		Memo:      transferMemo(id, plan.op),
	}
	var receipt token.Receipt
	direction := "out"
	if plan.inbound {
		direction = "in"
		receipt, err = e.adapter.TransferIn(ctx, transfer)
	} else {
		receipt, err = e.adapter.TransferOut(ctx, transfer)
	}
	if err == nil && receipt.Outcome != token.OutcomeSuccess {
		err = fmt.Errorf("adapter returned %s without error", receipt.Outcome)
	}
	observability.HTLC().RecordTransfer(e.chain, direction, receipt.Outcome.String())

	if err != nil {
		if receipt.Outcome == token.OutcomeUnknown || errors.Is(err, token.ErrOutcomeUnknown) {
			esc.Pending = &PendingTransfer{Op: plan.op, Caller: caller, Reference: receipt.Reference, Secret: plan.secret, At: now}
			esc.UpdatedAt = now
			if putErr := e.state.EscrowPut(esc); putErr != nil {
				e.logger.Error("htlc: persist pending transfer", "chain", e.chain, "escrow", id.Hex(), "error", putErr)
			}
			e.logger.Warn("htlc: transfer outcome unknown", "chain", e.chain, "escrow", id.Hex(), "op", plan.op.String(), "reference", receipt.Reference, "error", err)
			e.emit(NewReconciliationRequiredEvent(esc, now))
			err = fmt.Errorf("%w: %w: %v", ErrReconciliationRequired, ErrTransferFailed, err)
			e.record(opName, err)
			return nil, err
		}
		err = fmt.Errorf("%w: %v", ErrTransferFailed, err)
		e.record(opName, err)
		return nil, err
	}

	event := plan.commit(esc, receipt.Reference)
	esc.UpdatedAt = now
	if err := e.state.EscrowPut(esc); err != nil {
		e.logger.Error("htlc: commit after confirmed transfer failed", "chain", e.chain, "escrow", id.Hex(), "op", plan.op.String(), "reference", receipt.Reference, "error", err)
		err = fmt.Errorf("%w: commit %s after transfer %s: %v", ErrReconciliationRequired, plan.op, receipt.Reference, err)
		e.record(opName, err)
		return nil, err
	}
	e.record(opName, nil)
	e.emit(event)
	return esc.Clone(), nil
}

// Reconcile resolves a pending transfer. When confirmed is true the ledger is
// known to have executed it and the transition it belonged to is committed;
// otherwise the marker is cleared and the escrow stays in its prior state.
func (e *Engine) Reconcile(ctx context.Context, caller string, id EscrowID, confirmed bool, reference string) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := e.locks.Lock(id)
	defer unlock()

	esc, err := e.load(id)
	if err != nil {
		return nil, err
	}
	caller, err = e.normalizeOperator(caller)
	if err != nil {
		return nil, err
	}
	if err := e.policy.Check(policy.OpReconcile, caller, esc.subject()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	pending := esc.Pending
	if pending == nil {
		return nil, ErrNoPendingTransfer
	}
	if reference == "" {
		reference = pending.Reference
	}
	now := e.Now()
	if confirmed {
		switch pending.Op {
		case policy.OpDeposit:
			esc.State = StateDeposited
			esc.Depositor = pending.Caller
			esc.DepositRef = reference
		case policy.OpClaim:
			esc.State = StateWithdrawn
			esc.RevealedSecret = append([]byte(nil), pending.Secret...)
			esc.PayoutRef = reference
		case policy.OpRefund:
			esc.State = StateRefunded
			esc.PayoutRef = reference
		default:
			return nil, fmt.Errorf("htlc: cannot reconcile %s", pending.Op)
		}
	}
	esc.Pending = nil
	esc.UpdatedAt = now
	if err := e.state.EscrowPut(esc); err != nil {
		return nil, fmt.Errorf("htlc: store escrow: %w", err)
	}
	if !confirmed {
		if f, ok := e.adapter.(token.Forgetter); ok {
			f.Forget(transferMemo(id, pending.Op))
		}
	}
	e.logger.Info("htlc: reconciled transfer", "chain", e.chain, "escrow", id.Hex(), "op", pending.Op.String(), "confirmed", confirmed, "operator", caller)
	e.emit(NewReconciledEvent(esc, pending.Op.String(), confirmed, now))
	if confirmed {
		switch esc.State {
		case StateDeposited:
			e.emit(NewDepositedEvent(esc, now))
		case StateWithdrawn:
			e.emit(NewWithdrawnEvent(esc, now))
		case StateRefunded:
			e.emit(NewRefundedEvent(esc, now))
		}
	}
	return esc.Clone(), nil
}

// Get returns the read-only view of an escrow without entering its critical
// section.
func (e *Engine) Get(id EscrowID) (View, error) {
	esc, err := e.load(id)
	if err != nil {
		return View{}, err
	}
	return NewView(esc), nil
}

// List returns escrow views matching filter ordered by id.
func (e *Engine) List(filter Filter) ([]View, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	var out []View
	err := e.state.EscrowIterate(func(esc *Escrow) bool {
		if filter.match(esc) {
			out = append(out, NewView(esc))
		}
		return filter.Limit <= 0 || len(out) < filter.Limit
	})
	return out, err
}

func (e *Engine) load(id EscrowID) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	esc, ok, err := e.state.EscrowGet(id)
	if err != nil {
		return nil, fmt.Errorf("htlc: load escrow: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id.Hex())
	}
	return esc, nil
}

func (e *Engine) normalizeCaller(caller string) (string, error) {
	normalized, err := e.scheme.Normalize(caller)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return normalized, nil
}

// Operators are configured out of band and need not be chain principals.
func (e *Engine) normalizeOperator(caller string) (string, error) {
	if normalized, err := e.scheme.Normalize(caller); err == nil {
		return normalized, nil
	}
	trimmed := strings.TrimSpace(caller)
	if trimmed == "" {
		return "", fmt.Errorf("%w: operator identity required", ErrUnauthorized)
	}
	return trimmed, nil
}

func (e *Engine) record(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = Kind(err)
	}
	observability.HTLC().RecordOperation(e.chain, op, outcome)
}

func validateAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	if _, overflow := uint256.FromBig(amount); overflow {
		return fmt.Errorf("%w: amount exceeds 256 bits", ErrInvalidAmount)
	}
	return nil
}

func transferMemo(id EscrowID, op policy.Operation) []byte {
	memo := make([]byte, 0, len(id)+1)
	memo = append(memo, id[:]...)
	return append(memo, byte(op))
}
