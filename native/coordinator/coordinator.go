// Package coordinator drives two escrow engines through one swap. All durable
// state lives in the escrows and the session record; a coordinator can crash
// and restart at any phase boundary and resume by observing both legs.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"htlcswap/core/events"
	"htlcswap/core/hashlock"
	"htlcswap/core/principal"
	"htlcswap/native/htlc"
	"htlcswap/native/orders"
	"htlcswap/observability"
	telemetry "htlcswap/observability/otel"
)

// Escrows is the per-chain escrow surface the coordinator drives.
// *htlc.Engine implements it.
type Escrows interface {
	Chain() string
	Now() int64
	Scheme() principal.Scheme
	NormalizeParams(p htlc.CreateParams) (htlc.CreateParams, error)
	Create(ctx context.Context, p htlc.CreateParams) (*htlc.Escrow, error)
	Deposit(ctx context.Context, caller string, id htlc.EscrowID) (*htlc.Escrow, error)
	Claim(ctx context.Context, caller string, id htlc.EscrowID, secret []byte) (*htlc.Escrow, error)
	Refund(ctx context.Context, caller string, id htlc.EscrowID) (*htlc.Escrow, error)
	Get(id htlc.EscrowID) (htlc.View, error)
}

// DefaultDepositGrace bounds how long both legs may take to fund.
const DefaultDepositGrace = 15 * time.Minute

// DefaultPollInterval is the Run loop period.
const DefaultPollInterval = 5 * time.Second

// AnnounceRequest opens a session for an order the resolver commits to.
type AnnounceRequest struct {
	Order orders.Order
	// Hashlock is set when the maker holds the secret. When zero the
	// coordinator generates one.
	Hashlock hashlock.Hash
	// Timelocks overrides the coordinator defaults for this session.
	Timelocks *Timelocks
}

// Coordinator runs the announce, deposit, withdraw and recover phases.
type Coordinator struct {
	store        Store
	vault        Vault
	chains       map[string]Escrows
	resolvers    map[string]string
	codec        hashlock.Codec
	timelocks    Timelocks
	depositGrace time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
	emitter      events.Emitter
	nowFn        func() time.Time
	tracer       trace.Tracer
	phaseCounter metric.Int64Counter

	locks *sessionLocks
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithEmitter publishes session phase events to emitter.
func WithEmitter(emitter events.Emitter) Option {
	return func(c *Coordinator) {
		if emitter != nil {
			c.emitter = emitter
		}
	}
}

// WithClock overrides the wall clock used for planning and grace deadlines.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.nowFn = now
		}
	}
}

// WithTimelocks overrides the default timelock plan.
func WithTimelocks(t Timelocks) Option {
	return func(c *Coordinator) { c.timelocks = t.WithDefaults() }
}

// WithDepositGrace overrides DefaultDepositGrace.
func WithDepositGrace(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.depositGrace = d
		}
	}
}

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithCodec selects the hashlock algorithm. It must match the engines'.
func WithCodec(codec hashlock.Codec) Option {
	return func(c *Coordinator) { c.codec = codec }
}

// WithResolver sets the resolver principal the coordinator acts as on chain.
func WithResolver(chain, principal string) Option {
	return func(c *Coordinator) {
		c.resolvers[strings.TrimSpace(chain)] = strings.TrimSpace(principal)
	}
}

// New constructs a coordinator over the given engines.
func New(store Store, vault Vault, chains []Escrows, opts ...Option) (*Coordinator, error) {
	if store == nil {
		return nil, fmt.Errorf("coordinator: store required")
	}
	if vault == nil {
		return nil, fmt.Errorf("coordinator: vault required")
	}
	if len(chains) < 2 {
		return nil, fmt.Errorf("coordinator: at least two chains required")
	}
	c := &Coordinator{
		store:        store,
		vault:        vault,
		chains:       make(map[string]Escrows, len(chains)),
		resolvers:    make(map[string]string),
		timelocks:    DefaultTimelocks(),
		depositGrace: DefaultDepositGrace,
		pollInterval: DefaultPollInterval,
		logger:       slog.Default(),
		emitter:      events.NoopEmitter{},
		nowFn:        time.Now,
		tracer:       telemetry.Tracer(),
		locks:        newSessionLocks(),
	}
	for _, chain := range chains {
		if chain == nil {
			return nil, fmt.Errorf("coordinator: nil chain")
		}
		name := chain.Chain()
		if _, dup := c.chains[name]; dup {
			return nil, fmt.Errorf("coordinator: duplicate chain %s", name)
		}
		c.chains[name] = chain
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if err := c.timelocks.Validate(); err != nil {
		return nil, err
	}
	counter, err := telemetry.Meter().Int64Counter("swap.coordinator.phase_transitions",
		metric.WithDescription("Session phase transitions"))
	if err != nil {
		return nil, fmt.Errorf("coordinator: phase counter: %w", err)
	}
	c.phaseCounter = counter
	return c, nil
}

// PollInterval returns the Run loop period.
func (c *Coordinator) PollInterval() time.Duration { return c.pollInterval }

func (c *Coordinator) lockSession(id string) func() { return c.locks.Lock(id) }

func (c *Coordinator) chain(name string) (Escrows, error) {
	e, ok := c.chains[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChain, name)
	}
	return e, nil
}

func (c *Coordinator) scheme(chain string) (principal.Scheme, bool) {
	e, ok := c.chains[chain]
	if !ok {
		return nil, false
	}
	return e.Scheme(), true
}

func (c *Coordinator) resolver(chain string) (string, error) {
	e, err := c.chain(chain)
	if err != nil {
		return "", err
	}
	raw, ok := c.resolvers[chain]
	if !ok || raw == "" {
		return "", fmt.Errorf("%w: %s", ErrNoResolver, chain)
	}
	normalized, err := e.Scheme().Normalize(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrNoResolver, chain, err)
	}
	return normalized, nil
}

func (c *Coordinator) startSpan(ctx context.Context, name, sessionID string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "coordinator."+name, trace.WithAttributes(attribute.String("swap.session", sessionID)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Announce validates the order, fixes the hashlock and timelocks, and opens a
// session in PhaseAnnounced. No funds move.
func (c *Coordinator) Announce(ctx context.Context, req AnnounceRequest) (s *Session, err error) {
	ctx, span := c.startSpan(ctx, "Announce", "")
	defer func() { endSpan(span, err) }()

	now := c.nowFn()
	order := req.Order
	if err := order.Validate(now, c.scheme); err != nil {
		return nil, err
	}
	making, _ := order.Making()
	taking, _ := order.Taking()
	srcResolver, err := c.resolver(order.SrcChain)
	if err != nil {
		return nil, err
	}
	dstResolver, err := c.resolver(order.DstChain)
	if err != nil {
		return nil, err
	}

	plan := c.timelocks
	if req.Timelocks != nil {
		plan = req.Timelocks.WithDefaults()
		if err := plan.Validate(); err != nil {
			return nil, err
		}
	}
	srcWindow, dstWindow := plan.Plan(now.Unix())
	if err := CheckOrdering(srcWindow, dstWindow, plan.Buffer); err != nil {
		return nil, err
	}

	s = &Session{
		ID:        uuid.NewString(),
		OrderHash: order.Hash(),
		Order:     order,
		Hashlock:  req.Hashlock,
		Source: LegTerms{
			Chain:         order.SrcChain,
			Maker:         order.Maker,
			Resolver:      srcResolver,
			Token:         order.MakerAsset,
			Amount:        making,
			WithdrawAfter: srcWindow.WithdrawAfter,
			CancelAfter:   srcWindow.CancelAfter,
		},
		Destination: LegTerms{
			Chain:         order.DstChain,
			Maker:         order.Receiver,
			Resolver:      dstResolver,
			Token:         order.TakerAsset,
			Amount:        taking,
			WithdrawAfter: dstWindow.WithdrawAfter,
			CancelAfter:   dstWindow.CancelAfter,
		},
		Phase:           PhaseAnnounced,
		DepositDeadline: now.Add(c.depositGrace).Unix(),
		CreatedAt:       now.Unix(),
		UpdatedAt:       now.Unix(),
	}
	span.SetAttributes(attribute.String("swap.session", s.ID), attribute.String("swap.order", s.OrderHash))
	if s.Hashlock.IsZero() {
		secret, err := hashlock.NewSecret()
		if err != nil {
			return nil, fmt.Errorf("coordinator: generate secret: %w", err)
		}
		if err := c.vault.PutSecret(s.ID, secret); err != nil {
			return nil, fmt.Errorf("coordinator: store secret: %w", err)
		}
		s.Hashlock = c.codec.Commit(secret)
	} else {
		s.SecretMode = SecretMakerHeld
	}
	if err := c.store.SaveSession(ctx, s); err != nil {
		return nil, fmt.Errorf("coordinator: save session: %w", err)
	}
	c.recordPhase(ctx, s)
	c.logger.Info("coordinator: session announced", "session", s.ID, "order", s.OrderHash,
		"src_chain", s.Source.Chain, "dst_chain", s.Destination.Chain)
	return s.Clone(), nil
}

// Get returns the stored session.
func (c *Coordinator) Get(ctx context.Context, id string) (*Session, error) {
	return c.store.GetSession(ctx, id)
}

// List returns stored sessions, optionally only the non-terminal ones.
func (c *Coordinator) List(ctx context.Context, active bool) ([]*Session, error) {
	return c.store.ListSessions(ctx, active)
}

// Deposit creates and funds the source leg, then the destination leg. Each
// step is persisted so a retry resumes where the last attempt stopped.
func (c *Coordinator) Deposit(ctx context.Context, id string) (s *Session, err error) {
	ctx, span := c.startSpan(ctx, "Deposit", id)
	defer func() { endSpan(span, err) }()
	unlock := c.lockSession(id)
	defer unlock()

	s, err = c.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case s.Phase == PhaseDeposited:
		return s, nil
	case s.Phase != PhaseAnnounced:
		return nil, fmt.Errorf("%w: %s", ErrWrongPhase, s.Phase)
	case s.Abandoned:
		return nil, ErrSessionAbandoned
	}
	if c.nowFn().Unix() > s.DepositDeadline {
		s.Abandoned = true
		c.logger.Warn("coordinator: deposit grace expired", "session", s.ID, "deadline", s.DepositDeadline)
		return nil, c.fail(ctx, s, ErrDepositGraceExpired)
	}
	for _, role := range []htlc.Role{htlc.RoleSource, htlc.RoleDestination} {
		if err := c.fundLeg(ctx, s, role); err != nil {
			return nil, c.fail(ctx, s, err)
		}
	}
	if err := c.advance(ctx, s, PhaseDeposited); err != nil {
		return nil, err
	}
	return s.Clone(), nil
}

func (c *Coordinator) fundLeg(ctx context.Context, s *Session, role htlc.Role) error {
	terms, id := s.Leg(role)
	engine, err := c.chain(terms.Chain)
	if err != nil {
		return err
	}
	if id.IsZero() {
		id, err = c.createLeg(ctx, engine, s, role)
		if err != nil {
			return err
		}
		s.setEscrowID(role, id)
		s.UpdatedAt = c.nowFn().Unix()
		if err := c.store.SaveSession(ctx, s); err != nil {
			return fmt.Errorf("coordinator: save session: %w", err)
		}
	}
	view, err := engine.Get(id)
	if err != nil {
		return err
	}
	if view.PendingReconciliation {
		return fmt.Errorf("%w: %s leg %s", htlc.ErrReconciliationRequired, role, id.Hex())
	}
	switch view.State {
	case htlc.StateDeposited:
		return nil
	case htlc.StateCreated:
	default:
		return fmt.Errorf("%w: %s leg is %s", htlc.ErrWrongState, role, view.State)
	}
	funder := terms.Maker
	if role == htlc.RoleDestination {
		funder = terms.Resolver
	}
	if _, err := engine.Deposit(ctx, funder, id); err != nil {
		return fmt.Errorf("%s leg deposit: %w", role, err)
	}
	c.logger.Info("coordinator: leg funded", "session", s.ID, "role", role.String(), "escrow", id.Hex())
	return nil
}

// createLeg creates the escrow for role with a salt derived from the session
// so the id can be recomputed. An escrow that already exists under that id was
// created by an earlier attempt and is adopted.
func (c *Coordinator) createLeg(ctx context.Context, engine Escrows, s *Session, role htlc.Role) (htlc.EscrowID, error) {
	terms, _ := s.Leg(role)
	params := htlc.CreateParams{
		Role:          role,
		Maker:         terms.Maker,
		Resolver:      terms.Resolver,
		Token:         terms.Token,
		Amount:        new(big.Int).Set(terms.Amount),
		Hashlock:      s.Hashlock,
		WithdrawAfter: terms.WithdrawAfter,
		CancelAfter:   terms.CancelAfter,
		Salt:          legSalt(s.ID, role),
	}
	normalized, err := engine.NormalizeParams(params)
	if err != nil {
		return htlc.EscrowID{}, err
	}
	id := htlc.DeriveID(engine.Chain(), normalized)
	if _, err := engine.Get(id); err == nil {
		c.logger.Info("coordinator: adopting existing escrow", "session", s.ID, "role", role.String(), "escrow", id.Hex())
		return id, nil
	} else if !errors.Is(err, htlc.ErrNotFound) {
		return htlc.EscrowID{}, err
	}
	esc, err := engine.Create(ctx, params)
	if errors.Is(err, htlc.ErrEscrowExists) {
		return id, nil
	}
	if err != nil {
		return htlc.EscrowID{}, fmt.Errorf("%s leg create: %w", role, err)
	}
	return esc.ID, nil
}

func legSalt(sessionID string, role htlc.Role) [32]byte {
	return [32]byte(ethcrypto.Keccak256Hash([]byte(sessionID), []byte{byte(role)}))
}

// SubmitSecret stores a maker-held secret after checking it opens the
// session hashlock.
func (c *Coordinator) SubmitSecret(ctx context.Context, id string, secret []byte) (err error) {
	ctx, span := c.startSpan(ctx, "SubmitSecret", id)
	defer func() { endSpan(span, err) }()
	s, err := c.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if s.Phase.Terminal() {
		return fmt.Errorf("%w: %s", ErrWrongPhase, s.Phase)
	}
	if !c.codec.Verify(secret, s.Hashlock) {
		return htlc.ErrInvalidSecret
	}
	return c.vault.PutSecret(s.ID, secret)
}

// Withdraw claims the destination leg, which publishes the secret, then
// claims the source leg with the secret read back from the destination
// escrow. A destination claimed by someone else is picked up the same way.
func (c *Coordinator) Withdraw(ctx context.Context, id string) (s *Session, err error) {
	ctx, span := c.startSpan(ctx, "Withdraw", id)
	defer func() { endSpan(span, err) }()
	unlock := c.lockSession(id)
	defer unlock()

	s, err = c.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	switch s.Phase {
	case PhaseCompleted:
		return s, nil
	case PhaseDeposited, PhaseSecretRevealed:
	default:
		return nil, fmt.Errorf("%w: %s", ErrWrongPhase, s.Phase)
	}
	dst, err := c.chain(s.Destination.Chain)
	if err != nil {
		return nil, err
	}
	src, err := c.chain(s.Source.Chain)
	if err != nil {
		return nil, err
	}

	revealed, err := c.claimDestination(ctx, dst, s)
	if err != nil {
		return nil, c.fail(ctx, s, err)
	}
	if s.Phase == PhaseDeposited {
		if err := c.advance(ctx, s, PhaseSecretRevealed); err != nil {
			return nil, err
		}
	}

	view, err := src.Get(s.SourceEscrowID)
	if err != nil {
		return nil, c.fail(ctx, s, err)
	}
	switch view.State {
	case htlc.StateWithdrawn:
	case htlc.StateDeposited:
		if _, err := src.Claim(ctx, s.Source.Resolver, s.SourceEscrowID, revealed); err != nil {
			return nil, c.fail(ctx, s, fmt.Errorf("source claim: %w", err))
		}
	default:
		return nil, c.fail(ctx, s, fmt.Errorf("%w: source leg is %s", htlc.ErrWrongState, view.State))
	}
	if err := c.advance(ctx, s, PhaseCompleted); err != nil {
		return nil, err
	}
	return s.Clone(), nil
}

func (c *Coordinator) claimDestination(ctx context.Context, dst Escrows, s *Session) ([]byte, error) {
	view, err := dst.Get(s.DestinationEscrowID)
	if err != nil {
		return nil, err
	}
	if view.PendingReconciliation {
		return nil, fmt.Errorf("%w: destination leg", htlc.ErrReconciliationRequired)
	}
	switch view.State {
	case htlc.StateWithdrawn:
		if len(view.RevealedSecret) == 0 {
			return nil, fmt.Errorf("%w: destination withdrawn without a recorded secret", ErrSecretUnavailable)
		}
		return []byte(view.RevealedSecret), nil
	case htlc.StateDeposited:
	default:
		return nil, fmt.Errorf("%w: destination leg is %s", htlc.ErrWrongState, view.State)
	}
	secret, err := c.vault.GetSecret(s.ID)
	if errors.Is(err, ErrSecretNotFound) {
		return nil, ErrSecretUnavailable
	}
	if err != nil {
		return nil, fmt.Errorf("coordinator: read secret: %w", err)
	}
	claimed, err := dst.Claim(ctx, s.Destination.Resolver, s.DestinationEscrowID, secret)
	if err != nil {
		return nil, fmt.Errorf("destination claim: %w", err)
	}
	c.logger.Info("coordinator: destination claimed", "session", s.ID, "escrow", claimed.ID.Hex())
	// Read back from the public view rather than the local copy.
	after, err := dst.Get(s.DestinationEscrowID)
	if err != nil || len(after.RevealedSecret) == 0 {
		return secret, nil
	}
	return []byte(after.RevealedSecret), nil
}

// Recover refunds every leg still Deposited whose cancel deadline has passed.
// The session is Recovered once no leg remains Deposited.
func (c *Coordinator) Recover(ctx context.Context, id string) (s *Session, err error) {
	ctx, span := c.startSpan(ctx, "Recover", id)
	defer func() { endSpan(span, err) }()
	unlock := c.lockSession(id)
	defer unlock()

	s, err = c.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	switch s.Phase {
	case PhaseRecovered:
		return s, nil
	case PhaseDeposited, PhaseSecretRevealed:
	case PhaseAnnounced:
		if !s.Abandoned && c.nowFn().Unix() <= s.DepositDeadline {
			return nil, fmt.Errorf("%w: deposit grace still running", ErrWrongPhase)
		}
		s.Abandoned = true
	default:
		return nil, fmt.Errorf("%w: %s", ErrWrongPhase, s.Phase)
	}

	var (
		waiting   []error
		withdrawn int
	)
	for _, role := range []htlc.Role{htlc.RoleSource, htlc.RoleDestination} {
		terms, escrowID := s.Leg(role)
		if escrowID.IsZero() {
			continue
		}
		engine, err := c.chain(terms.Chain)
		if err != nil {
			return nil, err
		}
		view, err := engine.Get(escrowID)
		if err != nil {
			return nil, c.fail(ctx, s, err)
		}
		if view.PendingReconciliation {
			return nil, c.fail(ctx, s, fmt.Errorf("%w: %s leg", htlc.ErrReconciliationRequired, role))
		}
		switch view.State {
		case htlc.StateWithdrawn:
			withdrawn++
			continue
		case htlc.StateDeposited:
		default:
			continue
		}
		if now := engine.Now(); now < view.CancelAfter {
			waiting = append(waiting, fmt.Errorf("%w: %s leg refundable at %d", htlc.ErrTooEarly, role, view.CancelAfter))
			continue
		}
		if _, err := engine.Refund(ctx, terms.Resolver, escrowID); err != nil {
			return nil, c.fail(ctx, s, fmt.Errorf("%s leg refund: %w", role, err))
		}
		c.logger.Info("coordinator: leg refunded", "session", s.ID, "role", role.String(), "escrow", escrowID.Hex())
	}
	if len(waiting) > 0 {
		err := errors.Join(waiting...)
		_ = c.fail(ctx, s, err)
		return nil, err
	}
	if withdrawn == 2 {
		if err := c.advance(ctx, s, PhaseCompleted); err != nil {
			return nil, err
		}
		return s.Clone(), nil
	}
	if err := c.advance(ctx, s, PhaseRecovered); err != nil {
		return nil, err
	}
	return s.Clone(), nil
}

func (c *Coordinator) advance(ctx context.Context, s *Session, phase Phase) error {
	s.Phase = phase
	s.LastError = ""
	s.UpdatedAt = c.nowFn().Unix()
	if err := c.store.SaveSession(ctx, s); err != nil {
		return fmt.Errorf("coordinator: save session: %w", err)
	}
	c.recordPhase(ctx, s)
	c.logger.Info("coordinator: phase advanced", "session", s.ID, "phase", phase.String())
	return nil
}

// fail records err on the session and returns it.
func (c *Coordinator) fail(ctx context.Context, s *Session, err error) error {
	s.LastError = err.Error()
	s.UpdatedAt = c.nowFn().Unix()
	if saveErr := c.store.SaveSession(ctx, s); saveErr != nil {
		c.logger.Error("coordinator: save session", "session", s.ID, "error", saveErr)
	}
	return err
}

func (c *Coordinator) recordPhase(ctx context.Context, s *Session) {
	observability.Coordinator().RecordPhase(s.Phase.String())
	if c.phaseCounter != nil {
		c.phaseCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", s.Phase.String())))
	}
	c.emitter.Emit(sessionEvent{evt: NewPhaseEvent(s, c.nowFn().Unix())})
}
