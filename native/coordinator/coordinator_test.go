package coordinator

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"htlcswap/core/events"
	"htlcswap/core/hashlock"
	"htlcswap/native/htlc"
	"htlcswap/native/orders"
	"htlcswap/native/token"
	"htlcswap/native/token/tokentest"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	clock     *testClock
	srcLedger *token.Ledger
	dstLedger *token.Ledger
	dstFaulty *tokentest.Faulty
	src       *htlc.Engine
	dst       *htlc.Engine
	store     *MemoryStore
	vault     *MemoryVault
	coord     *Coordinator
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		clock:     &testClock{now: time.Unix(1_700_000_000, 0)},
		srcLedger: token.NewLedger("custody-src", "SRC"),
		dstLedger: token.NewLedger("custody-dst", "DST"),
		store:     NewMemoryStore(),
		vault:     NewMemoryVault(),
	}
	mustMint(t, h.srcLedger, "SRC", "maker", 1_000)
	mustMint(t, h.dstLedger, "DST", "resolver", 1_000)
	h.dstFaulty = tokentest.NewFaulty(h.dstLedger)

	engineNow := func() int64 { return h.clock.Now().Unix() }
	h.src = htlc.NewEngine("src", h.srcLedger)
	h.src.SetNowFunc(engineNow)
	h.dst = htlc.NewEngine("dst", h.dstFaulty)
	h.dst.SetNowFunc(engineNow)
	h.coord = h.newCoordinator(t, opts...)
	return h
}

func (h *harness) newCoordinator(t *testing.T, opts ...Option) *Coordinator {
	t.Helper()
	base := []Option{
		WithClock(h.clock.Now),
		WithResolver("src", "resolver"),
		WithResolver("dst", "resolver"),
	}
	c, err := New(h.store, h.vault, []Escrows{h.src, h.dst}, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return c
}

func mustMint(t *testing.T, l *token.Ledger, tok, owner string, amount int64) {
	t.Helper()
	if err := l.Mint(tok, owner, big.NewInt(amount)); err != nil {
		t.Fatalf("mint: %v", err)
	}
}

func testOrder() orders.Order {
	return orders.Order{
		Salt:         "42",
		Maker:        "maker",
		Receiver:     "maker-dst",
		MakerAsset:   "SRC",
		TakerAsset:   "DST",
		MakingAmount: "100",
		TakingAmount: "250",
		SrcChain:     "src",
		DstChain:     "dst",
	}
}

func (h *harness) announce(t *testing.T) *Session {
	t.Helper()
	s, err := h.coord.Announce(context.Background(), AnnounceRequest{Order: testOrder()})
	if err != nil {
		t.Fatalf("announce: %v", err)
	}
	return s
}

func (h *harness) deposit(t *testing.T, id string) *Session {
	t.Helper()
	s, err := h.coord.Deposit(context.Background(), id)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	return s
}

func (h *harness) bal(l *token.Ledger, tok, owner string) int64 { return l.Balance(tok, owner).Int64() }

func TestCoordinatorFullSwap(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.announce(t)
	if s.Phase != PhaseAnnounced || s.SecretMode != SecretGenerated {
		t.Fatalf("unexpected announced session %+v", s)
	}
	if h.bal(h.srcLedger, "SRC", "custody-src") != 0 {
		t.Fatalf("announce must not move funds")
	}

	s = h.deposit(t, s.ID)
	if s.Phase != PhaseDeposited {
		t.Fatalf("expected deposited, got %s", s.Phase)
	}
	srcView, _ := h.src.Get(s.SourceEscrowID)
	dstView, _ := h.dst.Get(s.DestinationEscrowID)
	if srcView.Hashlock != dstView.Hashlock || srcView.Hashlock != s.Hashlock {
		t.Fatalf("legs must share the hashlock")
	}
	if dstView.WithdrawAfter >= srcView.WithdrawAfter || dstView.CancelAfter >= srcView.CancelAfter {
		t.Fatalf("timelock ordering violated: src=%+v dst=%+v", srcView, dstView)
	}

	if _, err := h.coord.Withdraw(ctx, s.ID); !errors.Is(err, htlc.ErrNotYetWithdrawable) {
		t.Fatalf("expected destination window closed to claims, got %v", err)
	}

	h.clock.Advance(30 * time.Minute)
	if _, err := h.coord.Withdraw(ctx, s.ID); !errors.Is(err, htlc.ErrNotYetWithdrawable) {
		t.Fatalf("expected source not yet withdrawable, got %v", err)
	}
	got, _ := h.coord.Get(ctx, s.ID)
	if got.Phase != PhaseSecretRevealed {
		t.Fatalf("expected secret revealed, got %s", got.Phase)
	}
	dstView, _ = h.dst.Get(s.DestinationEscrowID)
	if len(dstView.RevealedSecret) == 0 {
		t.Fatalf("destination claim must publish the secret")
	}

	h.clock.Advance(30 * time.Minute)
	done, err := h.coord.Withdraw(ctx, s.ID)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if done.Phase != PhaseCompleted {
		t.Fatalf("expected completed, got %s", done.Phase)
	}
	srcView, _ = h.src.Get(s.SourceEscrowID)
	if srcView.State != htlc.StateWithdrawn || string(srcView.RevealedSecret) != string(dstView.RevealedSecret) {
		t.Fatalf("source leg not claimed with the same secret: %+v", srcView)
	}
	if h.bal(h.dstLedger, "DST", "maker-dst") != 250 || h.bal(h.srcLedger, "SRC", "resolver") != 100 {
		t.Fatalf("unexpected final balances maker-dst=%d resolver=%d",
			h.bal(h.dstLedger, "DST", "maker-dst"), h.bal(h.srcLedger, "SRC", "resolver"))
	}
}

func TestCoordinatorStepDrivesSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.announce(t)

	steps := []struct {
		advance time.Duration
		want    Phase
	}{
		{0, PhaseDeposited},
		{0, PhaseDeposited},
		{30 * time.Minute, PhaseSecretRevealed},
		{30 * time.Minute, PhaseCompleted},
		{time.Hour, PhaseCompleted},
	}
	for i, step := range steps {
		h.clock.Advance(step.advance)
		got, err := h.coord.Step(ctx, s.ID)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if got.Phase != step.want {
			t.Fatalf("step %d: want %s got %s", i, step.want, got.Phase)
		}
	}
}

func TestCoordinatorRecoversAfterCancelDeadlines(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.deposit(t, h.announce(t).ID)

	if _, err := h.coord.Recover(ctx, s.ID); !errors.Is(err, htlc.ErrTooEarly) {
		t.Fatalf("expected too early, got %v", err)
	}

	h.clock.Advance(90 * time.Minute)
	_, err := h.coord.Recover(ctx, s.ID)
	if !errors.Is(err, htlc.ErrTooEarly) {
		t.Fatalf("source leg must still be waiting, got %v", err)
	}
	dstView, _ := h.dst.Get(s.DestinationEscrowID)
	if dstView.State != htlc.StateRefunded {
		t.Fatalf("destination leg should refund first, got %s", dstView.State)
	}

	h.clock.Advance(90 * time.Minute)
	recovered, err := h.coord.Recover(ctx, s.ID)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered.Phase != PhaseRecovered {
		t.Fatalf("expected recovered, got %s", recovered.Phase)
	}
	if h.bal(h.srcLedger, "SRC", "maker") != 1_000 || h.bal(h.dstLedger, "DST", "resolver") != 1_000 {
		t.Fatalf("refunds must return funds to depositors")
	}
}

func TestCoordinatorDepositGraceExpires(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.announce(t)
	h.clock.Advance(DefaultDepositGrace + time.Second)
	if _, err := h.coord.Deposit(ctx, s.ID); !errors.Is(err, ErrDepositGraceExpired) {
		t.Fatalf("expected grace expiry, got %v", err)
	}
	stored, _ := h.coord.Get(ctx, s.ID)
	if !stored.Abandoned {
		t.Fatalf("session should be abandoned")
	}
	if _, err := h.coord.Deposit(ctx, s.ID); !errors.Is(err, ErrSessionAbandoned) {
		t.Fatalf("expected abandoned, got %v", err)
	}
	recovered, err := h.coord.Recover(ctx, s.ID)
	if err != nil || recovered.Phase != PhaseRecovered {
		t.Fatalf("expected recovered session, got %v %v", recovered, err)
	}
}

func TestCoordinatorAbandonsWhenDestinationNeverFunds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.announce(t)
	h.dstFaulty.FailNext()
	if _, err := h.coord.Deposit(ctx, s.ID); !errors.Is(err, htlc.ErrTransferFailed) {
		t.Fatalf("expected transfer failure, got %v", err)
	}
	stored, _ := h.coord.Get(ctx, s.ID)
	if stored.Phase != PhaseAnnounced || stored.SourceEscrowID.IsZero() || stored.LastError == "" {
		t.Fatalf("unexpected session after failed destination deposit: %+v", stored)
	}

	h.clock.Advance(DefaultDepositGrace + time.Second)
	stepped, err := h.coord.Step(ctx, s.ID)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if stepped.Phase != PhaseAnnounced || !stepped.Abandoned {
		t.Fatalf("source leg must wait for its cancel deadline: %+v", stepped)
	}

	h.clock.Advance(3 * time.Hour)
	stepped, err = h.coord.Step(ctx, s.ID)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if stepped.Phase != PhaseRecovered {
		t.Fatalf("expected recovered, got %s", stepped.Phase)
	}
	if h.bal(h.srcLedger, "SRC", "maker") != 1_000 {
		t.Fatalf("maker not refunded")
	}
}

func TestCoordinatorResumesAfterRestart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.announce(t)
	h.dstFaulty.FailNext()
	if _, err := h.coord.Deposit(ctx, s.ID); err == nil {
		t.Fatalf("expected failed destination deposit")
	}

	restarted := h.newCoordinator(t)
	resumed, err := restarted.Deposit(ctx, s.ID)
	if err != nil {
		t.Fatalf("resume deposit: %v", err)
	}
	if resumed.Phase != PhaseDeposited {
		t.Fatalf("expected deposited, got %s", resumed.Phase)
	}
	if h.bal(h.srcLedger, "SRC", "maker") != 900 {
		t.Fatalf("source leg funded twice: maker=%d", h.bal(h.srcLedger, "SRC", "maker"))
	}
}

func TestCoordinatorAdoptsEscrowCreatedBeforeCrash(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.announce(t)

	// A previous process created the source escrow but died before saving
	// its id on the session.
	params := htlc.CreateParams{
		Role:          htlc.RoleSource,
		Maker:         s.Source.Maker,
		Resolver:      s.Source.Resolver,
		Token:         s.Source.Token,
		Amount:        s.Source.Amount,
		Hashlock:      s.Hashlock,
		WithdrawAfter: s.Source.WithdrawAfter,
		CancelAfter:   s.Source.CancelAfter,
		Salt:          legSalt(s.ID, htlc.RoleSource),
	}
	orphan, err := h.src.Create(ctx, params)
	if err != nil {
		t.Fatalf("create orphan: %v", err)
	}

	deposited := h.deposit(t, s.ID)
	if deposited.SourceEscrowID != orphan.ID {
		t.Fatalf("expected adoption of %s, got %s", orphan.ID, deposited.SourceEscrowID)
	}
	views, _ := h.src.List(htlc.Filter{})
	if len(views) != 1 {
		t.Fatalf("expected a single source escrow, got %d", len(views))
	}
}

func TestCoordinatorMakerHeldSecret(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	secret := []byte("maker chosen secret value 123456")
	s, err := h.coord.Announce(ctx, AnnounceRequest{Order: testOrder(), Hashlock: hashlock.Commit(secret)})
	if err != nil {
		t.Fatalf("announce: %v", err)
	}
	if s.SecretMode != SecretMakerHeld {
		t.Fatalf("expected maker held mode")
	}
	h.deposit(t, s.ID)
	h.clock.Advance(30 * time.Minute)
	if _, err := h.coord.Withdraw(ctx, s.ID); !errors.Is(err, ErrSecretUnavailable) {
		t.Fatalf("expected secret unavailable, got %v", err)
	}
	if err := h.coord.SubmitSecret(ctx, s.ID, []byte("nope")); !errors.Is(err, htlc.ErrInvalidSecret) {
		t.Fatalf("expected invalid secret, got %v", err)
	}
	if err := h.coord.SubmitSecret(ctx, s.ID, secret); err != nil {
		t.Fatalf("submit secret: %v", err)
	}
	h.clock.Advance(30 * time.Minute)
	done, err := h.coord.Withdraw(ctx, s.ID)
	if err != nil || done.Phase != PhaseCompleted {
		t.Fatalf("expected completed swap, got %v %v", done, err)
	}
}

func TestCoordinatorPicksUpThirdPartyClaim(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.deposit(t, h.announce(t).ID)
	secret, err := h.vault.GetSecret(s.ID)
	if err != nil {
		t.Fatalf("vault: %v", err)
	}

	h.clock.Advance(45 * time.Minute)
	if _, err := h.dst.Claim(ctx, "maker-dst", s.DestinationEscrowID, secret); err != nil {
		t.Fatalf("maker claim: %v", err)
	}
	h.clock.Advance(15 * time.Minute)
	done, err := h.coord.Withdraw(ctx, s.ID)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if done.Phase != PhaseCompleted {
		t.Fatalf("expected completed, got %s", done.Phase)
	}
}

func TestCoordinatorWrongPhase(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.announce(t)
	if _, err := h.coord.Withdraw(ctx, s.ID); !errors.Is(err, ErrWrongPhase) {
		t.Fatalf("expected wrong phase, got %v", err)
	}
	if _, err := h.coord.Recover(ctx, s.ID); !errors.Is(err, ErrWrongPhase) {
		t.Fatalf("expected wrong phase while grace runs, got %v", err)
	}
	if _, err := h.coord.Deposit(ctx, "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCoordinatorRejectsUnknownChain(t *testing.T) {
	h := newHarness(t)
	order := testOrder()
	order.DstChain = "btc"
	if _, err := h.coord.Announce(context.Background(), AnnounceRequest{Order: order}); !errors.Is(err, orders.ErrInvalidOrder) {
		t.Fatalf("expected invalid order, got %v", err)
	}
}

func TestCoordinatorTickSkipsTerminalSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.announce(t)
	b := h.announce(t)
	if err := h.coord.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	for _, id := range []string{a.ID, b.ID} {
		s, _ := h.coord.Get(ctx, id)
		if s.Phase != PhaseDeposited {
			t.Fatalf("tick should deposit %s, got %s", id, s.Phase)
		}
	}
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := h.coord.Run(cancelled); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled run, got %v", err)
	}
}

func TestCoordinatorEmitsPhaseEvents(t *testing.T) {
	var (
		mu     sync.Mutex
		phases []string
	)
	sink := events.EmitterFunc(func(evt events.Event) {
		rec, ok := events.Record(evt)
		if !ok || rec.Type != EventTypeSessionPhase {
			return
		}
		if _, leaked := rec.Attributes["secret"]; leaked {
			t.Errorf("phase event must not carry the secret")
		}
		mu.Lock()
		phases = append(phases, rec.Attr("phase"))
		mu.Unlock()
	})
	h := newHarness(t, WithEmitter(sink))
	s := h.announce(t)
	h.deposit(t, s.ID)

	mu.Lock()
	defer mu.Unlock()
	if len(phases) != 2 || phases[0] != "announced" || phases[1] != "deposited" {
		t.Fatalf("unexpected phase events %v", phases)
	}
}

func TestSessionLocksAreReleased(t *testing.T) {
	h := newHarness(t)
	s := h.announce(t)
	h.deposit(t, s.ID)
	if n := h.coord.locks.size(); n != 0 {
		t.Fatalf("expected no retained session locks, got %d", n)
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := h.coord.lockSession("shared")
			unlock()
		}()
	}
	wg.Wait()
	if n := h.coord.locks.size(); n != 0 {
		t.Fatalf("expected lock table to drain, got %d", n)
	}
}
