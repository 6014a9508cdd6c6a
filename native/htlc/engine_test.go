package htlc

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"htlcswap/core/events"
	"htlcswap/core/hashlock"
	"htlcswap/core/principal"
	"htlcswap/core/types"
	"htlcswap/native/policy"
	"htlcswap/native/token"
	"htlcswap/native/token/tokentest"
)

const (
	testToken    = "USDC"
	testMaker    = "maker"
	testResolver = "resolver"
	testOperator = "ops"
)

type capturedEvents struct {
	mu     sync.Mutex
	events []*types.Event
}

func (c *capturedEvents) Emit(evt events.Event) {
	rec, ok := events.Record(evt)
	if !ok {
		return
	}
	c.mu.Lock()
	c.events = append(c.events, rec)
	c.mu.Unlock()
}

func (c *capturedEvents) kinds() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, evt := range c.events {
		out = append(out, evt.Type)
	}
	return out
}

type fixture struct {
	engine  *Engine
	ledger  *token.Ledger
	faulty  *tokentest.Faulty
	emitter *capturedEvents
	now     int64
	secret  []byte
	lock    hashlock.Hash
}

func newFixture(t *testing.T, cfg policy.Config, resolvers ...string) *fixture {
	t.Helper()
	f := &fixture{now: 1_000, emitter: &capturedEvents{}}
	f.ledger = token.NewLedger("custody", testToken)
	for _, owner := range []string{testMaker, testResolver, "bystander"} {
		if err := f.ledger.Mint(testToken, owner, big.NewInt(1_000)); err != nil {
			t.Fatalf("mint: %v", err)
		}
	}
	f.faulty = tokentest.NewFaulty(f.ledger)
	if cfg.Operators == nil {
		cfg.Operators = []string{testOperator}
	}
	f.engine = NewEngine("chain-a", f.faulty)
	f.engine.SetPolicy(policy.New(cfg, policy.NewRegistry(resolvers...)))
	f.engine.SetNowFunc(func() int64 { return f.now })
	f.engine.SetEmitter(f.emitter)
	f.secret = []byte("correct horse battery staple 32b")
	f.lock = hashlock.Commit(f.secret)
	return f
}

func (f *fixture) params(role Role) CreateParams {
	return CreateParams{
		Role:          role,
		Maker:         testMaker,
		Resolver:      testResolver,
		Token:         testToken,
		Amount:        big.NewInt(100),
		Hashlock:      f.lock,
		WithdrawAfter: 1_100,
		CancelAfter:   1_200,
	}
}

func (f *fixture) create(t *testing.T, role Role) *Escrow {
	t.Helper()
	esc, err := f.engine.Create(context.Background(), f.params(role))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return esc
}

func (f *fixture) deposited(t *testing.T, role Role) *Escrow {
	t.Helper()
	esc := f.create(t, role)
	funder := testMaker
	if role == RoleDestination {
		funder = testResolver
	}
	if _, err := f.engine.Deposit(context.Background(), funder, esc.ID); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	return esc
}

func (f *fixture) balance(owner string) int64 { return f.ledger.Balance(testToken, owner).Int64() }

func TestEngineSourceLegHappyPath(t *testing.T) {
	f := newFixture(t, policy.Config{})
	ctx := context.Background()
	esc := f.create(t, RoleSource)
	if esc.State != StateCreated {
		t.Fatalf("expected created, got %s", esc.State)
	}
	if f.balance("custody") != 0 {
		t.Fatalf("create must not move funds")
	}

	deposited, err := f.engine.Deposit(ctx, testMaker, esc.ID)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if deposited.State != StateDeposited || deposited.Depositor != testMaker {
		t.Fatalf("unexpected escrow after deposit: %+v", deposited)
	}
	if f.balance(testMaker) != 900 || f.balance("custody") != 100 {
		t.Fatalf("unexpected balances maker=%d custody=%d", f.balance(testMaker), f.balance("custody"))
	}

	f.now = 1_100
	withdrawn, err := f.engine.Claim(ctx, testResolver, esc.ID, f.secret)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if withdrawn.State != StateWithdrawn {
		t.Fatalf("expected withdrawn, got %s", withdrawn.State)
	}
	if f.balance(testResolver) != 1_100 || f.balance("custody") != 0 {
		t.Fatalf("unexpected balances resolver=%d custody=%d", f.balance(testResolver), f.balance("custody"))
	}

	view, err := f.engine.Get(esc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(view.RevealedSecret) != string(f.secret) {
		t.Fatalf("revealed secret not published: %x", view.RevealedSecret)
	}

	want := []string{EventTypeCreated, EventTypeDeposited, EventTypeWithdrawn}
	got := f.emitter.kinds()
	if len(got) != len(want) {
		t.Fatalf("unexpected events %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: want %s got %s", i, want[i], got[i])
		}
	}
}

func TestEngineViewHidesSecretUntilWithdrawn(t *testing.T) {
	f := newFixture(t, policy.Config{})
	esc := f.deposited(t, RoleSource)
	view, err := f.engine.Get(esc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(view.RevealedSecret) != 0 {
		t.Fatalf("secret leaked before withdrawal")
	}
}

func TestEngineClaimWrongSecretLeavesEscrow(t *testing.T) {
	f := newFixture(t, policy.Config{})
	esc := f.deposited(t, RoleSource)
	f.now = 1_150
	_, err := f.engine.Claim(context.Background(), testResolver, esc.ID, []byte("wrong"))
	if !errors.Is(err, ErrInvalidSecret) {
		t.Fatalf("expected invalid secret, got %v", err)
	}
	view, _ := f.engine.Get(esc.ID)
	if view.State != StateDeposited {
		t.Fatalf("escrow changed on bad secret: %s", view.State)
	}
	if f.balance("custody") != 100 {
		t.Fatalf("funds moved on bad secret")
	}
}

func TestEngineTimelockBoundaries(t *testing.T) {
	f := newFixture(t, policy.Config{})
	ctx := context.Background()
	esc := f.deposited(t, RoleSource)

	f.now = 1_099
	if _, err := f.engine.Claim(ctx, testResolver, esc.ID, f.secret); !errors.Is(err, ErrNotYetWithdrawable) {
		t.Fatalf("expected not yet withdrawable, got %v", err)
	}
	f.now = 1_199
	if _, err := f.engine.Refund(ctx, testMaker, esc.ID); !errors.Is(err, ErrTooEarly) {
		t.Fatalf("expected too early, got %v", err)
	}
	f.now = 1_200
	if _, err := f.engine.Claim(ctx, testResolver, esc.ID, f.secret); !errors.Is(err, ErrWithdrawalWindowClosed) {
		t.Fatalf("expected window closed, got %v", err)
	}
	refunded, err := f.engine.Refund(ctx, "bystander", esc.ID)
	if err != nil {
		t.Fatalf("refund at cancel deadline: %v", err)
	}
	if refunded.State != StateRefunded {
		t.Fatalf("expected refunded, got %s", refunded.State)
	}
	if f.balance(testMaker) != 1_000 || f.balance("bystander") != 1_000 {
		t.Fatalf("refund must pay the depositor: maker=%d bystander=%d", f.balance(testMaker), f.balance("bystander"))
	}
	if _, err := f.engine.Refund(ctx, testMaker, esc.ID); !errors.Is(err, ErrWrongState) {
		t.Fatalf("expected wrong state on second refund, got %v", err)
	}
	if _, err := f.engine.Claim(ctx, testResolver, esc.ID, f.secret); !errors.Is(err, ErrWrongState) {
		t.Fatalf("expected wrong state on claim after refund, got %v", err)
	}
}

func TestEngineDepositChecks(t *testing.T) {
	f := newFixture(t, policy.Config{})
	ctx := context.Background()
	esc := f.deposited(t, RoleSource)
	if _, err := f.engine.Deposit(ctx, testMaker, esc.ID); !errors.Is(err, ErrAlreadyDeposited) {
		t.Fatalf("expected already deposited, got %v", err)
	}
	if _, err := f.engine.Deposit(ctx, "bystander", esc.ID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized before state check, got %v", err)
	}
	if _, err := f.engine.Deposit(ctx, testMaker, EscrowID{0x01}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if f.balance(testMaker) != 900 {
		t.Fatalf("double deposit moved funds")
	}
}

func TestEngineResolverMayFundSourceLeg(t *testing.T) {
	f := newFixture(t, policy.Config{})
	esc := f.create(t, RoleSource)
	deposited, err := f.engine.Deposit(context.Background(), testResolver, esc.ID)
	if err != nil {
		t.Fatalf("deposit by resolver: %v", err)
	}
	if deposited.Depositor != testResolver {
		t.Fatalf("depositor not recorded: %s", deposited.Depositor)
	}

	strict := newFixture(t, policy.Config{DepositScope: policy.DepositMakerOnly})
	other := strict.create(t, RoleSource)
	if _, err := strict.engine.Deposit(context.Background(), testResolver, other.ID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected maker-only deposit, got %v", err)
	}
}

func TestEngineDestinationLeg(t *testing.T) {
	f := newFixture(t, policy.Config{})
	ctx := context.Background()
	esc := f.create(t, RoleDestination)
	if _, err := f.engine.Deposit(ctx, testMaker, esc.ID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("maker must not fund the destination leg, got %v", err)
	}
	if _, err := f.engine.Deposit(ctx, testResolver, esc.ID); err != nil {
		t.Fatalf("resolver deposit: %v", err)
	}
	f.now = 1_100
	if _, err := f.engine.Claim(ctx, testMaker, esc.ID, f.secret); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if f.balance(testMaker) != 1_100 || f.balance(testResolver) != 900 {
		t.Fatalf("destination claim must pay the maker: maker=%d resolver=%d", f.balance(testMaker), f.balance(testResolver))
	}
}

func TestEngineRestrictedClaimAndRefund(t *testing.T) {
	f := newFixture(t, policy.Config{
		ClaimScope:  policy.ClaimRecipientOrResolver,
		RefundScope: policy.RefundDepositorOrResolverOnly,
	})
	ctx := context.Background()
	esc := f.deposited(t, RoleSource)
	f.now = 1_150
	if _, err := f.engine.Claim(ctx, "bystander", esc.ID, f.secret); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized claim, got %v", err)
	}
	other := f.deposited(t, RoleSource)
	f.now = 1_250
	if _, err := f.engine.Refund(ctx, "bystander", other.ID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized refund, got %v", err)
	}
	if _, err := f.engine.Refund(ctx, testResolver, other.ID); err != nil {
		t.Fatalf("resolver refund: %v", err)
	}
	if f.balance(testMaker) != 900 {
		t.Fatalf("resolver refund must pay depositor: maker=%d", f.balance(testMaker))
	}
}

func TestEngineWhitelistedResolver(t *testing.T) {
	f := newFixture(t, policy.Config{ResolverScope: policy.ResolverWhitelisted})
	if _, err := f.engine.Create(context.Background(), f.params(RoleSource)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unlisted resolver to be rejected, got %v", err)
	}
	f.engine.policy.Registry().Add(testResolver)
	f.create(t, RoleSource)
}

func TestEngineWhitelistMatchesChecksummedResolver(t *testing.T) {
	const (
		maker    = "0xfb6916095ca1df60bb79ce92ce3ea74c37c5d359"
		resolver = "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"
	)
	ledger := token.NewLedger("custody", testToken)
	if err := ledger.Mint(testToken, "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", big.NewInt(1_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	engine := NewEngine("evm-a", ledger)
	engine.SetScheme(principal.EVM{})
	engine.SetPolicy(policy.New(policy.Config{ResolverScope: policy.ResolverWhitelisted}, policy.NewRegistry(resolver)))
	engine.SetNowFunc(func() int64 { return 1_000 })

	esc, err := engine.Create(context.Background(), CreateParams{
		Role:          RoleDestination,
		Maker:         maker,
		Resolver:      resolver,
		Token:         testToken,
		Amount:        big.NewInt(10),
		Hashlock:      hashlock.Commit([]byte("evm secret")),
		WithdrawAfter: 1_100,
		CancelAfter:   1_200,
	})
	if err != nil {
		t.Fatalf("create with lowercase whitelist: %v", err)
	}
	if esc.Resolver != "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed" {
		t.Fatalf("resolver not checksummed: %s", esc.Resolver)
	}
	if _, err := engine.Deposit(context.Background(), resolver, esc.ID); err != nil {
		t.Fatalf("deposit by whitelisted resolver: %v", err)
	}
}

func TestEngineCreateValidation(t *testing.T) {
	f := newFixture(t, policy.Config{})
	overflow := new(big.Int).Lsh(big.NewInt(1), 256)
	cases := []struct {
		name   string
		mutate func(*CreateParams)
		want   error
	}{
		{"nil amount", func(p *CreateParams) { p.Amount = nil }, ErrInvalidAmount},
		{"zero amount", func(p *CreateParams) { p.Amount = big.NewInt(0) }, ErrInvalidAmount},
		{"negative amount", func(p *CreateParams) { p.Amount = big.NewInt(-5) }, ErrInvalidAmount},
		{"overflow amount", func(p *CreateParams) { p.Amount = overflow }, ErrInvalidAmount},
		{"equal timelocks", func(p *CreateParams) { p.CancelAfter = p.WithdrawAfter }, ErrInvalidTimelockOrdering},
		{"inverted timelocks", func(p *CreateParams) { p.CancelAfter = p.WithdrawAfter - 1 }, ErrInvalidTimelockOrdering},
		{"zero hashlock", func(p *CreateParams) { p.Hashlock = hashlock.Hash{} }, ErrInvalidHashlock},
		{"bad role", func(p *CreateParams) { p.Role = Role(9) }, ErrInvalidTerms},
		{"empty token", func(p *CreateParams) { p.Token = " " }, ErrInvalidTerms},
		{"empty maker", func(p *CreateParams) { p.Maker = "" }, ErrInvalidTerms},
		{"self swap", func(p *CreateParams) { p.Resolver = p.Maker }, ErrInvalidTerms},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := f.params(RoleSource)
			tc.mutate(&p)
			if _, err := f.engine.Create(context.Background(), p); !errors.Is(err, tc.want) {
				t.Fatalf("want %v, got %v", tc.want, err)
			}
		})
	}
}

func TestEngineCreateWithSaltIsDeterministic(t *testing.T) {
	f := newFixture(t, policy.Config{})
	p := f.params(RoleSource)
	p.Salt = [32]byte{0x42}
	esc, err := f.engine.Create(context.Background(), p)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if esc.ID != DeriveID("chain-a", p) {
		t.Fatalf("id mismatch")
	}
	if _, err := f.engine.Create(context.Background(), p); !errors.Is(err, ErrEscrowExists) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}
	p.Salt = [32]byte{}
	a, _ := f.engine.Create(context.Background(), p)
	b, _ := f.engine.Create(context.Background(), p)
	if a == nil || b == nil || a.ID == b.ID {
		t.Fatalf("random salts must produce distinct ids")
	}
}

func TestEngineConcurrentClaimsSingleWinner(t *testing.T) {
	f := newFixture(t, policy.Config{})
	esc := f.deposited(t, RoleSource)
	f.now = 1_150

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Claim(context.Background(), testResolver, esc.ID, f.secret)
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrWrongState) {
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()
	if successes != 1 {
		t.Fatalf("expected exactly one claim to win, got %d", successes)
	}
	if f.balance(testResolver) != 1_100 {
		t.Fatalf("recipient paid more than once: %d", f.balance(testResolver))
	}
}

func TestEngineConcurrentDepositsSingleWinner(t *testing.T) {
	f := newFixture(t, policy.Config{})
	esc := f.create(t, RoleSource)
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Deposit(context.Background(), testMaker, esc.ID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	ok := 0
	for err := range errs {
		if err == nil {
			ok++
		} else if !errors.Is(err, ErrAlreadyDeposited) {
			t.Fatalf("unexpected error %v", err)
		}
	}
	if ok != 1 || f.balance("custody") != 100 {
		t.Fatalf("expected a single deposit, got %d successes custody=%d", ok, f.balance("custody"))
	}
}

func TestEngineTransferFailureIsRetryable(t *testing.T) {
	f := newFixture(t, policy.Config{})
	esc := f.create(t, RoleSource)
	f.faulty.FailNext()
	_, err := f.engine.Deposit(context.Background(), testMaker, esc.ID)
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected transfer failure, got %v", err)
	}
	if Classify(err) != DispositionRetry {
		t.Fatalf("expected retry disposition, got %s", Classify(err))
	}
	view, _ := f.engine.Get(esc.ID)
	if view.State != StateCreated {
		t.Fatalf("failed transfer changed state to %s", view.State)
	}
	if _, err := f.engine.Deposit(context.Background(), testMaker, esc.ID); err != nil {
		t.Fatalf("retry deposit: %v", err)
	}
}

func TestEngineInsufficientFunds(t *testing.T) {
	f := newFixture(t, policy.Config{})
	p := f.params(RoleSource)
	p.Amount = big.NewInt(5_000)
	esc, err := f.engine.Create(context.Background(), p)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = f.engine.Deposit(context.Background(), testMaker, esc.ID)
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected transfer failure, got %v", err)
	}
}

func TestEngineUnknownOutcomeConfirmedByOperator(t *testing.T) {
	f := newFixture(t, policy.Config{})
	ctx := context.Background()
	esc := f.create(t, RoleSource)
	f.faulty.UnknownNext(true)
	_, err := f.engine.Deposit(ctx, testMaker, esc.ID)
	if !errors.Is(err, ErrReconciliationRequired) || !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected reconciliation required, got %v", err)
	}
	if Classify(err) != DispositionReconcile {
		t.Fatalf("expected reconcile disposition, got %s", Classify(err))
	}
	view, _ := f.engine.Get(esc.ID)
	if !view.PendingReconciliation || view.State != StateCreated {
		t.Fatalf("unexpected view %+v", view)
	}
	if _, err := f.engine.Deposit(ctx, testMaker, esc.ID); !errors.Is(err, ErrReconciliationRequired) {
		t.Fatalf("pending escrow must be frozen, got %v", err)
	}
	if _, err := f.engine.Reconcile(ctx, testMaker, esc.ID, true, ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected non-operator rejection, got %v", err)
	}
	reconciled, err := f.engine.Reconcile(ctx, testOperator, esc.ID, true, "")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if reconciled.State != StateDeposited || reconciled.Depositor != testMaker || reconciled.Pending != nil {
		t.Fatalf("unexpected escrow after reconcile: %+v", reconciled)
	}
	if _, err := f.engine.Reconcile(ctx, testOperator, esc.ID, true, ""); !errors.Is(err, ErrNoPendingTransfer) {
		t.Fatalf("expected no pending transfer, got %v", err)
	}
	found := false
	for _, typ := range f.emitter.kinds() {
		if typ == EventTypeReconciliationRequired {
			found = true
		}
	}
	if !found {
		t.Fatalf("reconciliation event not emitted: %v", f.emitter.kinds())
	}
}

type forgettingAdapter struct {
	*tokentest.Faulty
	forgotten [][]byte
}

func (a *forgettingAdapter) Forget(memo []byte) {
	a.forgotten = append(a.forgotten, append([]byte(nil), memo...))
}

func TestEngineRejectedReconcileForgetsMemo(t *testing.T) {
	f := newFixture(t, policy.Config{})
	adapter := &forgettingAdapter{Faulty: f.faulty}
	f.engine.adapter = adapter
	ctx := context.Background()
	esc := f.create(t, RoleSource)

	f.faulty.UnknownNext(false)
	if _, err := f.engine.Deposit(ctx, testMaker, esc.ID); !errors.Is(err, ErrReconciliationRequired) {
		t.Fatalf("expected reconciliation required, got %v", err)
	}
	if _, err := f.engine.Reconcile(ctx, testOperator, esc.ID, false, ""); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if len(adapter.forgotten) != 1 || string(adapter.forgotten[0]) != string(transferMemo(esc.ID, policy.OpDeposit)) {
		t.Fatalf("expected deposit memo to be forgotten, got %x", adapter.forgotten)
	}
	if _, err := f.engine.Deposit(ctx, testMaker, esc.ID); err != nil {
		t.Fatalf("retry after rejected reconcile: %v", err)
	}
}

func TestEngineUnknownClaimRejectedThenRetried(t *testing.T) {
	f := newFixture(t, policy.Config{})
	ctx := context.Background()
	esc := f.deposited(t, RoleSource)
	f.now = 1_150
	f.faulty.UnknownNext(false)
	if _, err := f.engine.Claim(ctx, testResolver, esc.ID, f.secret); !errors.Is(err, ErrReconciliationRequired) {
		t.Fatalf("expected reconciliation required, got %v", err)
	}
	reconciled, err := f.engine.Reconcile(ctx, testOperator, esc.ID, false, "")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if reconciled.State != StateDeposited || len(reconciled.RevealedSecret) != 0 {
		t.Fatalf("rejected reconcile must restore prior state: %+v", reconciled)
	}
	if _, err := f.engine.Claim(ctx, testResolver, esc.ID, f.secret); err != nil {
		t.Fatalf("claim after reconcile: %v", err)
	}
	if f.balance(testResolver) != 1_100 {
		t.Fatalf("unexpected resolver balance %d", f.balance(testResolver))
	}
}

func TestEngineUnknownClaimConfirmedPublishesSecret(t *testing.T) {
	f := newFixture(t, policy.Config{})
	ctx := context.Background()
	esc := f.deposited(t, RoleSource)
	f.now = 1_150
	f.faulty.UnknownNext(true)
	if _, err := f.engine.Claim(ctx, testResolver, esc.ID, f.secret); !errors.Is(err, ErrReconciliationRequired) {
		t.Fatalf("expected reconciliation required, got %v", err)
	}
	if _, err := f.engine.Reconcile(ctx, testOperator, esc.ID, true, ""); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	view, _ := f.engine.Get(esc.ID)
	if view.State != StateWithdrawn || string(view.RevealedSecret) != string(f.secret) {
		t.Fatalf("unexpected view %+v", view)
	}
}

func TestEngineList(t *testing.T) {
	f := newFixture(t, policy.Config{})
	f.create(t, RoleSource)
	f.deposited(t, RoleDestination)
	all, err := f.engine.List(Filter{})
	if err != nil || len(all) != 2 {
		t.Fatalf("list: %v %d", err, len(all))
	}
	state := StateDeposited
	filtered, _ := f.engine.List(Filter{State: &state})
	if len(filtered) != 1 || filtered[0].Role != RoleDestination {
		t.Fatalf("unexpected filtered list %+v", filtered)
	}
	limited, _ := f.engine.List(Filter{Limit: 1})
	if len(limited) != 1 {
		t.Fatalf("limit not honoured")
	}
}

func TestEngineNilAdapter(t *testing.T) {
	e := NewEngine("chain-a", nil)
	if _, err := e.Deposit(context.Background(), testMaker, EscrowID{1}); !errors.Is(err, errNilAdapter) {
		t.Fatalf("expected nil adapter error, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Disposition
	}{
		{nil, DispositionNone},
		{ErrNotYetWithdrawable, DispositionWait},
		{ErrTooEarly, DispositionWait},
		{ErrInvalidSecret, DispositionAbandon},
		{ErrWithdrawalWindowClosed, DispositionAbandon},
		{ErrWrongState, DispositionAbandon},
		{ErrTransferFailed, DispositionRetry},
		{errors.Join(ErrReconciliationRequired, ErrTransferFailed), DispositionReconcile},
		{errors.New("disk full"), DispositionRetry},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
	if Kind(ErrTooEarly) != "TooEarly" || Kind(errors.New("x")) != "Internal" {
		t.Fatalf("unexpected kinds")
	}
}
