package token

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
)

// DefaultCustody is the account name holding escrowed balances on a Ledger.
const DefaultCustody = "escrow-custody"

// Ledger is an in-memory fungible token ledger. Every applied transfer bumps
// a block index which doubles as the receipt reference, and a memo that was
// already applied returns its original block instead of moving funds again.
type Ledger struct {
	mu       sync.Mutex
	custody  string
	balances map[string]map[string]*big.Int
	memos    map[string]uint64
	block    uint64
	tokens   map[string]struct{}
}

// NewLedger builds an empty ledger. When tokens is non-empty only those token
// identifiers are accepted.
func NewLedger(custody string, tokens ...string) *Ledger {
	if strings.TrimSpace(custody) == "" {
		custody = DefaultCustody
	}
	l := &Ledger{
		custody:  custody,
		balances: make(map[string]map[string]*big.Int),
		memos:    make(map[string]uint64),
	}
	if len(tokens) > 0 {
		l.tokens = make(map[string]struct{}, len(tokens))
		for _, tok := range tokens {
			l.tokens[strings.TrimSpace(tok)] = struct{}{}
		}
	}
	return l
}

// Custody returns the account holding escrowed funds.
func (l *Ledger) Custody() string { return l.custody }

// Mint credits amount to owner. Intended for development and tests.
func (l *Ledger) Mint(token, owner string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidTransfer
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkToken(token); err != nil {
		return err
	}
	l.credit(token, owner, amount)
	l.block++
	return nil
}

// Balance returns the balance of owner for token.
func (l *Ledger) Balance(token, owner string) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if bal, ok := l.balances[token][owner]; ok {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}

// BlockIndex reports the index of the last applied transfer.
func (l *Ledger) BlockIndex() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.block
}

// TransferIn implements Adapter.
func (l *Ledger) TransferIn(ctx context.Context, t Transfer) (Receipt, error) {
	return l.move(ctx, t, t.Principal, l.custody)
}

// TransferOut implements Adapter.
func (l *Ledger) TransferOut(ctx context.Context, t Transfer) (Receipt, error) {
	return l.move(ctx, t, l.custody, t.Principal)
}

func (l *Ledger) move(ctx context.Context, t Transfer, from, to string) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{Outcome: OutcomeFailed}, err
	}
	if err := t.Validate(); err != nil {
		return Receipt{Outcome: OutcomeFailed}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkToken(t.Token); err != nil {
		return Receipt{Outcome: OutcomeFailed}, err
	}
	memoKey := ""
	if len(t.Memo) > 0 {
		memoKey = t.Token + "/" + hex.EncodeToString(t.Memo)
		if idx, ok := l.memos[memoKey]; ok {
			return Receipt{Outcome: OutcomeSuccess, Reference: strconv.FormatUint(idx, 10)}, nil
		}
	}
	bal := l.balances[t.Token][from]
	if bal == nil || bal.Cmp(t.Amount) < 0 {
		return Receipt{Outcome: OutcomeFailed}, fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientFunds, from, balanceString(bal), t.Amount)
	}
	bal.Sub(bal, t.Amount)
	l.credit(t.Token, to, t.Amount)
	l.block++
	if memoKey != "" {
		l.memos[memoKey] = l.block
	}
	return Receipt{Outcome: OutcomeSuccess, Reference: strconv.FormatUint(l.block, 10)}, nil
}

func (l *Ledger) credit(token, owner string, amount *big.Int) {
	byOwner, ok := l.balances[token]
	if !ok {
		byOwner = make(map[string]*big.Int)
		l.balances[token] = byOwner
	}
	bal, ok := byOwner[owner]
	if !ok {
		bal = big.NewInt(0)
		byOwner[owner] = bal
	}
	bal.Add(bal, amount)
}

func (l *Ledger) checkToken(token string) error {
	if l.tokens == nil {
		return nil
	}
	if _, ok := l.tokens[token]; !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedToken, token)
	}
	return nil
}

func balanceString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
