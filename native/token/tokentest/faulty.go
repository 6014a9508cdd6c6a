// Package tokentest provides transfer adapters with scripted failures for
// exercising escrow error paths.
package tokentest

import (
	"context"
	"errors"
	"sync"

	"htlcswap/native/token"
)

// ErrScripted is returned for scripted failed and unknown outcomes.
var ErrScripted = errors.New("tokentest: scripted transfer failure")

// Faulty wraps an adapter and replaces the next results with scripted
// outcomes. Scripted failures never reach the wrapped adapter; a scripted
// unknown does reach it when Apply is set, modelling a transfer that executed
// but whose confirmation was lost.
type Faulty struct {
	Inner token.Adapter

	mu    sync.Mutex
	queue []step
	calls int
}

type step struct {
	outcome token.Outcome
	apply   bool
}

// NewFaulty wraps inner.
func NewFaulty(inner token.Adapter) *Faulty { return &Faulty{Inner: inner} }

// FailNext queues a definitive failure.
func (f *Faulty) FailNext() { f.push(step{outcome: token.OutcomeFailed}) }

// UnknownNext queues an ambiguous outcome. When apply is true the underlying
// transfer still happens.
func (f *Faulty) UnknownNext(apply bool) { f.push(step{outcome: token.OutcomeUnknown, apply: apply}) }

// Calls reports how many transfers were attempted through the wrapper.
func (f *Faulty) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *Faulty) push(s step) {
	f.mu.Lock()
	f.queue = append(f.queue, s)
	f.mu.Unlock()
}

func (f *Faulty) next() (step, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.queue) == 0 {
		return step{}, false
	}
	s := f.queue[0]
	f.queue = f.queue[1:]
	return s, true
}

// TransferIn implements token.Adapter.
func (f *Faulty) TransferIn(ctx context.Context, t token.Transfer) (token.Receipt, error) {
	return f.do(ctx, t, f.Inner.TransferIn)
}

// TransferOut implements token.Adapter.
func (f *Faulty) TransferOut(ctx context.Context, t token.Transfer) (token.Receipt, error) {
	return f.do(ctx, t, f.Inner.TransferOut)
}

func (f *Faulty) do(ctx context.Context, t token.Transfer, call func(context.Context, token.Transfer) (token.Receipt, error)) (token.Receipt, error) {
	s, scripted := f.next()
	if !scripted {
		return call(ctx, t)
	}
	if s.outcome == token.OutcomeUnknown && s.apply {
		receipt, err := call(ctx, t)
		if err != nil {
			return receipt, err
		}
		return token.Receipt{Outcome: token.OutcomeUnknown, Reference: receipt.Reference}, ErrScripted
	}
	return token.Receipt{Outcome: s.outcome}, ErrScripted
}

// Forget passes through to the wrapped adapter when it remembers memos.
func (f *Faulty) Forget(memo []byte) {
	if inner, ok := f.Inner.(token.Forgetter); ok {
		inner.Forget(memo)
	}
}
