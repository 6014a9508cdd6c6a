package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"htlcswap/native/htlc"
	"htlcswap/observability"
)

// Step advances one session by observing its legs. Conditions that only
// need time to pass return nil; the next step retries them.
func (c *Coordinator) Step(ctx context.Context, id string) (*Session, error) {
	start := time.Now()
	s, err := c.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	step := s.Phase.String()
	defer func() { observability.Coordinator().ObserveStep(step, time.Since(start)) }()

	switch s.Phase {
	case PhaseCompleted, PhaseRecovered:
		return s, nil
	case PhaseAnnounced:
		if s.Abandoned || c.nowFn().Unix() > s.DepositDeadline {
			return c.settle(ctx, id, c.Recover)
		}
		next, err := c.Deposit(ctx, id)
		if errors.Is(err, ErrDepositGraceExpired) {
			return c.settle(ctx, id, c.Recover)
		}
		return c.settleResult(ctx, id, next, err)
	case PhaseDeposited, PhaseSecretRevealed:
		next, err := c.Withdraw(ctx, id)
		if err == nil {
			return next, nil
		}
		if htlc.Classify(err) == htlc.DispositionWait {
			return c.Get(ctx, id)
		}
		if errors.Is(err, ErrSecretUnavailable) || htlc.Classify(err) == htlc.DispositionAbandon {
			c.logger.Warn("coordinator: withdrawal not possible, trying recovery", "session", id, "error", err)
			return c.settle(ctx, id, c.Recover)
		}
		return nil, err
	default:
		return nil, fmt.Errorf("%w: %s", ErrWrongPhase, s.Phase)
	}
}

func (c *Coordinator) settle(ctx context.Context, id string, op func(context.Context, string) (*Session, error)) (*Session, error) {
	next, err := op(ctx, id)
	return c.settleResult(ctx, id, next, err)
}

func (c *Coordinator) settleResult(ctx context.Context, id string, next *Session, err error) (*Session, error) {
	if err != nil && htlc.Classify(err) == htlc.DispositionWait {
		return c.Get(ctx, id)
	}
	return next, err
}

// Run steps every non-terminal session each PollInterval until ctx is
// cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	c.logger.Info("coordinator: started", "chains", len(c.chains), "poll_interval", c.pollInterval.String())
	for {
		if err := c.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("coordinator: tick error", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick performs a single pass over all active sessions.
func (c *Coordinator) Tick(ctx context.Context) error {
	sessions, err := c.store.ListSessions(ctx, true)
	if err != nil {
		return fmt.Errorf("coordinator: list sessions: %w", err)
	}
	observability.Coordinator().SetActive(len(sessions))
	for _, s := range sessions {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := c.Step(ctx, s.ID); err != nil {
			c.logger.Warn("coordinator: step failed", "session", s.ID, "phase", s.Phase.String(),
				"disposition", htlc.Classify(err).String(), "error", err)
		}
	}
	return nil
}
