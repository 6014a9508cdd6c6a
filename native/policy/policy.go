// Package policy decides which callers may act on an escrow. The escrow
// engine consults it for every operation and never branches on modes itself.
package policy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"htlcswap/core/principal"
)

// ErrUnauthorized is wrapped by Check when a caller is rejected.
var ErrUnauthorized = errors.New("policy: unauthorized")

// Operation enumerates the escrow operations subject to authorization.
type Operation uint8

const (
	OpCreate Operation = iota
	OpDeposit
	OpClaim
	OpRefund
	OpReconcile
)

func (o Operation) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpDeposit:
		return "deposit"
	case OpClaim:
		return "claim"
	case OpRefund:
		return "refund"
	case OpReconcile:
		return "reconcile"
	default:
		return "unknown"
	}
}

// ResolverScope controls who may act as a resolver.
type ResolverScope uint8

const (
	// ResolverOpen lets any principal act as resolver.
	ResolverOpen ResolverScope = iota
	// ResolverWhitelisted requires the resolver to appear in the registry.
	ResolverWhitelisted
)

// DepositScope controls who may fund a source leg.
type DepositScope uint8

const (
	DepositMakerOrAuthorizedResolver DepositScope = iota
	DepositMakerOnly
)

// RefundScope controls who may trigger a refund after the cancel deadline.
type RefundScope uint8

const (
	RefundAnyoneAfterTimelock RefundScope = iota
	RefundDepositorOrResolverOnly
)

// ClaimScope controls who may present the secret.
type ClaimScope uint8

const (
	ClaimAnyoneWithSecret ClaimScope = iota
	ClaimRecipientOrResolver
)

// Config enumerates the policy modes. The zero value is the default policy:
// open resolvers, maker or resolver deposits, permissionless refunds after the
// cancel deadline and permissionless claims with the secret.
type Config struct {
	ResolverScope ResolverScope
	DepositScope  DepositScope
	RefundScope   RefundScope
	ClaimScope    ClaimScope
	// Operators may resolve transfers with unknown outcomes.
	Operators []string
}

// Subject is the view of an escrow the policy needs to decide.
type Subject struct {
	Maker     string
	Resolver  string
	Depositor string
	Recipient string
	// Destination is true for the leg funded by the resolver.
	Destination bool
}

// Policy couples a Config with the resolver registry.
type Policy struct {
	cfg       Config
	registry  *Registry
	operators map[string]struct{}
}

// New constructs a policy. A nil registry is treated as empty.
func New(cfg Config, registry *Registry) *Policy {
	if registry == nil {
		registry = NewRegistry()
	}
	ops := make(map[string]struct{}, len(cfg.Operators))
	for _, op := range cfg.Operators {
		if canonical := principal.Canonical(op); canonical != "" {
			ops[canonical] = struct{}{}
		}
	}
	return &Policy{cfg: cfg, registry: registry, operators: ops}
}

// Default returns the default policy with an empty registry.
func Default() *Policy { return New(Config{}, nil) }

// Config returns the active configuration.
func (p *Policy) Config() Config { return p.cfg }

// Registry exposes the resolver registry.
func (p *Policy) Registry() *Registry { return p.registry }

// Allow reports whether caller may perform op on the escrow.
func (p *Policy) Allow(op Operation, caller string, esc Subject) bool {
	return p.Check(op, caller, esc) == nil
}

// Check is Allow with a reason attached to the rejection.
func (p *Policy) Check(op Operation, caller string, esc Subject) error {
	if p == nil {
		return fmt.Errorf("%w: policy not configured", ErrUnauthorized)
	}
	caller = strings.TrimSpace(caller)
	if caller == "" && op != OpCreate {
		return fmt.Errorf("%w: caller identity required", ErrUnauthorized)
	}
	switch op {
	case OpCreate:
		return p.requireResolver(esc.Resolver)
	case OpDeposit:
		return p.checkDeposit(caller, esc)
	case OpClaim:
		if p.cfg.ClaimScope == ClaimAnyoneWithSecret {
			return nil
		}
		if caller == esc.Recipient {
			return nil
		}
		if caller == esc.Resolver {
			return p.requireResolver(caller)
		}
		return fmt.Errorf("%w: only the recipient or resolver may claim", ErrUnauthorized)
	case OpRefund:
		if p.cfg.RefundScope == RefundAnyoneAfterTimelock {
			return nil
		}
		if caller == esc.Depositor {
			return nil
		}
		if caller == esc.Resolver {
			return p.requireResolver(caller)
		}
		return fmt.Errorf("%w: only the depositor or resolver may refund", ErrUnauthorized)
	case OpReconcile:
		if _, ok := p.operators[principal.Canonical(caller)]; ok {
			return nil
		}
		return fmt.Errorf("%w: %s is not an operator", ErrUnauthorized, caller)
	default:
		return fmt.Errorf("%w: unknown operation", ErrUnauthorized)
	}
}

func (p *Policy) checkDeposit(caller string, esc Subject) error {
	if esc.Destination {
		if caller != esc.Resolver {
			return fmt.Errorf("%w: destination legs are funded by their resolver", ErrUnauthorized)
		}
		return p.requireResolver(caller)
	}
	if caller == esc.Maker {
		return nil
	}
	if p.cfg.DepositScope == DepositMakerOnly {
		return fmt.Errorf("%w: only the maker may fund this leg", ErrUnauthorized)
	}
	if caller != esc.Resolver {
		return fmt.Errorf("%w: caller is neither maker nor resolver", ErrUnauthorized)
	}
	return p.requireResolver(caller)
}

func (p *Policy) requireResolver(resolver string) error {
	if p.cfg.ResolverScope == ResolverOpen {
		return nil
	}
	if p.registry.Contains(resolver) {
		return nil
	}
	return fmt.Errorf("%w: resolver %s is not whitelisted", ErrUnauthorized, resolver)
}

// Registry is the maintained set of whitelisted resolvers. Entries are kept in
// principal.Canonical form, so a lowercase EVM address matches the checksummed
// resolver an engine produces.
type Registry struct {
	mu        sync.RWMutex
	resolvers map[string]struct{}
}

// NewRegistry builds a registry seeded with resolvers.
func NewRegistry(resolvers ...string) *Registry {
	r := &Registry{resolvers: make(map[string]struct{}, len(resolvers))}
	for _, res := range resolvers {
		r.Add(res)
	}
	return r
}

// Add whitelists a resolver.
func (r *Registry) Add(resolver string) {
	resolver = principal.Canonical(resolver)
	if resolver == "" {
		return
	}
	r.mu.Lock()
	r.resolvers[resolver] = struct{}{}
	r.mu.Unlock()
}

// Remove revokes a resolver.
func (r *Registry) Remove(resolver string) {
	r.mu.Lock()
	delete(r.resolvers, principal.Canonical(resolver))
	r.mu.Unlock()
}

// Contains reports whether resolver is whitelisted.
func (r *Registry) Contains(resolver string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.resolvers[principal.Canonical(resolver)]
	return ok
}

// List returns the whitelisted resolvers in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.resolvers))
	for res := range r.resolvers {
		out = append(out, res)
	}
	sort.Strings(out)
	return out
}
