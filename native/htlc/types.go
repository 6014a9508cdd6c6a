package htlc

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"htlcswap/core/hashlock"
	"htlcswap/native/policy"
)

// EscrowID identifies one escrow leg. It is the keccak256 digest of the
// escrow terms and a salt, so identifiers never depend on wall-clock time.
type EscrowID [32]byte

// IsZero reports whether the identifier is unset.
func (id EscrowID) IsZero() bool { return id == EscrowID{} }

func (id EscrowID) Hex() string { return "0x" + hex.EncodeToString(id[:]) }

func (id EscrowID) String() string { return id.Hex() }

// MarshalText implements encoding.TextMarshaler.
func (id EscrowID) MarshalText() ([]byte, error) { return []byte(id.Hex()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *EscrowID) UnmarshalText(text []byte) error {
	parsed, err := ParseEscrowID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseEscrowID decodes a 32-byte hex identifier with optional 0x prefix.
func ParseEscrowID(value string) (EscrowID, error) {
	var id EscrowID
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(value), "0x"))
	if err != nil || len(raw) != len(id) {
		return id, fmt.Errorf("%w: %q", ErrInvalidID, value)
	}
	copy(id[:], raw)
	return id, nil
}

// Role identifies which side of a swap an escrow represents.
type Role uint8

const (
	RoleSource Role = iota
	RoleDestination
)

func (r Role) Valid() bool { return r == RoleSource || r == RoleDestination }

func (r Role) String() string {
	switch r {
	case RoleSource:
		return "source"
	case RoleDestination:
		return "destination"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParseRole maps "source"/"src" and "destination"/"dst" onto a Role.
func ParseRole(value string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "source", "src":
		return RoleSource, nil
	case "destination", "dst":
		return RoleDestination, nil
	default:
		return 0, fmt.Errorf("htlc: unknown role %q", value)
	}
}

// State is the lifecycle of an escrow. Transitions are one-directional:
// Created -> Deposited -> (Withdrawn | Refunded).
type State uint8

const (
	StateCreated State = iota
	StateDeposited
	StateWithdrawn
	StateRefunded
)

func (s State) Valid() bool { return s <= StateRefunded }

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateWithdrawn || s == StateRefunded }

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateDeposited:
		return "deposited"
	case StateWithdrawn:
		return "withdrawn"
	case StateRefunded:
		return "refunded"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	for _, candidate := range []State{StateCreated, StateDeposited, StateWithdrawn, StateRefunded} {
		if candidate.String() == strings.ToLower(strings.TrimSpace(string(text))) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("htlc: unknown state %q", text)
}

// PendingTransfer marks an escrow whose last transfer returned an unknown
// outcome. The escrow is frozen until an operator reconciles it.
type PendingTransfer struct {
	Op        policy.Operation
	Caller    string
	Reference string
	Secret    []byte
	At        int64
}

// Escrow captures one leg of a swap on one chain.
type Escrow struct {
	ID             EscrowID
	Chain          string
	Role           Role
	Maker          string
	Resolver       string
	Token          string
	Amount         *big.Int
	Hashlock       hashlock.Hash
	WithdrawAfter  int64
	CancelAfter    int64
	State          State
	Depositor      string
	RevealedSecret []byte
	DepositRef     string
	PayoutRef      string
	CreatedAt      int64
	UpdatedAt      int64
	Pending        *PendingTransfer
}

// Funder is the principal expected to fund the leg: the maker on the source
// chain, the resolver on the destination chain.
func (e *Escrow) Funder() string {
	if e.Role == RoleDestination {
		return e.Resolver
	}
	return e.Maker
}

// Recipient is the principal paid on a successful claim.
func (e *Escrow) Recipient() string {
	if e.Role == RoleDestination {
		return e.Maker
	}
	return e.Resolver
}

// Clone returns a deep copy of the escrow object so callers can safely mutate
// the copy without affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Amount != nil {
		clone.Amount = new(big.Int).Set(e.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	clone.RevealedSecret = append([]byte(nil), e.RevealedSecret...)
	if e.Pending != nil {
		pending := *e.Pending
		pending.Secret = append([]byte(nil), e.Pending.Secret...)
		clone.Pending = &pending
	}
	return &clone
}

func (e *Escrow) subject() policy.Subject {
	depositor := e.Depositor
	if depositor == "" {
		depositor = e.Funder()
	}
	return policy.Subject{
		Maker:       e.Maker,
		Resolver:    e.Resolver,
		Depositor:   depositor,
		Recipient:   e.Recipient(),
		Destination: e.Role == RoleDestination,
	}
}

// View is the read-only projection returned to callers. The revealed secret is
// present only once the escrow has been withdrawn.
type View struct {
	ID                    EscrowID      `json:"id"`
	Chain                 string        `json:"chain"`
	Role                  Role          `json:"role"`
	Maker                 string        `json:"maker"`
	Resolver              string        `json:"resolver"`
	Recipient             string        `json:"recipient"`
	Depositor             string        `json:"depositor,omitempty"`
	Token                 string        `json:"token"`
	Amount                string        `json:"amount"`
	Hashlock              hashlock.Hash `json:"hashlock"`
	WithdrawAfter         int64         `json:"withdrawAfter"`
	CancelAfter           int64         `json:"cancelAfter"`
	State                 State         `json:"state"`
	RevealedSecret        hexutil.Bytes `json:"revealedSecret,omitempty"`
	DepositRef            string        `json:"depositRef,omitempty"`
	PayoutRef             string        `json:"payoutRef,omitempty"`
	PendingReconciliation bool          `json:"pendingReconciliation"`
	CreatedAt             int64         `json:"createdAt"`
	UpdatedAt             int64         `json:"updatedAt"`
}

// NewView projects an escrow for external consumption.
func NewView(e *Escrow) View {
	v := View{
		ID:                    e.ID,
		Chain:                 e.Chain,
		Role:                  e.Role,
		Maker:                 e.Maker,
		Resolver:              e.Resolver,
		Recipient:             e.Recipient(),
		Depositor:             e.Depositor,
		Token:                 e.Token,
		Amount:                amountString(e.Amount),
		Hashlock:              e.Hashlock,
		WithdrawAfter:         e.WithdrawAfter,
		CancelAfter:           e.CancelAfter,
		State:                 e.State,
		DepositRef:            e.DepositRef,
		PayoutRef:             e.PayoutRef,
		PendingReconciliation: e.Pending != nil,
		CreatedAt:             e.CreatedAt,
		UpdatedAt:             e.UpdatedAt,
	}
	if e.State == StateWithdrawn && len(e.RevealedSecret) > 0 {
		v.RevealedSecret = append(hexutil.Bytes(nil), e.RevealedSecret...)
	}
	return v
}

// CreateParams are the terms of a new escrow.
type CreateParams struct {
	Role          Role
	Maker         string
	Resolver      string
	Token         string
	Amount        *big.Int
	Hashlock      hashlock.Hash
	WithdrawAfter int64
	CancelAfter   int64
	// Salt makes the identifier unique. A zero salt is replaced with random
	// bytes; callers needing a reproducible id pass their own.
	Salt [32]byte
}

// Filter narrows List results.
type Filter struct {
	State *State
	Role  *Role
	Limit int
}

func (f Filter) match(e *Escrow) bool {
	if f.State != nil && e.State != *f.State {
		return false
	}
	if f.Role != nil && e.Role != *f.Role {
		return false
	}
	return true
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
