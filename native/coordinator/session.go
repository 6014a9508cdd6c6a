package coordinator

import (
	"fmt"
	"math/big"
	"strings"

	"htlcswap/core/hashlock"
	"htlcswap/native/htlc"
	"htlcswap/native/orders"
)

// Phase is the position of a session in the swap protocol.
type Phase uint8

const (
	PhaseAnnounced Phase = iota
	PhaseDeposited
	PhaseSecretRevealed
	PhaseCompleted
	PhaseRecovered
)

func (p Phase) String() string {
	switch p {
	case PhaseAnnounced:
		return "announced"
	case PhaseDeposited:
		return "deposited"
	case PhaseSecretRevealed:
		return "secret_revealed"
	case PhaseCompleted:
		return "completed"
	case PhaseRecovered:
		return "recovered"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further progress is possible.
func (p Phase) Terminal() bool { return p == PhaseCompleted || p == PhaseRecovered }

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Phase) UnmarshalText(text []byte) error {
	parsed, err := ParsePhase(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePhase maps a phase name onto a Phase.
func ParsePhase(value string) (Phase, error) {
	for p := PhaseAnnounced; p <= PhaseRecovered; p++ {
		if p.String() == strings.ToLower(strings.TrimSpace(value)) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("coordinator: unknown phase %q", value)
}

// SecretMode records who holds the preimage.
type SecretMode uint8

const (
	// SecretGenerated: the coordinator generated the secret and keeps it in
	// its vault.
	SecretGenerated SecretMode = iota
	// SecretMakerHeld: the maker supplied only the hashlock and reveals the
	// secret later through SubmitSecret.
	SecretMakerHeld
)

func (m SecretMode) MarshalText() ([]byte, error) {
	if m == SecretMakerHeld {
		return []byte("maker"), nil
	}
	return []byte("generated"), nil
}

func (m *SecretMode) UnmarshalText(text []byte) error {
	switch strings.TrimSpace(string(text)) {
	case "maker":
		*m = SecretMakerHeld
	case "", "generated":
		*m = SecretGenerated
	default:
		return fmt.Errorf("coordinator: unknown secret mode %q", text)
	}
	return nil
}

// LegTerms are the escrow terms of one leg.
type LegTerms struct {
	Chain         string   `json:"chain"`
	Maker         string   `json:"maker"`
	Resolver      string   `json:"resolver"`
	Token         string   `json:"token"`
	Amount        *big.Int `json:"amount"`
	WithdrawAfter int64    `json:"withdrawAfter"`
	CancelAfter   int64    `json:"cancelAfter"`
}

// Session pairs the two escrows of one swap.
type Session struct {
	ID                  string        `json:"id"`
	OrderHash           string        `json:"orderHash"`
	Order               orders.Order  `json:"order"`
	Hashlock            hashlock.Hash `json:"hashlock"`
	SecretMode          SecretMode    `json:"secretMode"`
	Source              LegTerms      `json:"source"`
	Destination         LegTerms      `json:"destination"`
	SourceEscrowID      htlc.EscrowID `json:"sourceEscrowId"`
	DestinationEscrowID htlc.EscrowID `json:"destinationEscrowId"`
	Phase               Phase         `json:"phase"`
	DepositDeadline     int64         `json:"depositDeadline"`
	Abandoned           bool          `json:"abandoned"`
	CreatedAt           int64         `json:"createdAt"`
	UpdatedAt           int64         `json:"updatedAt"`
	LastError           string        `json:"lastError,omitempty"`
}

// Leg returns the terms and escrow id for role.
func (s *Session) Leg(role htlc.Role) (LegTerms, htlc.EscrowID) {
	if role == htlc.RoleDestination {
		return s.Destination, s.DestinationEscrowID
	}
	return s.Source, s.SourceEscrowID
}

func (s *Session) setEscrowID(role htlc.Role, id htlc.EscrowID) {
	if role == htlc.RoleDestination {
		s.DestinationEscrowID = id
		return
	}
	s.SourceEscrowID = id
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Source = s.Source.clone()
	out.Destination = s.Destination.clone()
	return &out
}

func (l LegTerms) clone() LegTerms {
	if l.Amount != nil {
		l.Amount = new(big.Int).Set(l.Amount)
	}
	return l
}
