package htlc

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	"htlcswap/native/policy"
	"htlcswap/storage"
)

// Backend is the persistence layer of an Engine. Implementations must return
// copies so callers never alias stored records.
type Backend interface {
	EscrowPut(*Escrow) error
	EscrowGet(id EscrowID) (*Escrow, bool, error)
	EscrowIterate(fn func(*Escrow) bool) error
}

// MemoryState keeps escrows in a sync.Map so reads never block behind
// in-flight mutations.
type MemoryState struct {
	escrows sync.Map
}

// NewMemoryState returns an empty in-memory backend.
func NewMemoryState() *MemoryState { return &MemoryState{} }

// EscrowPut stores a copy of e.
func (m *MemoryState) EscrowPut(e *Escrow) error {
	if e == nil {
		return fmt.Errorf("htlc: nil escrow")
	}
	m.escrows.Store(e.ID, e.Clone())
	return nil
}

// EscrowGet returns a copy of the stored escrow.
func (m *MemoryState) EscrowGet(id EscrowID) (*Escrow, bool, error) {
	v, ok := m.escrows.Load(id)
	if !ok {
		return nil, false, nil
	}
	return v.(*Escrow).Clone(), true, nil
}

// EscrowIterate visits escrows ordered by id.
func (m *MemoryState) EscrowIterate(fn func(*Escrow) bool) error {
	var all []*Escrow
	m.escrows.Range(func(_, v any) bool {
		all = append(all, v.(*Escrow).Clone())
		return true
	})
	sort.Slice(all, func(i, j int) bool { return bytes.Compare(all[i].ID[:], all[j].ID[:]) < 0 })
	for _, e := range all {
		if !fn(e) {
			break
		}
	}
	return nil
}

var (
	_ Backend = (*MemoryState)(nil)
	_ Backend = (*KVState)(nil)
)

var escrowPrefix = []byte("htlc/escrow/")

// KVState persists escrows as RLP records on a storage.Database, e.g. a
// LevelDB directory owned by the daemon for one chain.
type KVState struct {
	db     storage.Database
	prefix []byte
}

// NewKVState namespaces records under chain so several engines can share one
// database.
func NewKVState(db storage.Database, chain string) *KVState {
	prefix := append(append([]byte(nil), escrowPrefix...), []byte(chain+"/")...)
	return &KVState{db: db, prefix: prefix}
}

type storedEscrow struct {
	ID             [32]byte
	Chain          string
	Role           uint8
	Maker          string
	Resolver       string
	Token          string
	Amount         *big.Int
	Hashlock       [32]byte
	WithdrawAfter  uint64
	CancelAfter    uint64
	State          uint8
	Depositor      string
	RevealedSecret []byte
	DepositRef     string
	PayoutRef      string
	CreatedAt      uint64
	UpdatedAt      uint64
	PendingOp      uint8
	PendingCaller  string
	PendingRef     string
	PendingSecret  []byte
	PendingAt      uint64
}

func (s *KVState) key(id EscrowID) []byte {
	return append(append([]byte(nil), s.prefix...), id[:]...)
}

// EscrowPut implements State.
func (s *KVState) EscrowPut(e *Escrow) error {
	if s == nil || s.db == nil {
		return errNilState
	}
	if e == nil {
		return fmt.Errorf("htlc: nil escrow")
	}
	amount := big.NewInt(0)
	if e.Amount != nil {
		amount.Set(e.Amount)
	}
	rec := storedEscrow{
		ID:             e.ID,
		Chain:          e.Chain,
		Role:           uint8(e.Role),
		Maker:          e.Maker,
		Resolver:       e.Resolver,
		Token:          e.Token,
		Amount:         amount,
		Hashlock:       e.Hashlock,
		WithdrawAfter:  uint64(e.WithdrawAfter),
		CancelAfter:    uint64(e.CancelAfter),
		State:          uint8(e.State),
		Depositor:      e.Depositor,
		RevealedSecret: e.RevealedSecret,
		DepositRef:     e.DepositRef,
		PayoutRef:      e.PayoutRef,
		CreatedAt:      uint64(e.CreatedAt),
		UpdatedAt:      uint64(e.UpdatedAt),
	}
	if e.Pending != nil {
		rec.PendingOp = uint8(e.Pending.Op) + 1
		rec.PendingCaller = e.Pending.Caller
		rec.PendingRef = e.Pending.Reference
		rec.PendingSecret = e.Pending.Secret
		rec.PendingAt = uint64(e.Pending.At)
	}
	encoded, err := rlp.EncodeToBytes(&rec)
	if err != nil {
		return fmt.Errorf("htlc: encode escrow: %w", err)
	}
	return s.db.Put(s.key(e.ID), encoded)
}

// EscrowGet implements State.
func (s *KVState) EscrowGet(id EscrowID) (*Escrow, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, errNilState
	}
	raw, err := s.db.Get(s.key(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	e, err := decodeEscrow(raw)
	if err != nil {
		return nil, false, err
	}
	return e, true, nil
}

// EscrowIterate implements State.
func (s *KVState) EscrowIterate(fn func(*Escrow) bool) error {
	if s == nil || s.db == nil {
		return errNilState
	}
	var decodeErr error
	err := s.db.Iterate(s.prefix, func(_, value []byte) bool {
		e, err := decodeEscrow(value)
		if err != nil {
			decodeErr = err
			return false
		}
		return fn(e)
	})
	if err != nil {
		return err
	}
	return decodeErr
}

func decodeEscrow(raw []byte) (*Escrow, error) {
	var rec storedEscrow
	if err := rlp.DecodeBytes(raw, &rec); err != nil {
		return nil, fmt.Errorf("htlc: decode escrow: %w", err)
	}
	e := &Escrow{
		ID:             rec.ID,
		Chain:          rec.Chain,
		Role:           Role(rec.Role),
		Maker:          rec.Maker,
		Resolver:       rec.Resolver,
		Token:          rec.Token,
		Amount:         rec.Amount,
		Hashlock:       rec.Hashlock,
		WithdrawAfter:  int64(rec.WithdrawAfter),
		CancelAfter:    int64(rec.CancelAfter),
		State:          State(rec.State),
		Depositor:      rec.Depositor,
		RevealedSecret: rec.RevealedSecret,
		DepositRef:     rec.DepositRef,
		PayoutRef:      rec.PayoutRef,
		CreatedAt:      int64(rec.CreatedAt),
		UpdatedAt:      int64(rec.UpdatedAt),
	}
	if e.Amount == nil {
		e.Amount = big.NewInt(0)
	}
	if len(e.RevealedSecret) == 0 {
		e.RevealedSecret = nil
	}
	if rec.PendingOp > 0 {
		e.Pending = &PendingTransfer{
			Op:        policy.Operation(rec.PendingOp - 1),
			Caller:    rec.PendingCaller,
			Reference: rec.PendingRef,
			Secret:    rec.PendingSecret,
			At:        int64(rec.PendingAt),
		}
	}
	if !e.Role.Valid() || !e.State.Valid() {
		return nil, fmt.Errorf("htlc: corrupt escrow record %s", e.ID.Hex())
	}
	return e, nil
}
