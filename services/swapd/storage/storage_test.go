package storage

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"htlcswap/core/hashlock"
	"htlcswap/native/coordinator"
	"htlcswap/native/htlc"
)

func openTestDB(t *testing.T) *Storage {
	t.Helper()
	store, err := Open(MemoryDSN(t.Name()))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testSession(id string, phase coordinator.Phase, created int64) *coordinator.Session {
	return &coordinator.Session{
		ID:        id,
		OrderHash: "0xorder",
		Hashlock:  hashlock.Commit([]byte("s")),
		Source: coordinator.LegTerms{
			Chain: "src", Maker: "maker", Resolver: "resolver", Token: "SRC",
			Amount: big.NewInt(100), WithdrawAfter: 10, CancelAfter: 20,
		},
		Destination: coordinator.LegTerms{
			Chain: "dst", Maker: "maker-dst", Resolver: "resolver", Token: "DST",
			Amount: big.NewInt(250), WithdrawAfter: 5, CancelAfter: 15,
		},
		SourceEscrowID: htlc.EscrowID{0x01},
		Phase:          phase,
		CreatedAt:      created,
	}
}

func TestSessionRoundTrip(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	s := testSession("a", coordinator.PhaseDeposited, 1)
	require.NoError(t, store.SaveSession(ctx, s))

	loaded, err := store.GetSession(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, coordinator.PhaseDeposited, loaded.Phase)
	require.Equal(t, s.Hashlock, loaded.Hashlock)
	require.Equal(t, s.SourceEscrowID, loaded.SourceEscrowID)
	require.Equal(t, 0, loaded.Destination.Amount.Cmp(big.NewInt(250)))

	s.Phase = coordinator.PhaseCompleted
	require.NoError(t, store.SaveSession(ctx, s))
	loaded, err = store.GetSession(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, coordinator.PhaseCompleted, loaded.Phase)
}

func TestGetSessionNotFound(t *testing.T) {
	store := openTestDB(t)
	_, err := store.GetSession(context.Background(), "missing")
	if !errors.Is(err, coordinator.ErrSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListActiveSessions(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, store.SaveSession(ctx, testSession("b", coordinator.PhaseAnnounced, 2)))
	require.NoError(t, store.SaveSession(ctx, testSession("a", coordinator.PhaseDeposited, 1)))
	require.NoError(t, store.SaveSession(ctx, testSession("c", coordinator.PhaseRecovered, 3)))

	all, err := store.ListSessions(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "a", all[0].ID)

	active, err := store.ListSessions(ctx, true)
	require.NoError(t, err)
	require.Len(t, active, 2)
	require.Equal(t, []string{"a", "b"}, []string{active[0].ID, active[1].ID})
}

func TestFileDSN(t *testing.T) {
	if _, err := FileDSN("  "); !errors.Is(err, ErrPathRequired) {
		t.Fatalf("expected path required, got %v", err)
	}
	path := filepath.Join(t.TempDir(), "swapd.sqlite")
	dsn, err := FileDSN(path)
	require.NoError(t, err)
	store, err := Open(dsn)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Ping(context.Background()))
}
