package escrow

import (
	"context"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"

	"github.com/DouglasBagambe/warlnest-starknet/fault"
	"github.com/DouglasBagambe/warlnest-starknet/ledger"
	"github.com/DouglasBagambe/warlnest-starknet/ledger/codec"
	"github.com/DouglasBagambe/warlnest-starknet/listings"
)

// stubGateway is a programmable ledger double that records traffic.
type stubGateway struct {
	mu        sync.Mutex
	submits   []ledger.CallSpec
	reads     []ledger.QuerySpec
	submitErr error
	awaitErr  error
	result    []codec.Felt
	readFn    func(q ledger.QuerySpec) ([]codec.Felt, error)
}

func (g *stubGateway) Submit(ctx context.Context, call ledger.CallSpec) (ledger.PendingRef, error) {
	g.mu.Lock()
	g.submits = append(g.submits, call)
	g.mu.Unlock()
	if g.submitErr != nil {
		return ledger.PendingRef{}, g.submitErr
	}
	return ledger.PendingRef{Operation: call.Operation, TxHash: "0xfeed"}, nil
}

func (g *stubGateway) AwaitFinality(ctx context.Context, ref ledger.PendingRef) (*ledger.Receipt, error) {
	if g.awaitErr != nil {
		return nil, g.awaitErr
	}
	return &ledger.Receipt{TxHash: ref.TxHash, BlockNumber: 12, Result: g.result}, nil
}

func (g *stubGateway) Read(ctx context.Context, q ledger.QuerySpec) ([]codec.Felt, error) {
	g.mu.Lock()
	g.reads = append(g.reads, q)
	g.mu.Unlock()
	if g.readFn != nil {
		return g.readFn(q)
	}
	return []codec.Felt{"0x0"}, nil
}

func (g *stubGateway) submitCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.submits)
}

func newFixture(t *testing.T, gw ledger.Gateway) (*Orchestrator, *listings.Store, *Store) {
	t.Helper()
	listingStore, err := listings.Open(sqlite.Open("file::memory:?cache=private"))
	require.NoError(t, err)
	store, err := NewStore(listingStore.DB())
	require.NoError(t, err)
	return New(gw, store, listingStore, nil), listingStore, store
}

func seedTokenized(t *testing.T, store *listings.Store, tokenID string) *listings.Listing {
	t.Helper()
	l := &listings.Listing{
		Title:    "Garden apartment",
		Location: "Ntinda",
		Region:   "Central",
		District: "Kampala",
		Type:     listings.TypeApartment,
		Purpose:  listings.PurposeRent,
		Price:    2500000,
	}
	require.NoError(t, store.Create(context.Background(), l))
	onChain := true
	owner := "0xab01"
	require.NoError(t, store.ApplyTokenPatch(context.Background(), l.ID, listings.TokenPatch{
		TokenID:            &tokenID,
		OnChain:            &onChain,
		OwnerWalletAddress: &owner,
	}))
	got, err := store.Get(context.Background(), l.ID)
	require.NoError(t, err)
	return got
}

func TestCreateHappyPath(t *testing.T) {
	gw := &stubGateway{result: []codec.Felt{"0x2a", "0x0"}}
	orch, listingStore, store := newFixture(t, gw)
	l := seedTokenized(t, listingStore, "7")

	rec, err := orch.Create(context.Background(), CreateParams{
		ListingID:    l.ID,
		BuyerAddress: "0xbb02",
		Amount:       "2500000",
		Kind:         KindDeposit,
	})
	require.NoError(t, err)
	require.Equal(t, "42", rec.EscrowID)
	require.Equal(t, "7", rec.TokenID)
	require.Equal(t, "0xbb02", rec.Buyer)
	require.Equal(t, "0xab01", rec.Seller)
	require.Equal(t, StatusPending, rec.Status)
	require.Equal(t, "0xfeed", rec.CreateTxRef)
	require.Equal(t, defaultReleaseConditions, rec.ReleaseConditions)

	require.Equal(t, 1, gw.submitCount())
	call := gw.submits[0]
	require.Equal(t, ledger.OpCreateEscrow, call.Operation)
	require.Len(t, call.Calldata, 7)
	require.Equal(t, codec.Felt("0x7"), call.Calldata[0])
	require.Equal(t, codec.Felt("0x0"), call.Calldata[1])
	require.Equal(t, codec.Felt("0xbb02"), call.Calldata[2])
	kindFelt := call.Calldata[5]
	require.Equal(t, codec.Felt("0x1"), kindFelt)

	stored, err := store.Get(context.Background(), "42")
	require.NoError(t, err)
	require.Equal(t, "2500000000000000000000000", stored.Amount)
}

func TestCreateUnreadableReceiptIsUncertain(t *testing.T) {
	// The create confirms on the ledger but the receipt carries no escrow id.
	// The escrow exists, so the error must read as uncertain: a caller that
	// retried on a certain error would open a second escrow.
	gw := &stubGateway{result: nil}
	orch, listingStore, store := newFixture(t, gw)
	l := seedTokenized(t, listingStore, "7")

	_, err := orch.Create(context.Background(), CreateParams{
		ListingID:    l.ID,
		BuyerAddress: "0xbb02",
		Amount:       "2500000",
		Kind:         KindDeposit,
	})
	require.Equal(t, fault.KindRead, fault.KindOf(err))
	require.True(t, fault.IsUncertain(err), "confirmed escrow with an unreadable receipt must not look retryable")
	require.Equal(t, 1, gw.submitCount())

	// Nothing was cached for the unknown escrow id.
	open, err := store.OpenForToken(context.Background(), "7")
	require.NoError(t, err)
	require.Empty(t, open)
}

func TestCreateRequiresTokenizedListing(t *testing.T) {
	gw := &stubGateway{}
	orch, listingStore, _ := newFixture(t, gw)
	l := &listings.Listing{
		Title:    "Untokenized plot",
		Location: "Mukono",
		Region:   "Central",
		Type:     listings.TypeLand,
		Purpose:  listings.PurposeSale,
		Price:    500000,
	}
	require.NoError(t, listingStore.Create(context.Background(), l))

	_, err := orch.Create(context.Background(), CreateParams{
		ListingID:    l.ID,
		BuyerAddress: "0xbb02",
		Amount:       "500000",
		Kind:         KindFullPayment,
	})
	require.Equal(t, fault.KindNotTokenized, fault.KindOf(err))
	require.Zero(t, gw.submitCount())
}

func TestCreateRejectsBadInput(t *testing.T) {
	gw := &stubGateway{}
	orch, listingStore, _ := newFixture(t, gw)
	l := seedTokenized(t, listingStore, "7")

	cases := []struct {
		name string
		p    CreateParams
	}{
		{"bad buyer", CreateParams{ListingID: l.ID, BuyerAddress: "not-an-address", Amount: "10", Kind: KindBooking}},
		{"zero amount", CreateParams{ListingID: l.ID, BuyerAddress: "0xbb02", Amount: "0", Kind: KindBooking}},
		{"negative amount", CreateParams{ListingID: l.ID, BuyerAddress: "0xbb02", Amount: "-5", Kind: KindBooking}},
		{"unknown kind", CreateParams{ListingID: l.ID, BuyerAddress: "0xbb02", Amount: "10", Kind: Kind("barter")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := orch.Create(context.Background(), tc.p)
			require.Error(t, err)
			require.Zero(t, gw.submitCount())
		})
	}
}

func TestCreateBlocksEncumberedToken(t *testing.T) {
	gw := &stubGateway{
		readFn: func(q ledger.QuerySpec) ([]codec.Felt, error) {
			// Ledger still reports the prior escrow as funded.
			return []codec.Felt{"0x1"}, nil
		},
	}
	orch, listingStore, store := newFixture(t, gw)
	l := seedTokenized(t, listingStore, "7")
	require.NoError(t, store.Save(context.Background(), &Record{
		EscrowID: "41",
		TokenID:  "7",
		Buyer:    "0xcc03",
		Amount:   "10",
		Kind:     KindBooking,
		Status:   StatusPending,
	}))

	_, err := orch.Create(context.Background(), CreateParams{
		ListingID:    l.ID,
		BuyerAddress: "0xbb02",
		Amount:       "10",
		Kind:         KindBooking,
	})
	require.Equal(t, fault.KindPrecondition, fault.KindOf(err))
	require.Zero(t, gw.submitCount())

	// The guard's re-read lands in the cache.
	prior, err := store.Get(context.Background(), "41")
	require.NoError(t, err)
	require.Equal(t, StatusFunded, prior.Status)
}

func TestCreateProceedsWhenPriorEscrowSettled(t *testing.T) {
	gw := &stubGateway{
		result: []codec.Felt{"0x2b", "0x0"},
		readFn: func(q ledger.QuerySpec) ([]codec.Felt, error) {
			// Prior escrow released on the ledger; local cache is behind.
			return []codec.Felt{"0x2"}, nil
		},
	}
	orch, listingStore, store := newFixture(t, gw)
	l := seedTokenized(t, listingStore, "7")
	require.NoError(t, store.Save(context.Background(), &Record{
		EscrowID: "41",
		TokenID:  "7",
		Buyer:    "0xcc03",
		Amount:   "10",
		Kind:     KindBooking,
		Status:   StatusFunded,
	}))

	rec, err := orch.Create(context.Background(), CreateParams{
		ListingID:    l.ID,
		BuyerAddress: "0xbb02",
		Amount:       "10",
		Kind:         KindBooking,
	})
	require.NoError(t, err)
	require.Equal(t, "43", rec.EscrowID)

	prior, err := store.Get(context.Background(), "41")
	require.NoError(t, err)
	require.Equal(t, StatusReleased, prior.Status)
}

func TestCreateUncertainOutcomeSurfaces(t *testing.T) {
	gw := &stubGateway{awaitErr: fault.Finality("confirmation window elapsed", nil)}
	orch, listingStore, store := newFixture(t, gw)
	l := seedTokenized(t, listingStore, "7")

	_, err := orch.Create(context.Background(), CreateParams{
		ListingID:    l.ID,
		BuyerAddress: "0xbb02",
		Amount:       "10",
		Kind:         KindBooking,
	})
	require.True(t, fault.IsUncertain(err))

	// Nothing is cached until the outcome is known.
	_, err = store.Get(context.Background(), "42")
	require.Equal(t, fault.KindNotFound, fault.KindOf(err))
}

func TestStatusReadThrough(t *testing.T) {
	gw := &stubGateway{
		readFn: func(q ledger.QuerySpec) ([]codec.Felt, error) {
			switch q.Operation {
			case ledger.OpGetEscrowStatus:
				return []codec.Felt{"0x1"}, nil
			case ledger.OpGetEscrowAmount:
				return []codec.Felt{"0xa", "0x0"}, nil
			case ledger.OpGetEscrowParties:
				return []codec.Felt{"0xab01", "0xbb02"}, nil
			case ledger.OpIsDisputed:
				return []codec.Felt{"0x0"}, nil
			}
			t.Fatalf("unexpected read %s", q.Operation)
			return nil, nil
		},
	}
	orch, _, store := newFixture(t, gw)
	require.NoError(t, store.Save(context.Background(), &Record{
		EscrowID: "42",
		TokenID:  "7",
		Buyer:    "0xbb02",
		Amount:   "10",
		Kind:     KindDeposit,
		Status:   StatusPending,
	}))

	view, err := orch.Status(context.Background(), "42")
	require.NoError(t, err)
	require.Equal(t, StatusFunded, view.Status)
	require.Equal(t, "10", view.Amount)
	require.Equal(t, "0xab01", view.Seller)
	require.Equal(t, "0xbb02", view.Buyer)
	require.False(t, view.Disputed)

	cached, err := store.Get(context.Background(), "42")
	require.NoError(t, err)
	require.Equal(t, StatusFunded, cached.Status)
}

func TestStatusNeverRegressesTerminalState(t *testing.T) {
	gw := &stubGateway{
		readFn: func(q ledger.QuerySpec) ([]codec.Felt, error) {
			switch q.Operation {
			case ledger.OpGetEscrowStatus:
				return []codec.Felt{"0x1"}, nil // funded, contradicting the cache
			case ledger.OpGetEscrowAmount:
				return []codec.Felt{"0xa", "0x0"}, nil
			case ledger.OpGetEscrowParties:
				return []codec.Felt{"0xab01", "0xbb02"}, nil
			case ledger.OpIsDisputed:
				return []codec.Felt{"0x0"}, nil
			}
			return []codec.Felt{"0x0"}, nil
		},
	}
	orch, _, store := newFixture(t, gw)
	require.NoError(t, store.Save(context.Background(), &Record{
		EscrowID: "42",
		TokenID:  "7",
		Buyer:    "0xbb02",
		Amount:   "10",
		Kind:     KindDeposit,
		Status:   StatusReleased,
	}))

	view, err := orch.Status(context.Background(), "42")
	require.NoError(t, err)
	require.Equal(t, StatusReleased, view.Status)

	cached, err := store.Get(context.Background(), "42")
	require.NoError(t, err)
	require.Equal(t, StatusReleased, cached.Status)
}

func TestStatusDisputed(t *testing.T) {
	gw := &stubGateway{
		readFn: func(q ledger.QuerySpec) ([]codec.Felt, error) {
			switch q.Operation {
			case ledger.OpGetEscrowStatus:
				return []codec.Felt{"0x4"}, nil
			case ledger.OpGetEscrowAmount:
				return []codec.Felt{"0xa", "0x0"}, nil
			case ledger.OpGetEscrowParties:
				return []codec.Felt{"0xab01", "0xbb02"}, nil
			case ledger.OpIsDisputed:
				return []codec.Felt{"0x1"}, nil
			}
			return []codec.Felt{"0x0"}, nil
		},
	}
	orch, _, _ := newFixture(t, gw)

	view, err := orch.Status(context.Background(), "42")
	require.NoError(t, err)
	require.Equal(t, StatusDisputed, view.Status)
	require.True(t, view.Disputed)
}
