package registry

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"

	"github.com/DouglasBagambe/warlnest-starknet/fault"
	"github.com/DouglasBagambe/warlnest-starknet/ledger"
	"github.com/DouglasBagambe/warlnest-starknet/ledger/codec"
	"github.com/DouglasBagambe/warlnest-starknet/listings"
)

// stubGateway is a programmable ledger double that records traffic.
type stubGateway struct {
	mu          sync.Mutex
	submits     []ledger.CallSpec
	reads       []ledger.QuerySpec
	submitErr   error
	awaitErr    error
	result      []codec.Felt
	readFn      func(q ledger.QuerySpec) ([]codec.Felt, error)
	submitDelay time.Duration
}

func (g *stubGateway) Submit(ctx context.Context, call ledger.CallSpec) (ledger.PendingRef, error) {
	g.mu.Lock()
	g.submits = append(g.submits, call)
	g.mu.Unlock()
	if g.submitDelay > 0 {
		time.Sleep(g.submitDelay)
	}
	if g.submitErr != nil {
		return ledger.PendingRef{}, g.submitErr
	}
	return ledger.PendingRef{Operation: call.Operation, TxHash: "0xfeed"}, nil
}

func (g *stubGateway) AwaitFinality(ctx context.Context, ref ledger.PendingRef) (*ledger.Receipt, error) {
	if g.awaitErr != nil {
		return nil, g.awaitErr
	}
	return &ledger.Receipt{TxHash: ref.TxHash, BlockNumber: 10, Result: g.result}, nil
}

func (g *stubGateway) Read(ctx context.Context, q ledger.QuerySpec) ([]codec.Felt, error) {
	g.mu.Lock()
	g.reads = append(g.reads, q)
	g.mu.Unlock()
	if g.readFn != nil {
		return g.readFn(q)
	}
	// Default: the property is unminted on the ledger.
	return []codec.Felt{"0x0"}, nil
}

func (g *stubGateway) submitCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.submits)
}

func newTestStore(t *testing.T) *listings.Store {
	t.Helper()
	store, err := listings.Open(sqlite.Open("file::memory:?cache=private"))
	require.NoError(t, err)
	return store
}

func seedListing(t *testing.T, store *listings.Store) *listings.Listing {
	t.Helper()
	l := &listings.Listing{
		Title:    "Lakeside house",
		Location: "Muyenga Hill",
		Region:   "Central",
		District: "Kampala",
		Type:     listings.TypeHouse,
		Purpose:  listings.PurposeSale,
		Price:    15000000,
	}
	require.NoError(t, store.Create(context.Background(), l))
	return l
}

func newOrchestrator(gw ledger.Gateway, store *listings.Store) *Orchestrator {
	return New(gw, store, "https://api.warlnest.com/metadata", nil)
}

func TestMintHappyPath(t *testing.T) {
	store := newTestStore(t)
	l := seedListing(t, store)
	gw := &stubGateway{result: []codec.Felt{"0x7", "0x0"}}
	o := newOrchestrator(gw, store)

	res, err := o.Mint(context.Background(), l.ID, "0xabc")
	require.NoError(t, err)
	require.Equal(t, "7", res.TokenID)
	require.Equal(t, "0xfeed", res.TxRef)

	require.Len(t, gw.submits, 1)
	call := gw.submits[0]
	require.Equal(t, ledger.OpMintProperty, call.Operation)
	require.Len(t, call.Calldata, 7)

	// The metadata slot carries the listing's own short id, so every token
	// mints with a distinct metadata felt.
	wantID, err := codec.EncodeShortID(l.ID)
	require.NoError(t, err)
	require.Equal(t, wantID, call.Calldata[0])
	require.Equal(t, wantID, call.Calldata[2])

	// Price travels as a 10^18 fixed-point scalar pair.
	wantPrice, _ := new(big.Int).SetString("15000000000000000000000000", 10)
	gotLow, err := call.Calldata[3].Big()
	require.NoError(t, err)
	require.Zero(t, gotLow.Cmp(wantPrice))
	require.Equal(t, codec.Felt("0x0"), call.Calldata[4])
	// propertyTypeCode 1 = house.
	require.Equal(t, codec.Felt("0x1"), call.Calldata[5])

	got, err := store.Get(context.Background(), l.ID)
	require.NoError(t, err)
	require.True(t, got.Tokenized())
	require.Equal(t, "7", *got.TokenID)
	require.Equal(t, "0xfeed", *got.MintTxRef)
	require.False(t, got.Verified)
}

func TestMintMetadataDistinctAcrossListings(t *testing.T) {
	store := newTestStore(t)
	first := seedListing(t, store)
	second := seedListing(t, store)
	gw := &stubGateway{result: []codec.Felt{"0x7", "0x0"}}
	o := newOrchestrator(gw, store)

	_, err := o.Mint(context.Background(), first.ID, "0xabc")
	require.NoError(t, err)
	gw.result = []codec.Felt{"0x8", "0x0"}
	_, err = o.Mint(context.Background(), second.ID, "0xabc")
	require.NoError(t, err)

	require.Equal(t, 2, gw.submitCount())
	require.NotEqual(t, gw.submits[0].Calldata[2], gw.submits[1].Calldata[2],
		"two listings must never share a metadata felt")
}

func TestMintRejectsAlreadyMinted(t *testing.T) {
	store := newTestStore(t)
	l := seedListing(t, store)
	gw := &stubGateway{result: []codec.Felt{"0x7", "0x0"}}
	o := newOrchestrator(gw, store)

	_, err := o.Mint(context.Background(), l.ID, "0xabc")
	require.NoError(t, err)

	_, err = o.Mint(context.Background(), l.ID, "0xabc")
	require.Equal(t, fault.KindPrecondition, fault.KindOf(err))
	require.Equal(t, 1, gw.submitCount(), "losing attempt must not reach the ledger")
}

func TestMintReconcilesLedgerAhead(t *testing.T) {
	store := newTestStore(t)
	l := seedListing(t, store)
	gw := &stubGateway{
		readFn: func(q ledger.QuerySpec) ([]codec.Felt, error) {
			if q.Operation == ledger.OpGetTokenID {
				return []codec.Felt{"0x9"}, nil
			}
			return []codec.Felt{"0x0"}, nil
		},
	}
	o := newOrchestrator(gw, store)

	_, err := o.Mint(context.Background(), l.ID, "0xabc")
	require.Equal(t, fault.KindPrecondition, fault.KindOf(err))
	require.Zero(t, gw.submitCount())

	// Local cache caught up with the confirmed ledger state.
	got, err := store.Get(context.Background(), l.ID)
	require.NoError(t, err)
	require.True(t, got.Tokenized())
	require.Equal(t, "9", *got.TokenID)
}

func TestConcurrentMintsSingleWinner(t *testing.T) {
	store := newTestStore(t)
	l := seedListing(t, store)
	gw := &stubGateway{result: []codec.Felt{"0x7", "0x0"}, submitDelay: 10 * time.Millisecond}
	o := newOrchestrator(gw, store)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := o.Mint(context.Background(), l.ID, "0xabc")
			errs <- err
		}()
	}
	var okCount, preconditionCount int
	for i := 0; i < 2; i++ {
		err := <-errs
		if err == nil {
			okCount++
		} else if fault.KindOf(err) == fault.KindPrecondition {
			preconditionCount++
		} else {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, okCount)
	require.Equal(t, 1, preconditionCount)
	require.Equal(t, 1, gw.submitCount(), "exactly one mint reaches the ledger")
}

func TestMintFailureLeavesRecordUnminted(t *testing.T) {
	store := newTestStore(t)
	l := seedListing(t, store)
	gw := &stubGateway{awaitErr: fault.Submission("mint reverted", nil)}
	o := newOrchestrator(gw, store)

	_, err := o.Mint(context.Background(), l.ID, "0xabc")
	require.Equal(t, fault.KindSubmission, fault.KindOf(err))

	got, err := store.Get(context.Background(), l.ID)
	require.NoError(t, err)
	require.False(t, got.Tokenized())
	require.Nil(t, got.TokenID)
}

func TestMintUnreadableReceiptIsUncertain(t *testing.T) {
	store := newTestStore(t)
	l := seedListing(t, store)
	gw := &stubGateway{result: nil}
	o := newOrchestrator(gw, store)

	// The mint confirmed but its receipt carries no token id: the token may
	// exist, so the failure must demand a re-read rather than a re-mint.
	_, err := o.Mint(context.Background(), l.ID, "0xabc")
	require.Equal(t, fault.KindRead, fault.KindOf(err))
	require.True(t, fault.IsUncertain(err))
	require.Equal(t, 1, gw.submitCount())
}

func TestVerifyRequiresMint(t *testing.T) {
	store := newTestStore(t)
	l := seedListing(t, store)
	gw := &stubGateway{}
	o := newOrchestrator(gw, store)

	_, err := o.Verify(context.Background(), l.ID, "0xad0001")
	require.Equal(t, fault.KindNotTokenized, fault.KindOf(err))
	require.Zero(t, gw.submitCount())
}

func TestVerifyTransition(t *testing.T) {
	store := newTestStore(t)
	l := seedListing(t, store)
	gw := &stubGateway{result: []codec.Felt{"0x7", "0x0"}}
	o := newOrchestrator(gw, store)

	_, err := o.Mint(context.Background(), l.ID, "0xabc")
	require.NoError(t, err)

	res, err := o.Verify(context.Background(), l.ID, "0xad0001")
	require.NoError(t, err)
	require.Equal(t, "7", res.TokenID)

	got, err := store.Get(context.Background(), l.ID)
	require.NoError(t, err)
	require.True(t, got.Verified)
	require.True(t, got.OnChain, "verified implies on-chain")
	require.NotNil(t, got.VerifiedAt)
	require.Equal(t, "0xfeed", *got.VerificationTxRef)

	// No rollback path: verifying twice is a precondition failure.
	_, err = o.Verify(context.Background(), l.ID, "0xad0001")
	require.Equal(t, fault.KindPrecondition, fault.KindOf(err))
}

func TestBlockchainView(t *testing.T) {
	store := newTestStore(t)
	gw := &stubGateway{}
	o := newOrchestrator(gw, store)

	metadataFelt, err := codec.EncodeShortID("prop-7")
	require.NoError(t, err)
	priceLow, priceHigh, err := codec.ToScalarPair(big.NewInt(2_500_000))
	require.NoError(t, err)

	firstPage := make([]codec.Felt, historyPageSize)
	for i := range firstPage {
		firstPage[i] = codec.Felt("0xaaa")
	}
	gw.readFn = func(q ledger.QuerySpec) ([]codec.Felt, error) {
		switch q.Operation {
		case ledger.OpGetPropertyOwner:
			return []codec.Felt{"0xbeef"}, nil
		case ledger.OpGetPropertyMetadata:
			return []codec.Felt{metadataFelt}, nil
		case ledger.OpGetPropertyPrice:
			return []codec.Felt{priceLow, priceHigh}, nil
		case ledger.OpIsVerified:
			return []codec.Felt{"0x1"}, nil
		case ledger.OpGetVerificationTimestamp:
			return []codec.Felt{"0x68b8f380"}, nil
		case ledger.OpGetPropertyHistory:
			offset, _ := q.Args[2].Big()
			if offset.Sign() == 0 {
				return firstPage, nil
			}
			return []codec.Felt{"0xbbb", "0xccc"}, nil
		default:
			return []codec.Felt{"0x0"}, nil
		}
	}

	view, err := o.BlockchainView(context.Background(), "7")
	require.NoError(t, err)
	require.Equal(t, "0xbeef", view.Owner)
	require.Equal(t, "https://api.warlnest.com/metadata/prop-7", view.MetadataURI)
	require.True(t, view.Verified)
	require.NotNil(t, view.VerifiedAt)
	require.Len(t, view.History, historyPageSize+2)
	require.Zero(t, gw.submitCount(), "views never submit")
}
