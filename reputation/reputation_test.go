package reputation

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
	mu      sync.Mutex
	submits []ledger.CallSpec
	reads   []ledger.QuerySpec
	readFn  func(q ledger.QuerySpec) ([]codec.Felt, error)
}

func (g *stubGateway) Submit(ctx context.Context, call ledger.CallSpec) (ledger.PendingRef, error) {
	g.mu.Lock()
	g.submits = append(g.submits, call)
	g.mu.Unlock()
	return ledger.PendingRef{Operation: call.Operation, TxHash: "0xfeed"}, nil
}

func (g *stubGateway) AwaitFinality(ctx context.Context, ref ledger.PendingRef) (*ledger.Receipt, error) {
	return &ledger.Receipt{TxHash: ref.TxHash, BlockNumber: 21}, nil
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

func newFixture(t *testing.T, gw ledger.Gateway) (*Orchestrator, *listings.Store) {
	t.Helper()
	store, err := listings.Open(sqlite.Open("file::memory:?cache=private"))
	require.NoError(t, err)
	return New(gw, store, nil), store
}

func seedTokenized(t *testing.T, store *listings.Store, tokenID string) *listings.Listing {
	t.Helper()
	l := &listings.Listing{
		Title:    "City office",
		Location: "Nakasero",
		Region:   "Central",
		District: "Kampala",
		Type:     listings.TypeCommercial,
		Purpose:  listings.PurposeRent,
		Price:    4000000,
	}
	require.NoError(t, store.Create(context.Background(), l))
	onChain := true
	require.NoError(t, store.ApplyTokenPatch(context.Background(), l.ID, listings.TokenPatch{
		TokenID: &tokenID,
		OnChain: &onChain,
	}))
	got, err := store.Get(context.Background(), l.ID)
	require.NoError(t, err)
	return got
}

func agentScores(score, count, verified, reports codec.Felt) func(q ledger.QuerySpec) ([]codec.Felt, error) {
	return func(q ledger.QuerySpec) ([]codec.Felt, error) {
		switch q.Operation {
		case ledger.OpGetAgentScore:
			return []codec.Felt{score}, nil
		case ledger.OpGetAgentReviewCount:
			return []codec.Felt{count}, nil
		case ledger.OpIsAgentVerified:
			return []codec.Felt{verified}, nil
		case ledger.OpGetFraudReports:
			return []codec.Felt{reports}, nil
		}
		return []codec.Felt{"0x0"}, nil
	}
}

func TestAddReviewHappyPath(t *testing.T) {
	// 0x1c2 = 450, a 4.50 average over 0x3 = 3 reviews.
	gw := &stubGateway{readFn: agentScores("0x1c2", "0x3", "0x1", "0x0")}
	orch, store := newFixture(t, gw)
	l := seedTokenized(t, store, "7")

	res, err := orch.AddReview(context.Background(), ReviewParams{
		AgentAddress:    "0xa9e1",
		ReviewerAddress: "0xbb02",
		ListingID:       l.ID,
		Rating:          5,
		ReviewText:      "Responsive and honest throughout",
	})
	require.NoError(t, err)
	require.Equal(t, "0xfeed", res.TxRef)
	require.Equal(t, int64(450), res.Score)
	require.Equal(t, int64(3), res.ReviewCount)
	require.Equal(t, "4.50", res.AverageRating)

	require.Equal(t, 1, gw.submitCount())
	call := gw.submits[0]
	require.Equal(t, ledger.OpAddReview, call.Operation)
	require.Len(t, call.Calldata, 6)
	require.Equal(t, codec.Felt("0xa9e1"), call.Calldata[0])
	require.Equal(t, codec.Felt("0xbb02"), call.Calldata[1])
	require.Equal(t, codec.Felt("0x5"), call.Calldata[2])
	require.Equal(t, codec.Felt("0x7"), call.Calldata[3])
	require.Equal(t, codec.Felt("0x0"), call.Calldata[4])
	require.Equal(t, codec.HashCommitment("Responsive and honest throughout"), call.Calldata[5])

	// The listing mirror follows the confirmed read.
	got, err := store.Get(context.Background(), l.ID)
	require.NoError(t, err)
	require.InDelta(t, 4.5, got.Rating, 1e-9)
	require.Equal(t, int64(3), got.ReviewCount)
}

func TestAddReviewStandingReadFailureIsUncertain(t *testing.T) {
	// The review confirms but the follow-up standing read fails. The review
	// is on the append-only ledger, so the failure must read as uncertain:
	// a caller that retried on a certain error would land a second review.
	gw := &stubGateway{readFn: func(q ledger.QuerySpec) ([]codec.Felt, error) {
		if q.Operation == ledger.OpGetAgentScore {
			return nil, fault.Read("node unreachable", nil)
		}
		return []codec.Felt{"0x0"}, nil
	}}
	orch, store := newFixture(t, gw)
	l := seedTokenized(t, store, "7")

	_, err := orch.AddReview(context.Background(), ReviewParams{
		AgentAddress:    "0xa9e1",
		ReviewerAddress: "0xbb02",
		ListingID:       l.ID,
		Rating:          5,
	})
	require.Equal(t, fault.KindRead, fault.KindOf(err))
	require.True(t, fault.IsUncertain(err), "post-confirmation read failure must not look retryable")
	require.Equal(t, 1, gw.submitCount())

	// The listing mirror stays untouched without a confirmed read.
	got, err := store.Get(context.Background(), l.ID)
	require.NoError(t, err)
	require.Zero(t, got.Rating)
	require.Zero(t, got.ReviewCount)
}

func TestAddReviewRejectsOutOfRangeRating(t *testing.T) {
	for _, rating := range []int{0, -1, 6, 100} {
		gw := &stubGateway{}
		orch, store := newFixture(t, gw)
		l := seedTokenized(t, store, "7")

		_, err := orch.AddReview(context.Background(), ReviewParams{
			AgentAddress:    "0xa9e1",
			ReviewerAddress: "0xbb02",
			ListingID:       l.ID,
			Rating:          rating,
		})
		require.Equal(t, fault.KindInvalidRating, fault.KindOf(err))
		require.Zero(t, gw.submitCount(), "rating %d must be rejected before the network", rating)
		require.Empty(t, gw.reads)
	}
}

func TestAddReviewRequiresTokenizedListing(t *testing.T) {
	gw := &stubGateway{}
	orch, store := newFixture(t, gw)
	l := &listings.Listing{
		Title:    "Unlisted hostel",
		Location: "Kikoni",
		Region:   "Central",
		Type:     listings.TypeStudio,
		Purpose:  listings.PurposeRent,
		Price:    800000,
	}
	require.NoError(t, store.Create(context.Background(), l))

	_, err := orch.AddReview(context.Background(), ReviewParams{
		AgentAddress:    "0xa9e1",
		ReviewerAddress: "0xbb02",
		ListingID:       l.ID,
		Rating:          4,
	})
	require.Equal(t, fault.KindNotTokenized, fault.KindOf(err))
	require.Zero(t, gw.submitCount())
}

func TestRegisterAgent(t *testing.T) {
	gw := &stubGateway{}
	orch, _ := newFixture(t, gw)

	txRef, err := orch.RegisterAgent(context.Background(), "0xa9e1", "Kampala Realty Ltd")
	require.NoError(t, err)
	require.Equal(t, "0xfeed", txRef)

	require.Equal(t, 1, gw.submitCount())
	call := gw.submits[0]
	require.Equal(t, ledger.OpRegisterAgent, call.Operation)
	require.Equal(t, codec.Felt("0xa9e1"), call.Calldata[0])
	require.Equal(t, codec.HashCommitment("Kampala Realty Ltd"), call.Calldata[1])

	_, err = orch.RegisterAgent(context.Background(), "not-an-address", "x")
	require.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestReportFraud(t *testing.T) {
	gw := &stubGateway{}
	orch, store := newFixture(t, gw)
	l := seedTokenized(t, store, "7")

	txRef, err := orch.ReportFraud(context.Background(), FraudParams{
		AgentAddress: "0xa9e1",
		ListingID:    l.ID,
		Evidence:     "Listing photographs belong to a different property",
	})
	require.NoError(t, err)
	require.Equal(t, "0xfeed", txRef)

	call := gw.submits[0]
	require.Equal(t, ledger.OpReportFraud, call.Operation)
	require.Len(t, call.Calldata, 4)
	require.Equal(t, codec.Felt("0xa9e1"), call.Calldata[0])
	require.Equal(t, codec.Felt("0x7"), call.Calldata[1])

	_, err = orch.ReportFraud(context.Background(), FraudParams{
		AgentAddress: "0xa9e1",
		ListingID:    l.ID,
		Evidence:     "   ",
	})
	require.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestReputationReadThrough(t *testing.T) {
	gw := &stubGateway{readFn: agentScores("0x181", "0x5", "0x1", "0x2")}
	orch, _ := newFixture(t, gw)

	standing, err := orch.Reputation(context.Background(), "0xa9e1")
	require.NoError(t, err)
	require.Equal(t, int64(385), standing.Score)
	require.Equal(t, int64(5), standing.ReviewCount)
	require.Equal(t, "3.85", standing.AverageRating)
	require.True(t, standing.Verified)
	require.Equal(t, int64(2), standing.FraudReports)
	require.Zero(t, gw.submitCount())
}

func TestReputationUnratedAgent(t *testing.T) {
	gw := &stubGateway{readFn: agentScores("0x0", "0x0", "0x0", "0x0")}
	orch, _ := newFixture(t, gw)

	standing, err := orch.Reputation(context.Background(), "0xa9e1")
	require.NoError(t, err)
	require.Equal(t, "0.00", standing.AverageRating)
	require.False(t, standing.Verified)
}
