package reputation

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/DouglasBagambe/warlnest-starknet/fault"
	"github.com/DouglasBagambe/warlnest-starknet/internal/keymutex"
	"github.com/DouglasBagambe/warlnest-starknet/ledger"
	"github.com/DouglasBagambe/warlnest-starknet/ledger/codec"
	"github.com/DouglasBagambe/warlnest-starknet/listings"
)

// Scores are stored on the ledger scaled by 100 so two decimal places of
// average rating survive integer arithmetic.
const scoreScale = 100

const (
	minRating = 1
	maxRating = 5
)

// ListingStore is the slice of the listing store review submission needs.
type ListingStore interface {
	Get(ctx context.Context, id string) (*listings.Listing, error)
	ApplyTokenPatch(ctx context.Context, id string, patch listings.TokenPatch) error
}

// Orchestrator writes reviews and fraud reports to the reputation contract
// and serves confirmed agent standing. The ledger owns every score; the
// listing table only mirrors what a confirmed read returned.
type Orchestrator struct {
	gateway ledger.Gateway
	store   ListingStore
	locks   *keymutex.KeyMutex
	log     *slog.Logger
}

func New(gateway ledger.Gateway, store ListingStore, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		gateway: gateway,
		store:   store,
		locks:   keymutex.New(),
		log:     log,
	}
}

// RegisterAgent enrolls an agent address with the reputation contract. The
// profile string is committed as a hash, never stored on the ledger.
func (o *Orchestrator) RegisterAgent(ctx context.Context, agentAddress, profile string) (string, error) {
	agent, err := parseAddress(agentAddress)
	if err != nil {
		return "", err
	}

	unlock := o.locks.Lock(string(agent))
	defer unlock()

	ref, err := o.gateway.Submit(ctx, ledger.CallSpec{
		Operation: ledger.OpRegisterAgent,
		Calldata:  []codec.Felt{agent, codec.HashCommitment(profile)},
	})
	if err != nil {
		return "", err
	}
	receipt, err := o.gateway.AwaitFinality(ctx, ref)
	if err != nil {
		return "", err
	}
	o.log.Info("agent registered", "agent", agent, "txHash", receipt.TxHash)
	return string(receipt.TxHash), nil
}

// ReviewParams describe one review submission.
type ReviewParams struct {
	AgentAddress    string `json:"agentAddress"`
	ReviewerAddress string `json:"reviewerAddress"`
	ListingID       string `json:"listingId"`
	Rating          int    `json:"rating"`
	ReviewText      string `json:"reviewText"`
}

// ReviewResult reports the agent's standing after the review confirmed.
type ReviewResult struct {
	TxRef         string `json:"txRef"`
	Score         int64  `json:"score"`
	ReviewCount   int64  `json:"reviewCount"`
	AverageRating string `json:"averageRating"`
}

// AddReview records a rating against an agent for a tokenized listing. The
// rating bound is checked before anything touches the network. After
// finality the score is re-read from the ledger rather than computed
// locally, and the listing's cached rating columns follow that read.
func (o *Orchestrator) AddReview(ctx context.Context, p ReviewParams) (*ReviewResult, error) {
	if p.Rating < minRating || p.Rating > maxRating {
		return nil, fault.InvalidRating(p.Rating)
	}
	agent, err := parseAddress(p.AgentAddress)
	if err != nil {
		return nil, err
	}
	reviewer, err := parseAddress(p.ReviewerAddress)
	if err != nil {
		return nil, err
	}

	rec, err := o.store.Get(ctx, p.ListingID)
	if err != nil {
		return nil, err
	}
	if !rec.Tokenized() {
		return nil, fault.NotTokenized(p.ListingID)
	}
	tokenLow, tokenHigh, err := tokenPair(*rec.TokenID)
	if err != nil {
		return nil, err
	}
	ratingFelt, err := codec.FeltFromBig(big.NewInt(int64(p.Rating)))
	if err != nil {
		return nil, err
	}

	unlock := o.locks.Lock(string(agent))
	defer unlock()

	ref, err := o.gateway.Submit(ctx, ledger.CallSpec{
		Operation: ledger.OpAddReview,
		Calldata: []codec.Felt{
			agent, reviewer, ratingFelt, tokenLow, tokenHigh,
			codec.HashCommitment(p.ReviewText),
		},
	})
	if err != nil {
		return nil, err
	}
	receipt, err := o.gateway.AwaitFinality(ctx, ref)
	if err != nil {
		if fault.IsUncertain(err) {
			o.log.Warn("review outcome unknown, agent standing must be re-read",
				"agent", agent, "txHash", ref.TxHash)
		}
		return nil, err
	}

	// The review is on the ledger from here on. A failed standing read must
	// not look retryable: surface it uncertain so a client retry replays
	// instead of landing a second review.
	score, err := o.readScalar(ctx, ledger.OpGetAgentScore, agent)
	if err != nil {
		return nil, fault.ReadAfterSubmit(
			fmt.Sprintf("review confirmed in tx %s but the standing read failed", receipt.TxHash), err)
	}
	count, err := o.readScalar(ctx, ledger.OpGetAgentReviewCount, agent)
	if err != nil {
		return nil, fault.ReadAfterSubmit(
			fmt.Sprintf("review confirmed in tx %s but the standing read failed", receipt.TxHash), err)
	}

	average := averageRating(score, count)
	avgFloat := float64(score) / scoreScale
	if err := o.store.ApplyTokenPatch(ctx, p.ListingID, listings.TokenPatch{
		Rating:      &avgFloat,
		ReviewCount: &count,
	}); err != nil {
		o.log.Error("refresh listing rating mirror", "listingId", p.ListingID, "err", err)
	}

	o.log.Info("review recorded", "agent", agent, "rating", p.Rating, "txHash", receipt.TxHash)
	return &ReviewResult{
		TxRef:         string(receipt.TxHash),
		Score:         score,
		ReviewCount:   count,
		AverageRating: average,
	}, nil
}

// FraudParams describe a fraud report against an agent.
type FraudParams struct {
	AgentAddress string `json:"agentAddress"`
	ListingID    string `json:"listingId"`
	Evidence     string `json:"evidence"`
}

// ReportFraud files a fraud report for a tokenized listing. Evidence is
// committed as a hash.
func (o *Orchestrator) ReportFraud(ctx context.Context, p FraudParams) (string, error) {
	agent, err := parseAddress(p.AgentAddress)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(p.Evidence) == "" {
		return "", fault.Validationf("fraud evidence is required")
	}
	rec, err := o.store.Get(ctx, p.ListingID)
	if err != nil {
		return "", err
	}
	if !rec.Tokenized() {
		return "", fault.NotTokenized(p.ListingID)
	}
	tokenLow, tokenHigh, err := tokenPair(*rec.TokenID)
	if err != nil {
		return "", err
	}

	unlock := o.locks.Lock(string(agent))
	defer unlock()

	ref, err := o.gateway.Submit(ctx, ledger.CallSpec{
		Operation: ledger.OpReportFraud,
		Calldata:  []codec.Felt{agent, tokenLow, tokenHigh, codec.HashCommitment(p.Evidence)},
	})
	if err != nil {
		return "", err
	}
	receipt, err := o.gateway.AwaitFinality(ctx, ref)
	if err != nil {
		return "", err
	}
	o.log.Info("fraud reported", "agent", agent, "listingId", p.ListingID, "txHash", receipt.TxHash)
	return string(receipt.TxHash), nil
}

// Standing is an agent's confirmed reputation snapshot.
type Standing struct {
	AgentAddress  string `json:"agentAddress"`
	Score         int64  `json:"score"`
	ReviewCount   int64  `json:"reviewCount"`
	AverageRating string `json:"averageRating"`
	Verified      bool   `json:"verified"`
	FraudReports  int64  `json:"fraudReports"`
}

// Reputation reads an agent's standing from confirmed ledger state. Every
// call re-reads; there is no local cache to go stale.
func (o *Orchestrator) Reputation(ctx context.Context, agentAddress string) (*Standing, error) {
	agent, err := parseAddress(agentAddress)
	if err != nil {
		return nil, err
	}

	score, err := o.readScalar(ctx, ledger.OpGetAgentScore, agent)
	if err != nil {
		return nil, err
	}
	count, err := o.readScalar(ctx, ledger.OpGetAgentReviewCount, agent)
	if err != nil {
		return nil, err
	}
	verified, err := o.readScalar(ctx, ledger.OpIsAgentVerified, agent)
	if err != nil {
		return nil, err
	}
	reports, err := o.readScalar(ctx, ledger.OpGetFraudReports, agent)
	if err != nil {
		return nil, err
	}

	return &Standing{
		AgentAddress:  string(agent),
		Score:         score,
		ReviewCount:   count,
		AverageRating: averageRating(score, count),
		Verified:      verified != 0,
		FraudReports:  reports,
	}, nil
}

func (o *Orchestrator) readScalar(ctx context.Context, op string, agent codec.Felt) (int64, error) {
	out, err := o.gateway.Read(ctx, ledger.QuerySpec{Operation: op, Args: []codec.Felt{agent}})
	if err != nil {
		return 0, err
	}
	if len(out) == 0 {
		return 0, fault.Read("ledger returned an empty result", nil)
	}
	v, err := out[0].Big()
	if err != nil {
		return 0, err
	}
	if !v.IsInt64() {
		return 0, fault.Read("ledger scalar out of range", nil)
	}
	return v.Int64(), nil
}

// averageRating renders a scaled score as a two-decimal rating. An agent
// with no reviews reads as 0.00.
func averageRating(score, count int64) string {
	if count == 0 {
		return "0.00"
	}
	return fmt.Sprintf("%d.%02d", score/scoreScale, score%scoreScale)
}

func parseAddress(s string) (codec.Felt, error) {
	f, err := codec.ParseFelt(strings.TrimSpace(s))
	if err != nil {
		return "", fault.Validationf("address %q is not a valid ledger address", s)
	}
	return f, nil
}

func tokenPair(id string) (codec.Felt, codec.Felt, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(id), 10)
	if !ok || v.Sign() < 0 {
		return "", "", fault.Encodingf("invalid token id %q", id)
	}
	return codec.ToScalarPair(v)
}
