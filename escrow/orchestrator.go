package escrow

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

// amountScaleExp matches the ledger's fixed-point currency scale.
const amountScaleExp = 18

// defaultReleaseConditions is stored when the caller supplies none.
const defaultReleaseConditions = "Standard release conditions"

// ListingStore is the slice of the listing store the orchestrator needs.
type ListingStore interface {
	Get(ctx context.Context, id string) (*listings.Listing, error)
}

// Orchestrator creates escrows and reports their confirmed status. Funding,
// release, refund and dispute happen on the ledger between the parties
// themselves; this service observes, it never drives those transitions.
type Orchestrator struct {
	gateway  ledger.Gateway
	store    *Store
	listings ListingStore
	locks    *keymutex.KeyMutex
	log      *slog.Logger
}

// New constructs an orchestrator.
func New(gateway ledger.Gateway, store *Store, listingStore ListingStore, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		gateway:  gateway,
		store:    store,
		listings: listingStore,
		locks:    keymutex.New(),
		log:      log,
	}
}

// CreateParams describe a new escrow request.
type CreateParams struct {
	ListingID         string `json:"listingId"`
	BuyerAddress      string `json:"buyerAddress"`
	Amount            string `json:"amount"`
	Kind              Kind   `json:"kind"`
	ReleaseConditions string `json:"releaseConditions"`
}

// Create opens an escrow against a tokenized listing. The full
// check → submit → await → commit span holds the per-token lock so two
// escrow requests for the same property serialize; the double-encumbrance
// check re-reads ledger state rather than trusting the local cache.
func (o *Orchestrator) Create(ctx context.Context, p CreateParams) (*Record, error) {
	buyer, err := codec.ParseFelt(strings.TrimSpace(p.BuyerAddress))
	if err != nil {
		return nil, fault.Validationf("buyer address %q is not a valid ledger address", p.BuyerAddress)
	}
	kindCode, err := p.Kind.Code()
	if err != nil {
		return nil, fault.Validationf("%v", err)
	}
	amount, err := codec.ToFixedPoint(p.Amount, amountScaleExp)
	if err != nil {
		return nil, err
	}
	if amount.Sign() <= 0 {
		return nil, fault.Validationf("escrow amount must be positive")
	}
	conditions := strings.TrimSpace(p.ReleaseConditions)
	if conditions == "" {
		conditions = defaultReleaseConditions
	}

	rec, err := o.listings.Get(ctx, p.ListingID)
	if err != nil {
		return nil, err
	}
	if !rec.Tokenized() {
		return nil, fault.NotTokenized(p.ListingID)
	}
	tokenID := *rec.TokenID

	unlock := o.locks.Lock(tokenID)
	defer unlock()

	// A cached status is never current enough to decide encumbrance: re-read
	// every open escrow on this token before committing a new one.
	open, err := o.store.OpenForToken(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	for i := range open {
		status, err := o.refresh(ctx, &open[i])
		if err != nil {
			return nil, err
		}
		if !status.Terminal() {
			return nil, fault.Preconditionf("token %s is already encumbered by escrow %s (%s)",
				tokenID, open[i].EscrowID, status)
		}
	}

	tokenLow, tokenHigh, err := scalarPair(tokenID)
	if err != nil {
		return nil, err
	}
	amountLow, amountHigh, err := codec.ToScalarPair(amount)
	if err != nil {
		return nil, err
	}
	kindFelt, err := codec.FeltFromBig(big.NewInt(int64(kindCode)))
	if err != nil {
		return nil, err
	}
	conditionsHash := codec.HashCommitment(conditions)

	ref, err := o.gateway.Submit(ctx, ledger.CallSpec{
		Operation: ledger.OpCreateEscrow,
		Calldata:  []codec.Felt{tokenLow, tokenHigh, buyer, amountLow, amountHigh, kindFelt, conditionsHash},
	})
	if err != nil {
		return nil, err
	}
	receipt, err := o.gateway.AwaitFinality(ctx, ref)
	if err != nil {
		if fault.IsUncertain(err) {
			o.log.Warn("escrow outcome unknown, ledger must be re-read before retry",
				"tokenId", tokenID, "txHash", ref.TxHash)
		}
		return nil, err
	}

	// The escrow exists on the ledger from here on; any failure before the
	// local row commits is uncertain so a retry replays rather than opening
	// a second escrow.
	escrowID, err := idFromResult(receipt.Result)
	if err != nil {
		return nil, fault.ReadAfterSubmit(
			fmt.Sprintf("escrow confirmed in tx %s but the receipt was unreadable", receipt.TxHash), err)
	}
	seller := ""
	if rec.OwnerWalletAddress != nil {
		seller = *rec.OwnerWalletAddress
	}
	record := &Record{
		EscrowID:          escrowID,
		TokenID:           tokenID,
		Buyer:             string(buyer),
		Seller:            seller,
		Amount:            amount.String(),
		Kind:              p.Kind,
		Status:            StatusPending,
		ReleaseConditions: conditions,
		CreateTxRef:       string(receipt.TxHash),
	}
	if err := o.store.Save(ctx, record); err != nil {
		return nil, fault.ReadAfterSubmit(
			fmt.Sprintf("escrow %s confirmed in tx %s but the local record write failed", escrowID, receipt.TxHash), err)
	}
	o.log.Info("escrow created", "escrowId", escrowID, "tokenId", tokenID, "kind", p.Kind)
	return record, nil
}

// StatusView is the confirmed snapshot reported to callers.
type StatusView struct {
	EscrowID string `json:"escrowId"`
	Status   Status `json:"status"`
	Amount   string `json:"amount"`
	Seller   string `json:"seller"`
	Buyer    string `json:"buyer"`
	Disputed bool   `json:"disputed"`
}

// Status re-reads the escrow from the ledger and reports it, refreshing the
// local cache on the way. A terminal cached state is never regressed: the
// contract cannot leave released or refunded, so a read claiming otherwise is
// treated as noise.
func (o *Orchestrator) Status(ctx context.Context, escrowID string) (*StatusView, error) {
	low, high, err := scalarPair(escrowID)
	if err != nil {
		return nil, err
	}
	pair := []codec.Felt{low, high}

	statusOut, err := o.gateway.Read(ctx, ledger.QuerySpec{Operation: ledger.OpGetEscrowStatus, Args: pair})
	if err != nil {
		return nil, err
	}
	code, err := singleInt(statusOut)
	if err != nil {
		return nil, err
	}
	status, err := StatusFromCode(code)
	if err != nil {
		return nil, err
	}

	amountOut, err := o.gateway.Read(ctx, ledger.QuerySpec{Operation: ledger.OpGetEscrowAmount, Args: pair})
	if err != nil {
		return nil, err
	}
	amount, err := joinAmount(amountOut)
	if err != nil {
		return nil, err
	}

	partiesOut, err := o.gateway.Read(ctx, ledger.QuerySpec{Operation: ledger.OpGetEscrowParties, Args: pair})
	if err != nil {
		return nil, err
	}
	seller, buyer := "", ""
	if len(partiesOut) > 0 {
		seller = string(partiesOut[0])
	}
	if len(partiesOut) > 1 {
		buyer = string(partiesOut[1])
	}

	disputedOut, err := o.gateway.Read(ctx, ledger.QuerySpec{Operation: ledger.OpIsDisputed, Args: pair})
	if err != nil {
		return nil, err
	}
	disputedCode, err := singleInt(disputedOut)
	if err != nil {
		return nil, err
	}

	status = o.cacheStatus(ctx, escrowID, status)

	return &StatusView{
		EscrowID: escrowID,
		Status:   status,
		Amount:   amount.String(),
		Seller:   seller,
		Buyer:    buyer,
		Disputed: disputedCode != 0,
	}, nil
}

// cacheStatus refreshes the local record with a confirmed read, enforcing
// that terminal states never regress. Returns the status to report.
func (o *Orchestrator) cacheStatus(ctx context.Context, escrowID string, confirmed Status) Status {
	local, err := o.store.Get(ctx, escrowID)
	if err != nil {
		// Escrows created outside this service have no local row; nothing to
		// refresh.
		return confirmed
	}
	if local.Status.Terminal() && confirmed != local.Status {
		o.log.Warn("ignoring status regression for terminal escrow",
			"escrowId", escrowID, "cached", local.Status, "read", confirmed)
		return local.Status
	}
	if confirmed != local.Status {
		if err := o.store.SetStatus(ctx, escrowID, confirmed); err != nil {
			o.log.Error("refresh escrow status", "escrowId", escrowID, "err", err)
		}
	}
	return confirmed
}

// refresh re-reads one record's status from the ledger and caches it.
func (o *Orchestrator) refresh(ctx context.Context, rec *Record) (Status, error) {
	low, high, err := scalarPair(rec.EscrowID)
	if err != nil {
		return "", err
	}
	out, err := o.gateway.Read(ctx, ledger.QuerySpec{
		Operation: ledger.OpGetEscrowStatus,
		Args:      []codec.Felt{low, high},
	})
	if err != nil {
		return "", err
	}
	code, err := singleInt(out)
	if err != nil {
		return "", err
	}
	status, err := StatusFromCode(code)
	if err != nil {
		return "", err
	}
	return o.cacheStatus(ctx, rec.EscrowID, status), nil
}

func scalarPair(id string) (codec.Felt, codec.Felt, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(id), 10)
	if !ok || v.Sign() < 0 {
		return "", "", fault.Encodingf("invalid ledger id %q", id)
	}
	return codec.ToScalarPair(v)
}

func idFromResult(result []codec.Felt) (string, error) {
	switch len(result) {
	case 0:
		return "", fault.Read("create receipt carried no escrow id", nil)
	case 1:
		v, err := result[0].Big()
		if err != nil {
			return "", err
		}
		return v.String(), nil
	default:
		v, err := codec.FromScalarPair(result[0], result[1])
		if err != nil {
			return "", err
		}
		return v.String(), nil
	}
}

func joinAmount(result []codec.Felt) (*big.Int, error) {
	switch len(result) {
	case 0:
		return nil, fault.Read("ledger returned an empty amount", nil)
	case 1:
		return result[0].Big()
	default:
		return codec.FromScalarPair(result[0], result[1])
	}
}

func singleInt(result []codec.Felt) (int64, error) {
	if len(result) == 0 {
		return 0, fault.Read("ledger returned an empty result", nil)
	}
	v, err := result[0].Big()
	if err != nil {
		return 0, err
	}
	if !v.IsInt64() {
		return 0, fault.Read("ledger scalar out of range", nil)
	}
	return v.Int64(), nil
}
