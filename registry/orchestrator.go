// Package registry owns the mint → verify state machine for a listing's
// tokenized representation. Transitions only move forward: a listing is
// Unminted until its mint call reaches finality, Minted afterwards, and
// optionally Verified once an admin verification call confirms. A failed mint
// leaves the record Unminted; nothing rolls back on the ledger side.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/DouglasBagambe/warlnest-starknet/fault"
	"github.com/DouglasBagambe/warlnest-starknet/internal/keymutex"
	"github.com/DouglasBagambe/warlnest-starknet/ledger"
	"github.com/DouglasBagambe/warlnest-starknet/ledger/codec"
	"github.com/DouglasBagambe/warlnest-starknet/listings"
)

// priceScaleExp is the fixed-point scale the ledger uses for currency amounts.
const priceScaleExp = 18

// historyPageSize is the number of ownership entries fetched per ledger read.
const historyPageSize = 50

// ListingStore is the slice of the listing store the orchestrator needs.
type ListingStore interface {
	Get(ctx context.Context, id string) (*listings.Listing, error)
	GetByTokenID(ctx context.Context, tokenID string) (*listings.Listing, error)
	ApplyTokenPatch(ctx context.Context, id string, patch listings.TokenPatch) error
}

// Orchestrator coordinates the local listing record with its on-ledger token.
type Orchestrator struct {
	gateway     ledger.Gateway
	store       ListingStore
	locks       *keymutex.KeyMutex
	log         *slog.Logger
	metadataFmt string
	nowFn       func() time.Time
}

// New constructs an orchestrator. metadataBase is the public URL prefix under
// which listing metadata is served, e.g. "https://api.warlnest.com/metadata".
func New(gateway ledger.Gateway, store ListingStore, metadataBase string, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		gateway:     gateway,
		store:       store,
		locks:       keymutex.New(),
		log:         log,
		metadataFmt: strings.TrimRight(metadataBase, "/") + "/%s",
		nowFn:       time.Now,
	}
}

// SetNowFunc overrides the wall clock, for tests.
func (o *Orchestrator) SetNowFunc(now func() time.Time) {
	if now != nil {
		o.nowFn = now
	}
}

// MintResult reports a confirmed mint.
type MintResult struct {
	ListingID string `json:"listingId"`
	TokenID   string `json:"tokenId"`
	TxRef     string `json:"transactionHash"`
}

// Mint tokenizes a listing. The whole check → submit → await → commit span
// runs under the per-listing lock so at most one mint is in flight per
// listing; a concurrent attempt loses the race with a precondition fault.
func (o *Orchestrator) Mint(ctx context.Context, listingID, ownerAddress string) (*MintResult, error) {
	owner, err := parseAddress("owner address", ownerAddress)
	if err != nil {
		return nil, err
	}

	unlock := o.locks.Lock(listingID)
	defer unlock()

	rec, err := o.store.Get(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if rec.Tokenized() {
		return nil, fault.Preconditionf("listing %s is already minted as token %s", listingID, *rec.TokenID)
	}

	propertyFelt, err := codec.EncodeShortID(listingID)
	if err != nil {
		return nil, err
	}

	// Local state says Unminted, but another service instance may have minted
	// since our last write. The ledger is authoritative: re-read before
	// submitting, and reconcile the cache when it disagrees.
	if tokenID, err := o.ledgerTokenID(ctx, propertyFelt); err != nil {
		return nil, err
	} else if tokenID != "" {
		o.reconcileMinted(ctx, listingID, tokenID, owner)
		return nil, fault.Preconditionf("listing %s is already minted on the ledger as token %s", listingID, tokenID)
	}

	// The metadata slot carries the listing's short id; the public URI is
	// derived from it on read. A full URI exceeds the 31-byte short-string
	// limit and would truncate to a constant prefix shared by every token.
	metadataFelt := propertyFelt
	typeCode, err := rec.Type.Code()
	if err != nil {
		return nil, fault.Validationf("%v", err)
	}
	price, err := codec.ToFixedPoint(formatAmount(rec.Price), priceScaleExp)
	if err != nil {
		return nil, err
	}
	priceLow, priceHigh, err := codec.ToScalarPair(price)
	if err != nil {
		return nil, err
	}
	locationHash := codec.HashCommitment(rec.Location + rec.Region + rec.District)
	typeFelt, err := codec.FeltFromBig(big.NewInt(int64(typeCode)))
	if err != nil {
		return nil, err
	}

	ref, err := o.gateway.Submit(ctx, ledger.CallSpec{
		Operation: ledger.OpMintProperty,
		Calldata:  []codec.Felt{propertyFelt, owner, metadataFelt, priceLow, priceHigh, typeFelt, locationHash},
	})
	if err != nil {
		return nil, err
	}
	receipt, err := o.gateway.AwaitFinality(ctx, ref)
	if err != nil {
		if fault.IsUncertain(err) {
			o.log.Warn("mint outcome unknown, ledger must be re-read before retry",
				"listingId", listingID, "txHash", ref.TxHash)
		}
		return nil, err
	}

	// The token exists on the ledger from here on; failures before the local
	// row commits are uncertain so a retry re-reads instead of re-minting.
	tokenID, err := tokenIDFromResult(receipt.Result)
	if err != nil {
		return nil, fault.ReadAfterSubmit(
			fmt.Sprintf("mint confirmed in tx %s but the receipt was unreadable", receipt.TxHash), err)
	}
	txRef := string(receipt.TxHash)
	onChain := true
	ownerStr := string(owner)
	if err := o.store.ApplyTokenPatch(ctx, listingID, listings.TokenPatch{
		TokenID:            &tokenID,
		MintTxRef:          &txRef,
		OnChain:            &onChain,
		OwnerWalletAddress: &ownerStr,
	}); err != nil {
		return nil, fault.ReadAfterSubmit(
			fmt.Sprintf("mint confirmed in tx %s but the local record write failed", txRef), err)
	}
	o.log.Info("listing minted", "listingId", listingID, "tokenId", tokenID, "txHash", txRef)
	return &MintResult{ListingID: listingID, TokenID: tokenID, TxRef: txRef}, nil
}

// VerifyResult reports a confirmed verification.
type VerifyResult struct {
	ListingID string `json:"listingId"`
	TokenID   string `json:"tokenId"`
	TxRef     string `json:"transactionHash"`
}

// Verify marks a minted listing as officially verified. Authority is enforced
// by the ledger: the call fails at submission when the account lacks rights.
// Verification does not reverse.
func (o *Orchestrator) Verify(ctx context.Context, listingID, verifierAddress string) (*VerifyResult, error) {
	verifier, err := parseAddress("verifier address", verifierAddress)
	if err != nil {
		return nil, err
	}

	unlock := o.locks.Lock(listingID)
	defer unlock()

	rec, err := o.store.Get(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if !rec.Tokenized() {
		return nil, fault.NotTokenized(listingID)
	}
	if rec.Verified {
		return nil, fault.Preconditionf("listing %s is already verified", listingID)
	}

	tokenLow, tokenHigh, err := tokenPair(*rec.TokenID)
	if err != nil {
		return nil, err
	}
	ref, err := o.gateway.Submit(ctx, ledger.CallSpec{
		Operation: ledger.OpVerifyProperty,
		Calldata:  []codec.Felt{tokenLow, tokenHigh, verifier},
	})
	if err != nil {
		return nil, err
	}
	receipt, err := o.gateway.AwaitFinality(ctx, ref)
	if err != nil {
		return nil, err
	}

	verified := true
	txRef := string(receipt.TxHash)
	verifiedAt := o.nowFn().UTC()
	if err := o.store.ApplyTokenPatch(ctx, listingID, listings.TokenPatch{
		Verified:          &verified,
		VerificationTxRef: &txRef,
		VerifiedAt:        &verifiedAt,
	}); err != nil {
		return nil, fault.ReadAfterSubmit(
			fmt.Sprintf("verification confirmed in tx %s but the local record write failed", txRef), err)
	}
	o.log.Info("listing verified", "listingId", listingID, "tokenId", *rec.TokenID, "txHash", txRef)
	return &VerifyResult{ListingID: listingID, TokenID: *rec.TokenID, TxRef: txRef}, nil
}

// ledgerTokenID asks the registry contract which token, if any, was minted for
// the property id. Returns "" when the property is unminted.
func (o *Orchestrator) ledgerTokenID(ctx context.Context, propertyFelt codec.Felt) (string, error) {
	out, err := o.gateway.Read(ctx, ledger.QuerySpec{
		Operation: ledger.OpGetTokenID,
		Args:      []codec.Felt{propertyFelt},
	})
	if err != nil {
		return "", err
	}
	if len(out) == 0 {
		return "", nil
	}
	v, err := out[0].Big()
	if err != nil {
		return "", err
	}
	if v.Sign() == 0 {
		return "", nil
	}
	return v.String(), nil
}

// reconcileMinted patches the local cache after discovering a confirmed mint
// the cache missed, e.g. after an abandoned finality wait.
func (o *Orchestrator) reconcileMinted(ctx context.Context, listingID, tokenID string, owner codec.Felt) {
	onChain := true
	ownerStr := string(owner)
	if err := o.store.ApplyTokenPatch(ctx, listingID, listings.TokenPatch{
		TokenID:            &tokenID,
		OnChain:            &onChain,
		OwnerWalletAddress: &ownerStr,
	}); err != nil {
		o.log.Error("reconcile minted listing", "listingId", listingID, "err", err)
		return
	}
	o.log.Warn("local cache lagged ledger, reconciled confirmed mint",
		"listingId", listingID, "tokenId", tokenID)
}

func tokenIDFromResult(result []codec.Felt) (string, error) {
	switch len(result) {
	case 0:
		return "", fault.Read("mint receipt carried no token id", nil)
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

// tokenPair renders a decimal token id as the low/high felt pair the ledger
// expects for 256-bit arguments.
func tokenPair(tokenID string) (codec.Felt, codec.Felt, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(tokenID), 10)
	if !ok || v.Sign() < 0 {
		return "", "", fault.Encodingf("invalid token id %q", tokenID)
	}
	return codec.ToScalarPair(v)
}

func parseAddress(what, addr string) (codec.Felt, error) {
	if strings.TrimSpace(addr) == "" {
		return "", fault.Validationf("%s is required", what)
	}
	felt, err := codec.ParseFelt(addr)
	if err != nil {
		return "", fault.Validationf("%s %q is not a valid ledger address", what, addr)
	}
	return felt, nil
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
