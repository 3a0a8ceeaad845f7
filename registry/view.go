package registry

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/DouglasBagambe/warlnest-starknet/fault"
	"github.com/DouglasBagambe/warlnest-starknet/ledger"
	"github.com/DouglasBagambe/warlnest-starknet/ledger/codec"
)

// View is a read-through snapshot of a token's confirmed ledger state. It is
// assembled from individual reads and never touches local records.
type View struct {
	TokenID     string     `json:"tokenId"`
	Owner       string     `json:"owner"`
	MetadataURI string     `json:"metadataUri"`
	Price       string     `json:"price"`
	Verified    bool       `json:"verified"`
	VerifiedAt  *time.Time `json:"verifiedAt,omitempty"`
	History     []string   `json:"history"`
}

// BlockchainView aggregates owner, metadata, price, verification state and the
// ownership history for a token. History is fetched page by page as the ledger
// exposes it. The view may race an in-flight write and momentarily lag; this
// is the documented consistency relaxation for reads.
func (o *Orchestrator) BlockchainView(ctx context.Context, tokenID string) (*View, error) {
	tokenLow, tokenHigh, err := tokenPair(tokenID)
	if err != nil {
		return nil, err
	}
	pair := []codec.Felt{tokenLow, tokenHigh}

	view := &View{TokenID: tokenID}

	owner, err := o.readOne(ctx, ledger.OpGetPropertyOwner, pair)
	if err != nil {
		return nil, err
	}
	view.Owner = string(owner)

	metadata, err := o.readOne(ctx, ledger.OpGetPropertyMetadata, pair)
	if err != nil {
		return nil, err
	}
	// The metadata slot stores the listing's short id; the public URI is
	// rebuilt from it here.
	if id, err := codec.DecodeShortID(metadata); err == nil {
		view.MetadataURI = fmt.Sprintf(o.metadataFmt, id)
	} else {
		o.log.Warn("undecodable metadata felt", "tokenId", tokenID, "err", err)
	}

	priceOut, err := o.gateway.Read(ctx, ledger.QuerySpec{Operation: ledger.OpGetPropertyPrice, Args: pair})
	if err != nil {
		return nil, err
	}
	price, err := amountFromResult(priceOut)
	if err != nil {
		return nil, err
	}
	view.Price = codec.FromFixedPoint(price, priceScaleExp)

	verifiedFelt, err := o.readOne(ctx, ledger.OpIsVerified, pair)
	if err != nil {
		return nil, err
	}
	verified, err := verifiedFelt.Big()
	if err != nil {
		return nil, err
	}
	view.Verified = verified.Sign() != 0

	if view.Verified {
		tsFelt, err := o.readOne(ctx, ledger.OpGetVerificationTimestamp, pair)
		if err != nil {
			return nil, err
		}
		ts, err := tsFelt.Big()
		if err != nil {
			return nil, err
		}
		if ts.Sign() > 0 && ts.IsInt64() {
			at := time.Unix(ts.Int64(), 0).UTC()
			view.VerifiedAt = &at
		}
	}

	history, err := o.ownershipHistory(ctx, tokenLow, tokenHigh)
	if err != nil {
		return nil, err
	}
	view.History = history
	return view, nil
}

// ownershipHistory pulls the full owner sequence in ledger-sized pages.
func (o *Orchestrator) ownershipHistory(ctx context.Context, tokenLow, tokenHigh codec.Felt) ([]string, error) {
	var history []string
	for offset := 0; ; offset += historyPageSize {
		offsetFelt, err := codec.FeltFromBig(big.NewInt(int64(offset)))
		if err != nil {
			return nil, err
		}
		limitFelt, err := codec.FeltFromBig(big.NewInt(historyPageSize))
		if err != nil {
			return nil, err
		}
		page, err := o.gateway.Read(ctx, ledger.QuerySpec{
			Operation: ledger.OpGetPropertyHistory,
			Args:      []codec.Felt{tokenLow, tokenHigh, offsetFelt, limitFelt},
		})
		if err != nil {
			return nil, err
		}
		for _, entry := range page {
			history = append(history, string(entry))
		}
		if len(page) < historyPageSize {
			return history, nil
		}
	}
}

func (o *Orchestrator) readOne(ctx context.Context, op string, args []codec.Felt) (codec.Felt, error) {
	out, err := o.gateway.Read(ctx, ledger.QuerySpec{Operation: op, Args: args})
	if err != nil {
		return "", err
	}
	if len(out) == 0 {
		return "", fault.Read("ledger returned an empty result for "+op, nil)
	}
	return out[0], nil
}

// amountFromResult joins a one- or two-felt numeric result into an integer.
func amountFromResult(result []codec.Felt) (*big.Int, error) {
	switch len(result) {
	case 0:
		return nil, fault.Read("ledger returned an empty amount", nil)
	case 1:
		return result[0].Big()
	default:
		return codec.FromScalarPair(result[0], result[1])
	}
}
