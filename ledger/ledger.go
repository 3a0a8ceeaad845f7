// Package ledger defines the contract between the orchestration layer and the
// external append-only ledger, plus the JSON-RPC implementation used in
// production. Submitting a call and waiting for finality are deliberately
// separate steps: Submit never blocks past acceptance, and AwaitFinality is
// the only suspension point in the system.
package ledger

import (
	"context"

	"github.com/DouglasBagambe/warlnest-starknet/ledger/codec"
)

// CallSpec names a state-changing operation and its encoded calldata. The
// operation is resolved against the static call table; the calldata must
// already be felt-encoded by the codec.
type CallSpec struct {
	Operation string
	Calldata  []codec.Felt
}

// QuerySpec names a read-only operation against confirmed ledger state.
type QuerySpec struct {
	Operation string
	Args      []codec.Felt
}

// PendingRef identifies a submitted but not yet finalized call.
type PendingRef struct {
	Operation string
	TxHash    codec.Felt
}

// Receipt is the confirmed outcome of a finalized call.
type Receipt struct {
	TxHash      codec.Felt
	BlockNumber uint64
	Result      []codec.Felt
}

// Gateway is the only doorway to the external ledger.
//
// Submit is at-least-once from the caller's perspective: a timeout after
// submission does not mean the call had no effect, so callers must keep their
// operations idempotent at the orchestration level and reconcile by re-reading
// confirmed state rather than blindly resubmitting.
type Gateway interface {
	// Submit hands the call to the ledger and returns as soon as it is
	// accepted into the pending pool. It never waits for inclusion.
	Submit(ctx context.Context, call CallSpec) (PendingRef, error)
	// AwaitFinality suspends until the referenced call is included in a
	// finalized block, the ledger reports it reverted, or the bounded wait
	// expires. Expiry is surfaced as an uncertain finality fault.
	AwaitFinality(ctx context.Context, ref PendingRef) (*Receipt, error)
	// Read evaluates a read-only entrypoint against confirmed state.
	Read(ctx context.Context, query QuerySpec) ([]codec.Felt, error)
}
