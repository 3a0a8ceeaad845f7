package ledger

import (
	"fmt"
	"sort"

	"github.com/DouglasBagambe/warlnest-starknet/fault"
	"github.com/DouglasBagambe/warlnest-starknet/ledger/codec"
)

// Contract identifies one of the deployed contracts the service talks to.
type Contract string

const (
	ContractPropertyRegistry Contract = "property_registry"
	ContractEscrow           Contract = "escrow"
	ContractReputation       Contract = "reputation"
)

// Logical operation names used by the orchestrators. Resolution to contract
// address and entrypoint happens once, at startup; nothing is looked up
// dynamically per call.
const (
	OpMintProperty             = "mint_property"
	OpVerifyProperty           = "verify_property"
	OpGetPropertyOwner         = "get_property_owner"
	OpGetPropertyMetadata      = "get_property_metadata"
	OpGetPropertyPrice         = "get_property_price"
	OpIsVerified               = "is_verified"
	OpGetVerificationTimestamp = "get_verification_timestamp"
	OpGetPropertyHistory       = "get_property_history"
	OpGetTokenID               = "get_token_id"

	OpCreateEscrow     = "create_escrow"
	OpGetEscrowStatus  = "get_escrow_status"
	OpGetEscrowAmount  = "get_escrow_amount"
	OpGetEscrowParties = "get_escrow_parties"
	OpIsDisputed       = "is_disputed"

	OpRegisterAgent       = "register_agent"
	OpAddReview           = "add_review"
	OpReportFraud         = "report_fraud"
	OpGetAgentScore       = "get_agent_score"
	OpGetAgentReviewCount = "get_agent_review_count"
	OpIsAgentVerified     = "is_agent_verified"
	OpGetFraudReports     = "get_fraud_reports"
)

// CallSig fixes the wire shape of one operation. Arity counts felts after
// encoding, so a 256-bit argument contributes two.
type CallSig struct {
	Contract   Contract
	Entrypoint string
	Arity      int
	Mutates    bool
}

// callSigs is the full static signature set. Arities mirror the deployed
// contract ABIs: token ids and amounts travel as low/high felt pairs.
var callSigs = map[string]CallSig{
	OpMintProperty:             {ContractPropertyRegistry, "mint_property", 7, true},
	OpVerifyProperty:           {ContractPropertyRegistry, "verify_property", 3, true},
	OpGetPropertyOwner:         {ContractPropertyRegistry, "get_property_owner", 2, false},
	OpGetPropertyMetadata:      {ContractPropertyRegistry, "get_property_metadata", 2, false},
	OpGetPropertyPrice:         {ContractPropertyRegistry, "get_property_price", 2, false},
	OpIsVerified:               {ContractPropertyRegistry, "is_verified", 2, false},
	OpGetVerificationTimestamp: {ContractPropertyRegistry, "get_verification_timestamp", 2, false},
	OpGetPropertyHistory:       {ContractPropertyRegistry, "get_property_history", 4, false},
	OpGetTokenID:               {ContractPropertyRegistry, "get_token_id", 1, false},

	OpCreateEscrow:     {ContractEscrow, "create_escrow", 7, true},
	OpGetEscrowStatus:  {ContractEscrow, "get_escrow_status", 2, false},
	OpGetEscrowAmount:  {ContractEscrow, "get_escrow_amount", 2, false},
	OpGetEscrowParties: {ContractEscrow, "get_escrow_parties", 2, false},
	OpIsDisputed:       {ContractEscrow, "is_disputed", 2, false},

	OpRegisterAgent:       {ContractReputation, "register_agent", 2, true},
	OpAddReview:           {ContractReputation, "add_review", 6, true},
	OpReportFraud:         {ContractReputation, "report_fraud", 4, true},
	OpGetAgentScore:       {ContractReputation, "get_agent_score", 1, false},
	OpGetAgentReviewCount: {ContractReputation, "get_agent_review_count", 1, false},
	OpIsAgentVerified:     {ContractReputation, "is_agent_verified", 1, false},
	OpGetFraudReports:     {ContractReputation, "get_fraud_reports", 1, false},
}

// ResolvedCall is a signature bound to its deployed contract address.
type ResolvedCall struct {
	Address    codec.Felt
	Entrypoint string
	Mutates    bool
}

// CallTable binds the static signatures to deployed contract addresses.
type CallTable struct {
	resolved map[string]ResolvedCall
	arity    map[string]int
}

// NewCallTable validates the supplied addresses and resolves every known
// operation against them. Missing addresses fail construction so a
// misconfigured deployment is caught at startup rather than on first use.
func NewCallTable(addresses map[Contract]string) (*CallTable, error) {
	parsed := make(map[Contract]codec.Felt, len(addresses))
	for contract, addr := range addresses {
		felt, err := codec.ParseFelt(addr)
		if err != nil {
			return nil, fmt.Errorf("contract %s address: %w", contract, err)
		}
		parsed[contract] = felt
	}
	table := &CallTable{
		resolved: make(map[string]ResolvedCall, len(callSigs)),
		arity:    make(map[string]int, len(callSigs)),
	}
	missing := map[Contract]bool{}
	for op, sig := range callSigs {
		addr, ok := parsed[sig.Contract]
		if !ok {
			missing[sig.Contract] = true
			continue
		}
		table.resolved[op] = ResolvedCall{Address: addr, Entrypoint: sig.Entrypoint, Mutates: sig.Mutates}
		table.arity[op] = sig.Arity
	}
	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for contract := range missing {
			names = append(names, string(contract))
		}
		sort.Strings(names)
		return nil, fmt.Errorf("missing contract addresses: %v", names)
	}
	return table, nil
}

// Resolve returns the bound call for op after checking the calldata arity.
// Failures here mean a programming or configuration error and are raised
// before any network traffic.
func (t *CallTable) Resolve(op string, argc int) (ResolvedCall, error) {
	rc, ok := t.resolved[op]
	if !ok {
		return ResolvedCall{}, fault.Encodingf("unknown ledger operation %q", op)
	}
	if want := t.arity[op]; argc != want {
		return ResolvedCall{}, fault.Encodingf("operation %s expects %d calldata felts, got %d", op, want, argc)
	}
	return rc, nil
}
