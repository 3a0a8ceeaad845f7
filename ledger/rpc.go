package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/DouglasBagambe/warlnest-starknet/fault"
	"github.com/DouglasBagambe/warlnest-starknet/ledger/codec"
	"github.com/DouglasBagambe/warlnest-starknet/observability"
)

const (
	defaultPollInterval    = 2 * time.Second
	defaultFinalityTimeout = 90 * time.Second
	defaultHTTPTimeout     = 10 * time.Second
)

// Transaction statuses reported by the node.
const (
	statusPending   = "PENDING"
	statusFinalized = "FINALIZED"
	statusReverted  = "REVERTED"
	statusRejected  = "REJECTED"
)

// RPCGateway implements Gateway against the node's JSON-RPC endpoint.
type RPCGateway struct {
	baseURL         string
	authToken       string
	table           *CallTable
	http            *http.Client
	nextID          atomic.Int64
	pollInterval    time.Duration
	finalityTimeout time.Duration
	metrics         *observability.LedgerMetrics
	tracer          trace.Tracer
}

// RPCOption tweaks an RPCGateway.
type RPCOption func(*RPCGateway)

// WithPollInterval overrides the receipt polling cadence.
func WithPollInterval(d time.Duration) RPCOption {
	return func(g *RPCGateway) {
		if d > 0 {
			g.pollInterval = d
		}
	}
}

// WithFinalityTimeout bounds how long AwaitFinality will wait.
func WithFinalityTimeout(d time.Duration) RPCOption {
	return func(g *RPCGateway) {
		if d > 0 {
			g.finalityTimeout = d
		}
	}
}

// WithMetrics attaches prometheus instrumentation.
func WithMetrics(m *observability.LedgerMetrics) RPCOption {
	return func(g *RPCGateway) { g.metrics = m }
}

// WithHTTPClient swaps the underlying HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) RPCOption {
	return func(g *RPCGateway) {
		if c != nil {
			g.http = c
		}
	}
}

// NewRPCGateway builds a gateway bound to the resolved call table.
func NewRPCGateway(baseURL, authToken string, table *CallTable, opts ...RPCOption) *RPCGateway {
	g := &RPCGateway{
		baseURL:         baseURL,
		authToken:       authToken,
		table:           table,
		http:            &http.Client{Timeout: defaultHTTPTimeout},
		pollInterval:    defaultPollInterval,
		finalityTimeout: defaultFinalityTimeout,
		tracer:          otel.Tracer("warlnest/ledger"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type invokeResult struct {
	TxHash string `json:"txHash"`
}

type callResult struct {
	Result []string `json:"result"`
}

type receiptResult struct {
	TxHash      string   `json:"txHash"`
	Status      string   `json:"status"`
	BlockNumber uint64   `json:"blockNumber"`
	Result      []string `json:"result"`
}

// Submit resolves the call against the static table and posts it to the node.
// It returns once the node accepts the transaction into its pending pool.
func (g *RPCGateway) Submit(ctx context.Context, call CallSpec) (PendingRef, error) {
	rc, err := g.table.Resolve(call.Operation, len(call.Calldata))
	if err != nil {
		return PendingRef{}, err
	}
	if !rc.Mutates {
		return PendingRef{}, fault.Encodingf("operation %s is read-only, use Read", call.Operation)
	}
	ctx, span := g.tracer.Start(ctx, "ledger.submit",
		trace.WithAttributes(attribute.String("ledger.operation", call.Operation)))
	defer span.End()

	payload := map[string]interface{}{
		"contract":   rc.Address,
		"entrypoint": rc.Entrypoint,
		"calldata":   call.Calldata,
	}
	var result invokeResult
	if err := g.rpc(ctx, "ledger_invoke", []interface{}{payload}, &result); err != nil {
		g.metrics.ObserveSubmission(call.Operation, "rejected")
		return PendingRef{}, fault.Submission(fmt.Sprintf("submit %s", call.Operation), err)
	}
	txHash, err := codec.ParseFelt(result.TxHash)
	if err != nil {
		g.metrics.ObserveSubmission(call.Operation, "rejected")
		return PendingRef{}, fault.Submission(fmt.Sprintf("submit %s: malformed tx hash", call.Operation), err)
	}
	g.metrics.ObserveSubmission(call.Operation, "accepted")
	return PendingRef{Operation: call.Operation, TxHash: txHash}, nil
}

// AwaitFinality polls the node for the transaction receipt until the call is
// finalized, definitively fails, or the bounded wait expires. Expiry yields an
// uncertain fault: the transaction may still land, so callers reconcile by
// re-reading confirmed state.
func (g *RPCGateway) AwaitFinality(ctx context.Context, ref PendingRef) (*Receipt, error) {
	ctx, span := g.tracer.Start(ctx, "ledger.await_finality",
		trace.WithAttributes(
			attribute.String("ledger.operation", ref.Operation),
			attribute.String("ledger.tx_hash", string(ref.TxHash)),
		))
	defer span.End()

	started := time.Now()
	deadline := started.Add(g.finalityTimeout)
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		receipt, status, err := g.fetchReceipt(ctx, ref.TxHash)
		switch {
		case err != nil:
			// Transient read problems do not decide the outcome; keep polling
			// until the deadline.
		case status == statusFinalized:
			g.metrics.ObserveFinalityWait(ref.Operation, "finalized", time.Since(started))
			return receipt, nil
		case status == statusReverted || status == statusRejected:
			g.metrics.ObserveFinalityWait(ref.Operation, "reverted", time.Since(started))
			return nil, fault.Submission(
				fmt.Sprintf("%s tx %s %s on ledger", ref.Operation, ref.TxHash, strings.ToLower(status)), nil)
		}

		if time.Now().After(deadline) {
			g.metrics.ObserveFinalityWait(ref.Operation, "timeout", time.Since(started))
			return nil, fault.Finality(
				fmt.Sprintf("%s tx %s not finalized within %s", ref.Operation, ref.TxHash, g.finalityTimeout), err)
		}
		select {
		case <-ctx.Done():
			g.metrics.ObserveFinalityWait(ref.Operation, "cancelled", time.Since(started))
			return nil, fault.Finality(
				fmt.Sprintf("wait for %s tx %s abandoned", ref.Operation, ref.TxHash), ctx.Err())
		case <-ticker.C:
		}
	}
}

// Read evaluates a read-only entrypoint against confirmed state.
func (g *RPCGateway) Read(ctx context.Context, query QuerySpec) ([]codec.Felt, error) {
	rc, err := g.table.Resolve(query.Operation, len(query.Args))
	if err != nil {
		return nil, err
	}
	if rc.Mutates {
		return nil, fault.Encodingf("operation %s mutates state, use Submit", query.Operation)
	}
	payload := map[string]interface{}{
		"contract":   rc.Address,
		"entrypoint": rc.Entrypoint,
		"calldata":   query.Args,
	}
	var result callResult
	if err := g.rpc(ctx, "ledger_call", []interface{}{payload}, &result); err != nil {
		g.metrics.ObserveRead(query.Operation, "error")
		return nil, fault.Read(fmt.Sprintf("read %s", query.Operation), err)
	}
	felts, err := parseFelts(result.Result)
	if err != nil {
		g.metrics.ObserveRead(query.Operation, "error")
		return nil, fault.Read(fmt.Sprintf("read %s: malformed result", query.Operation), err)
	}
	g.metrics.ObserveRead(query.Operation, "ok")
	return felts, nil
}

func (g *RPCGateway) fetchReceipt(ctx context.Context, txHash codec.Felt) (*Receipt, string, error) {
	var result receiptResult
	if err := g.rpc(ctx, "ledger_getReceipt", []interface{}{map[string]string{"txHash": string(txHash)}}, &result); err != nil {
		return nil, "", err
	}
	status := strings.ToUpper(strings.TrimSpace(result.Status))
	if status != statusFinalized {
		return nil, status, nil
	}
	felts, err := parseFelts(result.Result)
	if err != nil {
		return nil, "", err
	}
	return &Receipt{TxHash: txHash, BlockNumber: result.BlockNumber, Result: felts}, status, nil
}

func parseFelts(raw []string) ([]codec.Felt, error) {
	felts := make([]codec.Felt, 0, len(raw))
	for _, s := range raw {
		f, err := codec.ParseFelt(s)
		if err != nil {
			return nil, err
		}
		felts = append(felts, f)
	}
	return felts, nil
}

func (g *RPCGateway) rpc(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := g.nextID.Add(1)
	buf, err := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(g.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+g.authToken)
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("node rpc %s failed: status=%d body=%s", method, resp.StatusCode, string(body))
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("node rpc error: %s", rpcResp.Error.Message)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return errors.New("node rpc returned empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}
