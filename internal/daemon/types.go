package daemon

import (
	"encoding/json"
	"fmt"
)

const rpcClientID = "meridian-indexer-v0"

type RPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

func newRequest(method string, params ...any) RPCRequest {
	if params == nil {
		params = []any{}
	}
	return RPCRequest{JSONRPC: "1.0", ID: rpcClientID, Method: method, Params: params}
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcErrorBody   `json:"error"`
	ID     string          `json:"id"`
}

type rpcErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// RPCError is an error response from the upstream node.
type RPCError struct {
	Code    int
	Method  string
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc %s failed (code %d): %s", e.Method, e.Code, e.Message)
}

// BlockchainInfo is the subset of getblockchaininfo the core consumes.
type BlockchainInfo struct {
	Chain                string  `json:"chain"`
	Blocks               int64   `json:"blocks"`
	Headers              int64   `json:"headers"`
	BestBlockHash        string  `json:"bestblockhash"`
	VerificationProgress float64 `json:"verificationprogress"`
	InitialBlockDownload bool    `json:"initialblockdownload"`
	Pruned               bool    `json:"pruned"`
}

// NetworkInfo is the subset of getnetworkinfo the core consumes.
type NetworkInfo struct {
	Version         int64   `json:"version"`
	Subversion      string  `json:"subversion"`
	RelayFee        float64 `json:"relayfee"` // BTC/kvB
	IncrementalFee  float64 `json:"incrementalfee"`
	ConnectionCount int     `json:"connections"`
}

type estimateSmartFeeResult struct {
	FeeRate float64  `json:"feerate"` // BTC/kvB
	Errors  []string `json:"errors"`
	Blocks  int      `json:"blocks"`
}
