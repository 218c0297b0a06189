// Package daemon is the JSON-RPC client for the upstream full node. It is
// a narrow collaborator: the indexer, mempool and query layers each consume
// a small interface of it, so tests can substitute fakes.
package daemon

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/meridianbtc/meridian/internal/logging"
)

const (
	// Transient failures during catch-up ("Block not found on disk" while
	// the node shuffles block files) are retried before surfacing.
	maxRetries   = 5
	retryBackoff = time.Second
)

type Client struct {
	endpoint string
	user     string
	pass     string
	http     *http.Client
}

func NewClient(endpoint, user, pass string) *Client {
	return &Client{
		endpoint: endpoint,
		user:     user,
		pass:     pass,
		http: &http.Client{
			// bitcoind can take minutes to answer heavy calls during IBD
			Timeout: 10 * time.Minute,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:          64,
				MaxIdleConnsPerHost:   32,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   5 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
	}
}

func (c *Client) post(payload []byte) ([]byte, error) {
	req, err := http.NewRequest(http.MethodPost, c.endpoint, bytes.NewBuffer(payload))
	if err != nil {
		logging.L.Err(err).Msg("error creating request")
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	auth := base64.StdEncoding.EncodeToString([]byte(c.user + ":" + c.pass))
	req.Header.Add("Authorization", "Basic "+auth)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error performing request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		logging.L.Err(err).Int("status_code", resp.StatusCode).Msg("error reading response body")
		return nil, err
	}
	// bitcoind answers RPC errors with 500 and a regular JSON-RPC error
	// body; only treat responses without one as transport failures
	if resp.StatusCode >= 400 && len(body) == 0 {
		err = fmt.Errorf("request failed with status %s", resp.Status)
		logging.L.Err(err).Msg("rpc transport failure")
		return nil, err
	}
	return body, nil
}

// call performs a single request, retrying transient failures.
func (c *Client) call(method string, result any, params ...any) error {
	payload, err := json.Marshal(newRequest(method, params...))
	if err != nil {
		logging.L.Err(err).Msg("error marshaling RPC data")
		return err
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(retryBackoff)
		}
		body, err := c.post(payload)
		if err != nil {
			lastErr = err
			logging.L.Warn().Err(err).Str("method", method).Int("attempt", attempt+1).Msg("rpc call failed, retrying")
			continue
		}

		var resp rpcResponse
		if err = json.Unmarshal(body, &resp); err != nil {
			logging.L.Err(err).Str("method", method).Msg("error unmarshaling response")
			return err
		}
		if resp.Error != nil {
			rpcErr := &RPCError{Code: resp.Error.Code, Method: method, Message: resp.Error.Message}
			if isRetryable(rpcErr) {
				lastErr = rpcErr
				logging.L.Warn().Err(rpcErr).Int("attempt", attempt+1).Msg("retryable rpc error")
				continue
			}
			return rpcErr
		}
		if result == nil {
			return nil
		}
		return json.Unmarshal(resp.Result, result)
	}
	logging.L.Err(lastErr).Str("method", method).Msg("rpc call exhausted retries")
	return lastErr
}

// callBatch performs a batched request. The response slice is matched to
// the request slice by position; bitcoind preserves batch order. Entries
// carrying an RPC error are returned as nil raw messages alongside their
// errors so callers can tolerate partial results.
func (c *Client) callBatch(method string, requests []RPCRequest) ([]json.RawMessage, []*RPCError, error) {
	if len(requests) == 0 {
		return nil, nil, nil
	}
	payload, err := json.Marshal(requests)
	if err != nil {
		logging.L.Err(err).Msg("error marshaling RPC batch")
		return nil, nil, err
	}

	var body []byte
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(retryBackoff)
		}
		body, lastErr = c.post(payload)
		if lastErr == nil {
			break
		}
		logging.L.Warn().Err(lastErr).Str("method", method).Int("attempt", attempt+1).Msg("rpc batch failed, retrying")
	}
	if lastErr != nil {
		return nil, nil, lastErr
	}

	var resps []rpcResponse
	if err = json.Unmarshal(body, &resps); err != nil {
		logging.L.Err(err).Str("method", method).Msg("error unmarshaling batch response")
		return nil, nil, err
	}
	if len(resps) != len(requests) {
		err = fmt.Errorf("batch %s: got %d responses for %d requests", method, len(resps), len(requests))
		logging.L.Err(err).Msg("batch size mismatch")
		return nil, nil, err
	}

	results := make([]json.RawMessage, len(resps))
	rpcErrs := make([]*RPCError, len(resps))
	for i, resp := range resps {
		if resp.Error != nil {
			rpcErrs[i] = &RPCError{Code: resp.Error.Code, Method: method, Message: resp.Error.Message}
			continue
		}
		results[i] = resp.Result
	}
	return results, rpcErrs, nil
}

func isRetryable(err *RPCError) bool {
	return strings.Contains(err.Message, "Block not found on disk")
}
