// Package archnode implements the JSON-RPC client for the Arch node:
// the six methods the indexer consumes, with connection pooling,
// bounded exponential-backoff retries and tolerant deserialization of
// byte-array / hex / base58 payload fields.
package archnode

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/atlasindexer/atlas/internal/apperr"
)

// Options tunes the client. Zero values take the defaults from the
// deployment configuration.
type Options struct {
	InitialBackoff time.Duration // default 200ms
	MaxRetries     int           // default 5
	RequestTimeout time.Duration // default 30s
	InsecureTLS    bool          // accept self-signed certs (test deployments)
}

// Client issues JSON-RPC 2.0 calls over HTTP POST. It is safe for
// concurrent use; the only shared state is the connection pool.
type Client struct {
	url        string
	httpClient *http.Client
	opts       Options
	log        zerolog.Logger
	reqID      atomic.Uint64
}

// NewClient builds a client for the node at url.
func NewClient(url string, opts Options, log zerolog.Logger) *Client {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 200 * time.Millisecond
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 60 * time.Second,
		}).DialContext,
	}
	if opts.InsecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Client{
		url: url,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   opts.RequestTimeout,
		},
		opts: opts,
		log:  log.With().Str("component", "archnode").Logger(),
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      uint64 `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// call runs one JSON-RPC method inside the retry loop. A null result
// short-circuits retries and returns apperr.NotFound; every other
// failure (HTTP error, non-2xx, JSON parse error, rpc error object)
// is retried with exponential backoff until the attempt budget is
// spent, then surfaced as *apperr.RPCUnavailable.
func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	attempt := func() error {
		raw, err := c.post(ctx, method, params)
		if err != nil {
			return err
		}
		if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
			return backoff.Permanent(apperr.NotFound)
		}
		if out == nil {
			return nil
		}
		if err = json.Unmarshal(raw, out); err != nil {
			c.log.Warn().Str("method", method).RawJSON("payload", raw).Err(err).
				Msg("rpc result deserialization failed")
			return apperr.Protocolf("decode %s result: %v", method, err)
		}
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.opts.InitialBackoff
	retries := backoff.WithMaxRetries(expo, uint64(c.opts.MaxRetries-1))

	err := backoff.RetryNotify(attempt, backoff.WithContext(retries, ctx), func(err error, next time.Duration) {
		c.log.Debug().Str("method", method).Dur("retry_in", next).Err(err).Msg("rpc call retrying")
	})
	if err == nil {
		return nil
	}
	if err == apperr.NotFound {
		return apperr.NotFound
	}
	return &apperr.RPCUnavailable{Method: method, Cause: err}
}

func (c *Client) post(ctx context.Context, method string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.reqID.Add(1),
	})
	if err != nil {
		return nil, apperr.StdErr("marshal rpc request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, apperr.StdErr("build rpc request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("rpc %s: http status %d", method, resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var rr rpcResponse
	if err = json.Unmarshal(raw, &rr); err != nil {
		c.log.Warn().Str("method", method).Bytes("payload", raw).Err(err).
			Msg("rpc response deserialization failed")
		return nil, err
	}
	if rr.Error != nil {
		return nil, rr.Error
	}
	return rr.Result, nil
}

// BlockCount returns the node tip height.
func (c *Client) BlockCount(ctx context.Context) (uint64, error) {
	var height uint64
	if err := c.call(ctx, "get_block_count", []any{}, &height); err != nil {
		return 0, err
	}
	return height, nil
}

// BlockHash returns the hash of the block at height. The node expects
// a bare scalar param for this method.
func (c *Client) BlockHash(ctx context.Context, height uint64) (string, error) {
	var hash string
	if err := c.call(ctx, "get_block_hash", height, &hash); err != nil {
		return "", err
	}
	return hash, nil
}

// Block returns the block with the given hash. Positional array param.
func (c *Client) Block(ctx context.Context, hash string) (*BlockRecord, error) {
	var block BlockRecord
	if err := c.call(ctx, "get_block", []any{hash}, &block); err != nil {
		return nil, err
	}
	return &block, nil
}

// ProcessedTx returns the executed transaction for txid, or
// apperr.NotFound. Bare scalar param.
func (c *Client) ProcessedTx(ctx context.Context, txid string) (*ProcessedTx, error) {
	var tx ProcessedTx
	if err := c.call(ctx, "get_processed_transaction", txid, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// MempoolTxIDs lists the txids currently in the node mempool.
func (c *Client) MempoolTxIDs(ctx context.Context) ([]string, error) {
	var txids []string
	if err := c.call(ctx, "get_mempool_txids", []any{}, &txids); err != nil {
		return nil, err
	}
	return txids, nil
}

// MempoolEntry returns the opaque mempool entry for txid, or
// apperr.NotFound when the node no longer has it.
func (c *Client) MempoolEntry(ctx context.Context, txid string) (json.RawMessage, error) {
	var entry json.RawMessage
	if err := c.call(ctx, "get_mempool_entry", txid, &entry); err != nil {
		return nil, err
	}
	return entry, nil
}
