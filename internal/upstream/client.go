package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"math/rand"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/polkatrace/graph-engine/internal/metrics"
	"github.com/polkatrace/graph-engine/pkg/models"
)

// Config tunes the upstream fetch fabric.
type Config struct {
	Endpoint         string
	APIKey           string
	RatePerSec       int64
	Burst            int64
	FailureThreshold int
	RecoveryTimeout  time.Duration
	QueueBound       int
	MediumHold       time.Duration
	MaxRetries       int
	BaseDelay        time.Duration
	RequestTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 5
	}
	if c.Burst <= 0 {
		c.Burst = c.RatePerSec * 2
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.MediumHold <= 0 {
		c.MediumHold = 10 * time.Second
	}
	return c
}

type callResult struct {
	data []byte
	err  error
}

// call is one queued upstream request. The result channel is buffered
// so the worker never blocks on an abandoned caller.
type call struct {
	ctx  context.Context
	op   string
	path string
	body any
	done chan callResult
}

// Client is the rate-limited, circuit-broken, priority-scheduled client
// to the external indexer API. One Client (and thus one token bucket
// and one breaker) exists per upstream.
type Client struct {
	cfg     Config
	bucket  *TokenBucket
	breaker *CircuitBreaker
	queue   *PriorityQueue[*call]
	http    *http.Client
	log     zerolog.Logger
	met     *metrics.Metrics
	running atomic.Bool
}

// NewClient wires the fabric together. Call Run to start the worker.
func NewClient(cfg Config, log zerolog.Logger, met *metrics.Metrics) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		cfg: cfg,
		log: log.With().Str("component", "upstream").Logger(),
		met: met,
		http: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	c.bucket = NewTokenBucket(cfg.Burst, cfg.RatePerSec, time.Second)
	c.breaker = NewCircuitBreaker(cfg.FailureThreshold, cfg.RecoveryTimeout, func(s BreakerState) {
		c.log.Warn().Str("state", s.String()).Msg("circuit breaker state change")
		if met != nil {
			met.BreakerState.Set(float64(s))
		}
	})
	c.queue = NewPriorityQueue[*call](cfg.QueueBound, cfg.MediumHold, func(item *call, p Priority) {
		if met != nil {
			met.UpstreamDropped.WithLabelValues(p.String()).Inc()
		}
		item.done <- callResult{err: newError(CodeRateLimited, "request dropped under upstream backpressure", nil)}
	})
	return c
}

// Run drains the priority queue until ctx is cancelled. A reentry guard
// keeps a second Run from double-draining.
func (c *Client) Run(ctx context.Context) {
	if !c.running.CompareAndSwap(false, true) {
		c.log.Warn().Msg("worker already draining, ignoring duplicate Run")
		return
	}
	defer c.running.Store(false)

	for {
		item, p, err := c.queue.Pop(ctx)
		if err != nil {
			return
		}
		c.updateQueueGauges()

		if item.ctx.Err() != nil {
			item.done <- callResult{err: item.ctx.Err()}
			continue
		}

		waited, err := c.bucket.WaitAndConsume(item.ctx, 1)
		if c.met != nil {
			c.met.BucketWaitSeconds.Observe(waited.Seconds())
		}
		if err != nil {
			item.done <- callResult{err: err}
			continue
		}

		data, err := c.executeWithRetry(item)
		if c.met != nil {
			outcome := "ok"
			if err != nil {
				outcome = string(CodeOf(err))
				if outcome == "" {
					outcome = "error"
				}
			}
			c.met.UpstreamCalls.WithLabelValues(item.op, outcome).Inc()
		}
		item.done <- callResult{data: data, err: err}
		_ = p
	}
}

func (c *Client) updateQueueGauges() {
	if c.met == nil {
		return
	}
	for p, n := range c.queue.LenByPriority() {
		c.met.QueueDepth.WithLabelValues(p.String()).Set(float64(n))
	}
}

// executeWithRetry runs the HTTP call through the breaker, retrying
// transient failures with jittered exponential backoff:
// baseDelay * 2^attempt * (1 + U[0, 0.3]).
func (c *Client) executeWithRetry(item *call) ([]byte, error) {
	var data []byte
	var err error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if c.met != nil {
				c.met.UpstreamRetries.Inc()
			}
			delay := time.Duration(float64(c.cfg.BaseDelay) * float64(int64(1)<<attempt) * (1 + rand.Float64()*0.3))
			c.log.Debug().Str("op", item.op).Int("attempt", attempt).Dur("backoff", delay).Msg("retrying upstream call")
			select {
			case <-item.ctx.Done():
				return nil, item.ctx.Err()
			case <-time.After(delay):
			}
		}

		err = c.breaker.Execute(func() error {
			var reqErr error
			data, reqErr = c.doRequest(item.ctx, item.path, item.body)
			return reqErr
		})
		if err == nil {
			return data, nil
		}
		if !retryable(err) {
			return nil, err
		}
	}
	return nil, err
}

// indexer envelope: {code, message, data}. code 0 is success.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) doRequest(ctx context.Context, path string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, newError(CodeNetworkError, "encode request", err)
	}

	url := strings.TrimRight(c.cfg.Endpoint, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, newError(CodeNetworkError, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, newError(CodeNetworkError, "indexer unreachable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, newError(CodeNetworkError, "read response", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, newError(CodeRateLimited, "indexer throttled the request", fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, newError(CodeAPIKeyInvalid, "indexer rejected the API key", fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		return nil, newError(CodeAPIUnavailable, "indexer is unavailable", fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, newError(CodeNoData, "unexpected indexer response", fmt.Errorf("status %d: %s", resp.StatusCode, truncate(raw, 200)))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, newError(CodeAPIUnavailable, "malformed indexer response", err)
	}
	if env.Code != 0 {
		if strings.Contains(strings.ToLower(env.Message), "address") {
			return nil, newError(CodeInvalidAddress, env.Message, nil)
		}
		return nil, newError(CodeNoData, env.Message, nil)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil, newError(CodeNoData, "indexer returned no data", nil)
	}
	return env.Data, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// enqueue pushes a call and waits for the worker to complete it.
func (c *Client) enqueue(ctx context.Context, op, path string, body any, p Priority) ([]byte, error) {
	cl := &call{ctx: ctx, op: op, path: path, body: body, done: make(chan callResult, 1)}
	if err := c.queue.Push(cl, p); err != nil {
		return nil, newError(CodeRateLimited, "upstream queue saturated", err)
	}
	c.updateQueueGauges()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-cl.done:
		return res.data, res.err
	}
}

// ── Typed operations ───────────────────────────────────────────────

// AccountInfo is the indexer's account view, flattened.
type AccountInfo struct {
	Address    string
	Balance    string // plancks, decimal string
	Display    string
	Legal      string
	Web        string
	Email      string
	Twitter    string
	Riot       string
	Verified   bool
	Parent     string
	SubDisplay string
}

type wireAccountDisplay struct {
	Display string `json:"display"`
	Parent  *struct {
		Address    string `json:"address"`
		SubSymbol  string `json:"sub_symbol"`
	} `json:"parent"`
}

type wireAccount struct {
	Address        string             `json:"address"`
	Balance        string             `json:"balance"`
	AccountDisplay wireAccountDisplay `json:"account_display"`
	Display        string             `json:"display"`
	Legal          string             `json:"legal"`
	Web            string             `json:"web"`
	Email          string             `json:"email"`
	Twitter        string             `json:"twitter"`
	Riot           string             `json:"riot"`
	Judgements     []struct {
		Judgement string `json:"judgement"`
	} `json:"judgements"`
}

// GetAccount fetches the account record for addr. HIGH priority: these
// back interactive center-node lookups.
func (c *Client) GetAccount(ctx context.Context, addr string) (*AccountInfo, error) {
	data, err := c.enqueue(ctx, "account", "/api/v2/scan/search", map[string]string{"key": addr}, PriorityHigh)
	if err != nil {
		return nil, err
	}

	var wrapped struct {
		Account wireAccount `json:"account"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, newError(CodeAPIUnavailable, "decode account", err)
	}
	wa := wrapped.Account
	if wa.Address == "" {
		wa.Address = addr
	}

	info := &AccountInfo{
		Address:    wa.Address,
		Balance:    truncateDecimal(wa.Balance),
		Display:    wa.AccountDisplay.Display,
		Legal:      wa.Legal,
		Web:        wa.Web,
		Email:      wa.Email,
		Twitter:    wa.Twitter,
		Riot:       wa.Riot,
	}
	if info.Display == "" {
		info.Display = wa.Display
	}
	if wa.AccountDisplay.Parent != nil {
		info.Parent = wa.AccountDisplay.Parent.Address
		info.SubDisplay = wa.AccountDisplay.Parent.SubSymbol
	}
	for _, j := range wa.Judgements {
		if j.Judgement == "Reasonable" || j.Judgement == "KnownGood" {
			info.Verified = true
		}
	}
	return info, nil
}

// TransferOptions bounds a transfer page scan.
type TransferOptions struct {
	Page      int
	Rows      int
	Direction string // "sent", "received" or "" for both
	FromBlock int64
	ToBlock   int64
}

type wireTransfer struct {
	BlockNum       int64  `json:"block_num"`
	BlockTimestamp int64  `json:"block_timestamp"`
	From           string `json:"from"`
	To             string `json:"to"`
	Amount         string `json:"amount"`
	Hash           string `json:"hash"`
	EventIdx       int    `json:"event_idx"`
}

// GetTransfers fetches one page of transfers touching addr.
// MEDIUM priority: bulk expansion work that may be shed under load.
func (c *Client) GetTransfers(ctx context.Context, addr string, opts TransferOptions) ([]models.Transfer, error) {
	if opts.Rows <= 0 || opts.Rows > 100 {
		opts.Rows = 100
	}
	body := map[string]any{
		"address": addr,
		"page":    opts.Page,
		"row":     opts.Rows,
	}
	if opts.Direction != "" {
		body["direction"] = opts.Direction
	}
	if opts.FromBlock > 0 || opts.ToBlock > 0 {
		body["block_range"] = fmt.Sprintf("%d-%d", opts.FromBlock, opts.ToBlock)
	}

	data, err := c.enqueue(ctx, "transfers", "/api/v2/scan/transfers", body, PriorityMedium)
	if err != nil {
		return nil, err
	}

	var wrapped struct {
		Transfers []wireTransfer `json:"transfers"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, newError(CodeAPIUnavailable, "decode transfers", err)
	}

	out := make([]models.Transfer, 0, len(wrapped.Transfers))
	for _, wt := range wrapped.Transfers {
		if wt.From == "" || wt.To == "" || wt.From == wt.To {
			continue
		}
		amount := truncateDecimal(wt.Amount)
		if amount == "" || amount == "0" {
			continue
		}
		out = append(out, models.Transfer{
			BlockNumber:     wt.BlockNum,
			BlockTimestamp:  wt.BlockTimestamp,
			FromAddress:     wt.From,
			ToAddress:       wt.To,
			Amount:          amount,
			TransactionHash: wt.Hash,
			EventIndex:      wt.EventIdx,
		})
	}
	return out, nil
}

// GetRelationships derives counterparty aggregates from two bounded
// transfer scans (sent + received). Partial failure is tolerated: if
// only one direction returns, the available half is aggregated.
func (c *Client) GetRelationships(ctx context.Context, addr string, limit int) ([]models.Relationship, error) {
	if limit <= 0 {
		limit = 20
	}

	sent, sentErr := c.GetTransfers(ctx, addr, TransferOptions{Direction: "sent", Rows: 100})
	received, recvErr := c.GetTransfers(ctx, addr, TransferOptions{Direction: "received", Rows: 100})

	if sentErr != nil && recvErr != nil {
		return nil, sentErr
	}
	if sentErr != nil {
		c.log.Warn().Err(sentErr).Str("address", addr).Msg("sent-direction scan failed, returning received side only")
	}
	if recvErr != nil {
		c.log.Warn().Err(recvErr).Str("address", addr).Msg("received-direction scan failed, returning sent side only")
	}

	type agg struct {
		sent, received *big.Int
		count          int64
		first, last    int64
	}
	byPeer := make(map[string]*agg)
	observe := func(peer string, amount string, block int64, outgoing bool) {
		a, ok := byPeer[peer]
		if !ok {
			a = &agg{sent: new(big.Int), received: new(big.Int), first: block}
			byPeer[peer] = a
		}
		v, ok := new(big.Int).SetString(amount, 10)
		if !ok {
			return
		}
		if outgoing {
			a.sent.Add(a.sent, v)
		} else {
			a.received.Add(a.received, v)
		}
		a.count++
		if block < a.first {
			a.first = block
		}
		if block > a.last {
			a.last = block
		}
	}
	for _, t := range sent {
		if t.FromAddress == addr {
			observe(t.ToAddress, t.Amount, t.BlockNumber, true)
		}
	}
	for _, t := range received {
		if t.ToAddress == addr {
			observe(t.FromAddress, t.Amount, t.BlockNumber, false)
		}
	}

	rels := make([]models.Relationship, 0, len(byPeer))
	for peer, a := range byPeer {
		total := new(big.Int).Add(a.sent, a.received)
		rels = append(rels, models.Relationship{
			Address:        peer,
			TotalVolume:    total.String(),
			SentVolume:     a.sent.String(),
			ReceivedVolume: a.received.String(),
			TransferCount:  a.count,
			FirstBlock:     a.first,
			LastBlock:      a.last,
			Bidirectional:  a.sent.Sign() > 0 && a.received.Sign() > 0,
		})
	}
	sort.Slice(rels, func(i, j int) bool {
		vi, _ := new(big.Int).SetString(rels[i].TotalVolume, 10)
		vj, _ := new(big.Int).SetString(rels[j].TotalVolume, 10)
		if cmp := vi.Cmp(vj); cmp != 0 {
			return cmp > 0
		}
		return rels[i].Address < rels[j].Address
	})
	if len(rels) > limit {
		rels = rels[:limit]
	}
	return rels, nil
}

// truncateDecimal drops any fractional part of a decimal string. The
// indexer has shipped decimals in amount fields; integer plancks are
// what the store and big-integer math expect.
func truncateDecimal(s string) string {
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return s[:i]
	}
	return s
}

// Health reports the fabric's internal state for the health endpoint.
func (c *Client) Health() map[string]any {
	return map[string]any{
		"breakerState":    c.breaker.State().String(),
		"queueDepth":      c.queue.Len(),
		"tokensAvailable": c.bucket.Available(),
	}
}

// BreakerState exposes the breaker for handlers mapping it to the
// CIRCUIT_OPEN client error.
func (c *Client) BreakerState() BreakerState { return c.breaker.State() }
