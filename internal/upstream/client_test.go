package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testClient(t *testing.T, endpoint string, tweak func(*Config)) (*Client, context.CancelFunc) {
	t.Helper()
	cfg := Config{
		Endpoint:         endpoint,
		APIKey:           "test-key",
		RatePerSec:       1000,
		Burst:            1000,
		BaseDelay:        time.Millisecond,
		MaxRetries:       3,
		RequestTimeout:   time.Second,
		FailureThreshold: 100,
		RecoveryTimeout:  time.Minute,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	c := NewClient(cfg, zerolog.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	return c, cancel
}

func envelopeJSON(data any) []byte {
	raw, _ := json.Marshal(map[string]any{"code": 0, "message": "ok", "data": data})
	return raw
}

func TestClient_GetAccount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-API-Key"); got != "test-key" {
			t.Errorf("missing API key header, got %q", got)
		}
		w.Write(envelopeJSON(map[string]any{
			"account": map[string]any{
				"address": "addr1",
				"balance": "5000000000000.75",
				"account_display": map[string]any{"display": "Alice"},
				"judgements":      []map[string]string{{"judgement": "Reasonable"}},
			},
		}))
	}))
	defer srv.Close()

	c, cancel := testClient(t, srv.URL, nil)
	defer cancel()

	info, err := c.GetAccount(context.Background(), "addr1")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if info.Balance != "5000000000000" {
		t.Errorf("expected truncated balance, got %q", info.Balance)
	}
	if info.Display != "Alice" {
		t.Errorf("expected display Alice, got %q", info.Display)
	}
	if !info.Verified {
		t.Error("Reasonable judgement should mark the account verified")
	}
}

func TestClient_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write(envelopeJSON(map[string]any{"account": map[string]any{"address": "addr1", "balance": "1"}}))
	}))
	defer srv.Close()

	c, cancel := testClient(t, srv.URL, nil)
	defer cancel()

	if _, err := c.GetAccount(context.Background(), "addr1"); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestClient_RateLimitedMapsToCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, cancel := testClient(t, srv.URL, nil)
	defer cancel()

	_, err := c.GetAccount(context.Background(), "addr1")
	if CodeOf(err) != CodeRateLimited {
		t.Fatalf("expected RATE_LIMITED, got %v", err)
	}
}

func TestClient_BadKeyNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, cancel := testClient(t, srv.URL, nil)
	defer cancel()

	_, err := c.GetAccount(context.Background(), "addr1")
	if CodeOf(err) != CodeAPIKeyInvalid {
		t.Fatalf("expected API_KEY_INVALID, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("auth failures must not be retried, got %d attempts", calls.Load())
	}
}

func TestClient_BreakerOpensAndFailsFast(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, cancel := testClient(t, srv.URL, func(cfg *Config) {
		cfg.FailureThreshold = 2
		cfg.RecoveryTimeout = time.Minute
		cfg.MaxRetries = 1
	})
	defer cancel()

	_, _ = c.GetAccount(context.Background(), "a")
	_, _ = c.GetAccount(context.Background(), "b")

	before := calls.Load()
	_, err := c.GetAccount(context.Background(), "c")
	if CodeOf(err) != CodeCircuitOpen {
		t.Fatalf("expected CIRCUIT_BREAKER_OPEN, got %v", err)
	}
	if calls.Load() != before {
		t.Fatal("open breaker must not reach the network")
	}
}

func TestClient_GetTransfersFiltersJunk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(envelopeJSON(map[string]any{
			"transfers": []map[string]any{
				{"block_num": 100, "from": "a", "to": "b", "amount": "1000000000000", "hash": "0x1", "event_idx": 1},
				{"block_num": 101, "from": "a", "to": "a", "amount": "5", "hash": "0x2", "event_idx": 1},
				{"block_num": 102, "from": "a", "to": "c", "amount": "0", "hash": "0x3", "event_idx": 1},
				{"block_num": 103, "from": "a", "to": "d", "amount": "2.9", "hash": "0x4", "event_idx": 1},
			},
		}))
	}))
	defer srv.Close()

	c, cancel := testClient(t, srv.URL, nil)
	defer cancel()

	transfers, err := c.GetTransfers(context.Background(), "a", TransferOptions{})
	if err != nil {
		t.Fatalf("GetTransfers: %v", err)
	}
	if len(transfers) != 2 {
		t.Fatalf("expected 2 usable transfers, got %d", len(transfers))
	}
	if transfers[1].Amount != "2" {
		t.Errorf("decimal amount should truncate to 2, got %q", transfers[1].Amount)
	}
}

func TestClient_RelationshipsTolerantOfPartialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Direction string `json:"direction"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Direction == "received" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write(envelopeJSON(map[string]any{
			"transfers": []map[string]any{
				{"block_num": 100, "from": "a", "to": "b", "amount": "7000000000000", "hash": "0x1", "event_idx": 1},
			},
		}))
	}))
	defer srv.Close()

	c, cancel := testClient(t, srv.URL, func(cfg *Config) { cfg.MaxRetries = 1 })
	defer cancel()

	rels, err := c.GetRelationships(context.Background(), "a", 10)
	if err != nil {
		t.Fatalf("one-sided failure should still return data: %v", err)
	}
	if len(rels) != 1 || rels[0].Address != "b" {
		t.Fatalf("expected single relationship with b, got %+v", rels)
	}
	if rels[0].SentVolume != "7000000000000" {
		t.Errorf("unexpected sent volume %q", rels[0].SentVolume)
	}
}
