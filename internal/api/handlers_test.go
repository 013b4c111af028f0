package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/polkatrace/graph-engine/internal/collector"
	"github.com/polkatrace/graph-engine/internal/config"
	"github.com/polkatrace/graph-engine/internal/db"
	"github.com/polkatrace/graph-engine/internal/graph"
	"github.com/polkatrace/graph-engine/internal/guard"
	"github.com/polkatrace/graph-engine/internal/metrics"
	"github.com/polkatrace/graph-engine/internal/notify"
	"github.com/polkatrace/graph-engine/internal/quota"
	"github.com/polkatrace/graph-engine/internal/security"
	"github.com/polkatrace/graph-engine/pkg/models"
)

// Prometheus collectors register globally; one set serves every test.
var testMetrics = metrics.New()

func addr(c byte) string {
	return strings.Repeat(string(c), 48)
}

func newTestRouter(t *testing.T) (*gin.Engine, *db.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := db.Open(":memory:", zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.InitSchema(); err != nil {
		t.Fatalf("init schema: %v", err)
	}

	g := guard.New(guard.Limits{}, zerolog.Nop(), nil)
	limiter := quota.NewCostLimiter(time.Minute, 100)
	t.Cleanup(limiter.Close)

	cfg := &config.Config{
		ComplexityCap:     10,
		StreamMaxPages:    5,
		AnonymizationSalt: "test-salt",
		SkipUpstream:      true,
	}
	h := NewHandler(
		store,
		graph.NewAssembler(store, g, nil, zerolog.Nop()),
		nil,
		collector.New(store, nil, collector.Limits{}, zerolog.Nop(), nil),
		g,
		limiter,
		security.NewAnonymizer(cfg.AnonymizationSalt),
		notify.NewWebhook("", zerolog.Nop()),
		cfg,
		zerolog.Nop(),
		testMetrics,
	)
	return SetupRouter(h), store
}

func seed(t *testing.T, store *db.Store, from, to, amount string, block int64, hash string) {
	t.Helper()
	err := store.InsertTransfer(context.Background(), &models.Transfer{
		BlockNumber:     block,
		BlockTimestamp:  block * 6,
		FromAddress:     from,
		ToAddress:       to,
		Amount:          amount,
		TransactionHash: hash,
		EventIndex:      1,
	})
	if err != nil {
		t.Fatalf("seed %s->%s: %v", from, to, err)
	}
}

func doRequest(router *gin.Engine, method, target, apiKey string, body []byte) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", w.Body.String(), err)
	}
	return body.Error.Code
}

func TestGetGraph_InvalidAddress(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doRequest(router, http.MethodGet, "/api/graph/not-an-address", "k1", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
	if code := errorCode(t, w); code != codeInvalidAddress {
		t.Fatalf("expected INVALID_ADDRESS, got %s", code)
	}
}

func TestGetGraph_UnknownCenterIs404(t *testing.T) {
	router, store := newTestRouter(t)
	seed(t, store, addr('a'), addr('b'), "5000000000000", 100, "0x1")

	w := doRequest(router, http.MethodGet, "/api/graph/"+addr('z'), "k1", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unseen address, got %d: %s", w.Code, w.Body.String())
	}
	if code := errorCode(t, w); code != codeAddressNotFound {
		t.Fatalf("expected %s, got %s", codeAddressNotFound, code)
	}
}

func TestGetGraph_KnownTransferlessCenter(t *testing.T) {
	router, store := newTestRouter(t)
	quiet := addr('q')
	if err := store.UpsertAccount(context.Background(), &models.Account{Address: quiet}); err != nil {
		t.Fatalf("upsert account: %v", err)
	}

	w := doRequest(router, http.MethodGet, "/api/graph/"+quiet, "k1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for a known account, got %d: %s", w.Code, w.Body.String())
	}
	var payload models.GraphPayload
	if err := json.Unmarshal(w.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if len(payload.Nodes) != 1 || payload.Nodes[0].Address != quiet {
		t.Fatalf("expected a center-only graph, got %d nodes", len(payload.Nodes))
	}
}

func TestGetGraph_MalformedMinVolume(t *testing.T) {
	router, store := newTestRouter(t)
	center := addr('a')
	seed(t, store, center, addr('b'), "5000000000000", 100, "0x1")

	w := doRequest(router, http.MethodGet, "/api/graph/"+center+"?minVolume=12abc", "k1", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
	if code := errorCode(t, w); code != codeInvalidParameters {
		t.Fatalf("expected %s, got %s", codeInvalidParameters, code)
	}
}

func TestGetGraph_Payload(t *testing.T) {
	router, store := newTestRouter(t)
	center := addr('a')
	seed(t, store, center, addr('b'), "5000000000000", 100, "0x1")
	seed(t, store, center, addr('c'), "4000000000000", 101, "0x2")
	seed(t, store, addr('d'), center, "3000000000000", 102, "0x3")

	w := doRequest(router, http.MethodGet, "/api/graph/"+center+"?depth=1&maxNodes=10", "k1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-RateLimit-Limit") == "" {
		t.Fatal("rate limit headers missing")
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("security headers missing")
	}

	var payload models.GraphPayload
	if err := json.Unmarshal(w.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if len(payload.Nodes) != 4 {
		t.Fatalf("expected 4 nodes, got %d", len(payload.Nodes))
	}
	if payload.Metadata.CenterNode != center {
		t.Fatalf("wrong center: %s", payload.Metadata.CenterNode)
	}
	nodeSet := make(map[string]bool)
	for _, n := range payload.Nodes {
		nodeSet[n.Address] = true
	}
	for _, e := range payload.Edges {
		if !nodeSet[e.Source] || !nodeSet[e.Target] {
			t.Fatalf("edge %s dangles outside the node set", e.ID)
		}
	}
}

func TestGetGraph_QuotaExhaustion(t *testing.T) {
	router, store := newTestRouter(t)
	center := addr('a')
	seed(t, store, center, addr('b'), "5000000000000", 100, "0x1")

	target := "/api/graph/" + center
	for i := 0; i < 2; i++ {
		if w := doRequest(router, http.MethodGet, target, "quota-key", nil); w.Code != http.StatusOK {
			t.Fatalf("call %d: expected 200, got %d", i+1, w.Code)
		}
	}

	w := doRequest(router, http.MethodGet, target, "quota-key", nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("third call should be refused, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatal("refusal must carry Retry-After")
	}
	var body struct {
		RetryAfter int `json:"retryAfter"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || body.RetryAfter <= 0 {
		t.Fatalf("expected positive retryAfter in body, got %s", w.Body.String())
	}

	// A different caller is unaffected.
	if w := doRequest(router, http.MethodGet, target, "other-key", nil); w.Code != http.StatusOK {
		t.Fatalf("other caller refused: %d", w.Code)
	}
}

func TestGetPath(t *testing.T) {
	router, store := newTestRouter(t)
	a, b, c := addr('a'), addr('b'), addr('c')
	seed(t, store, a, b, "5000000000000", 100, "0x1")
	seed(t, store, b, c, "4000000000000", 101, "0x2")
	seed(t, store, a, c, "3000000000000", 102, "0x3")

	w := doRequest(router, http.MethodGet, "/api/graph/path?from="+a+"&to="+c, "k1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var body struct {
		Found bool `json:"found"`
		Path  struct {
			Addresses []string `json:"path"`
			Length    int      `json:"length"`
			Score     float64  `json:"score"`
		} `json:"path"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Found {
		t.Fatal("path should be found")
	}
	if body.Path.Length != 1 || len(body.Path.Addresses) != 2 {
		t.Fatalf("expected the direct route, got %+v", body.Path)
	}
	if body.Path.Addresses[0] != a || body.Path.Addresses[1] != c {
		t.Fatalf("wrong endpoints: %v", body.Path.Addresses)
	}
	if body.Path.Score != 90 {
		t.Fatalf("expected score 90 for one hop, got %f", body.Path.Score)
	}
}

func TestGetPath_NoRoute(t *testing.T) {
	router, store := newTestRouter(t)
	a, b := addr('a'), addr('b')
	seed(t, store, a, addr('x'), "5000000000000", 100, "0x1")
	seed(t, store, b, addr('y'), "5000000000000", 101, "0x2")

	w := doRequest(router, http.MethodGet, "/api/graph/path?from="+a+"&to="+b, "k1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body struct {
		Found bool `json:"found"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body.Found {
		t.Fatal("disconnected addresses must report found=false")
	}
}

func TestGetPatterns_CircularFlow(t *testing.T) {
	router, store := newTestRouter(t)
	a, b, c := addr('a'), addr('b'), addr('c')
	seed(t, store, a, b, "5000000000000", 100, "0x1")
	seed(t, store, b, c, "4000000000000", 101, "0x2")
	seed(t, store, c, a, "3000000000000", 102, "0x3")

	w := doRequest(router, http.MethodGet, "/api/graph/patterns/"+a+"?depth=3", "k1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var body struct {
		Address  string           `json:"address"`
		Patterns []models.Pattern `json:"patterns"`
		Risk     struct {
			Score          float64 `json:"score"`
			Recommendation string  `json:"recommendation"`
		} `json:"riskAssessment"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}

	var circular *models.Pattern
	for i := range body.Patterns {
		if body.Patterns[i].Type == models.PatternCircularFlow {
			circular = &body.Patterns[i]
		}
	}
	if circular == nil {
		t.Fatalf("circular flow not detected: %s", w.Body.String())
	}
	if circular.Confidence < 0.9 {
		t.Fatalf("tight loop should score >= 0.9, got %f", circular.Confidence)
	}
	want := []string{a, b, c, a}
	if len(circular.Evidence.Path) != 4 {
		t.Fatalf("bad evidence path: %v", circular.Evidence.Path)
	}
	for i, addr := range want {
		if circular.Evidence.Path[i] != addr {
			t.Fatalf("evidence path mismatch at %d: %v", i, circular.Evidence.Path)
		}
	}
	if body.Risk.Score <= 0 {
		t.Fatal("risk score should be positive")
	}
}

func TestInvestigations(t *testing.T) {
	router, _ := newTestRouter(t)

	payload, _ := json.Marshal(map[string]any{
		"title":     "layering probe",
		"notes":     "fast hops through fresh accounts",
		"addresses": []string{addr('a'), addr('b')},
	})
	w := doRequest(router, http.MethodPost, "/api/investigations", "k1", payload)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created models.Investigation
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID == "" || created.Status != "active" {
		t.Fatalf("bad created case: %+v", created)
	}

	w = doRequest(router, http.MethodGet, "/api/investigations/"+created.ID, "k1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("fetch by id: %d", w.Code)
	}

	w = doRequest(router, http.MethodGet, "/api/investigations", "k1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: %d", w.Code)
	}
	var list struct {
		Count int `json:"count"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if list.Count != 1 {
		t.Fatalf("expected 1 case, got %d", list.Count)
	}
}

func TestInvestigations_RejectsBadAddresses(t *testing.T) {
	router, _ := newTestRouter(t)

	payload, _ := json.Marshal(map[string]any{
		"title":     "bad case",
		"addresses": []string{"not-valid"},
	})
	w := doRequest(router, http.MethodPost, "/api/investigations", "k1", payload)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if code := errorCode(t, w); code != codeInvalidAddress {
		t.Fatalf("expected INVALID_ADDRESS, got %s", code)
	}
}

func TestSearch(t *testing.T) {
	router, store := newTestRouter(t)
	_ = store.UpsertAccount(context.Background(), &models.Account{
		Address:  addr('a'),
		Identity: &models.Identity{Display: "Treasury"},
	})

	w := doRequest(router, http.MethodGet, "/api/addresses/search?q=Treasury", "k1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body struct {
		Count int `json:"count"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body.Count != 1 {
		t.Fatalf("expected 1 result, got %d", body.Count)
	}

	w = doRequest(router, http.MethodGet, "/api/addresses/search", "k1", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing q should be 400, got %d", w.Code)
	}
}

func TestGetAddress_NotFound(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doRequest(router, http.MethodGet, "/api/addresses/"+addr('z'), "k1", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
	if code := errorCode(t, w); code != codeAddressNotFound {
		t.Fatalf("expected ADDRESS_NOT_FOUND, got %s", code)
	}
}

func TestGetTransfers(t *testing.T) {
	router, store := newTestRouter(t)
	a := addr('a')
	seed(t, store, a, addr('b'), "5000000000000", 100, "0x1")
	seed(t, store, addr('c'), a, "4000000000000", 101, "0x2")

	w := doRequest(router, http.MethodGet, "/api/addresses/"+a+"/transfers?limit=10", "k1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body struct {
		Transfers []models.Transfer `json:"transfers"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Transfers) != 2 {
		t.Fatalf("expected 2 transfers, got %d", len(body.Transfers))
	}
	if body.Transfers[0].Direction != "received" || body.Transfers[1].Direction != "sent" {
		t.Fatalf("bad direction annotation: %+v", body.Transfers)
	}
}

func TestGetRelationships(t *testing.T) {
	router, store := newTestRouter(t)
	a := addr('a')
	seed(t, store, a, addr('b'), "5000000000000", 100, "0x1")

	w := doRequest(router, http.MethodGet, "/api/addresses/"+a+"/relationships", "k1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body struct {
		Count  int    `json:"count"`
		Source string `json:"source"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body.Count != 1 || body.Source != "store" {
		t.Fatalf("unexpected relationships response: %s", w.Body.String())
	}
}

func TestExpandFlow(t *testing.T) {
	router, store := newTestRouter(t)
	center := addr('a')
	seed(t, store, center, addr('b'), "9000000000000", 100, "0x1")
	seed(t, store, center, addr('c'), "8000000000000", 101, "0x2")
	seed(t, store, center, addr('d'), "7000000000000", 102, "0x3")
	seed(t, store, center, addr('e'), "6000000000000", 103, "0x4")
	seed(t, store, addr('b'), addr('g'), "5000000000000", 104, "0x5")

	w := doRequest(router, http.MethodGet, "/api/graph/"+center+"?maxNodes=10", "k1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("graph: %d", w.Code)
	}

	// A bare address is accepted as a fresh expansion cursor.
	w = doRequest(router, http.MethodGet, "/api/graph/expand?cursor="+addr('b'), "k1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expand: %d: %s", w.Code, w.Body.String())
	}

	w = doRequest(router, http.MethodGet, "/api/graph/expand?cursor=@@@broken@@@", "k1", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("broken cursor should be 400, got %d", w.Code)
	}
	if code := errorCode(t, w); code != codeInvalidCursor {
		t.Fatalf("expected INVALID_CURSOR, got %s", code)
	}
}

func TestHealth(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doRequest(router, http.MethodGet, "/api/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body struct {
		Status   string         `json:"status"`
		Database bool           `json:"database"`
		Upstream map[string]any `json:"upstream"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || !body.Database {
		t.Fatalf("unexpected health: %s", w.Body.String())
	}
	if body.Upstream["mode"] != "offline" {
		t.Fatalf("offline engine should report upstream mode offline: %v", body.Upstream)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	// Drive one observed request so the counter vec has a sample.
	if w := doRequest(router, http.MethodGet, "/api/health", "", nil); w.Code != http.StatusOK {
		t.Fatalf("health: %d", w.Code)
	}

	w := doRequest(router, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "graph_engine_requests_total") {
		t.Fatal("expected engine metrics in exposition output")
	}
}
