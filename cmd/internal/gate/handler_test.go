package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"claimgate/cmd/internal/adsession"
	"claimgate/cmd/internal/authz"
	"claimgate/cmd/internal/catalog"
	"claimgate/cmd/internal/peered"
	"claimgate/cmd/internal/sqlitedb"
	"claimgate/cmd/security/signing"
	v1 "claimgate/shared/contracts/events/v1"

	"github.com/stretchr/testify/require"
)

const testCatalog = `
providers:
  - id: adgem
    reward: "0.00025"
    min_watch: 20s
  - id: lootably
    reward: "0.0005"
groups:
  - index: 0
    providers: [adgem, lootably]
    min_time_per_ad: 12s
`

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type published struct {
	UserID string
	Type   string
	Body   any
}

type spyPublisher struct {
	mu     sync.Mutex
	events []published
}

func (s *spyPublisher) Publish(userID, typ string, payload any) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, published{UserID: userID, Type: typ, Body: payload})
	return 1, nil
}

func (s *spyPublisher) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

type gateFixture struct {
	srv      *httptest.Server
	verifier *Verifier
	clock    *testClock
	events   *spyPublisher
}

func testConfig() Config {
	return Config{
		JWTSecret:        []byte(strings.Repeat("k", 32)),
		JWTIssuer:        "claimgate",
		JWTAudience:      "claimgate-api",
		JWTLeeway:        5 * time.Second,
		MaxBodyBytes:     16 << 10,
		IssuePerMinute:   600,
		IssueBurst:       50,
		ClientMinTimeMax: 10 * time.Minute,
	}
}

func newServices(t *testing.T, catalogDoc string, log *slog.Logger) Services {
	t.Helper()

	ctx := context.Background()
	db, err := sqlitedb.Open(ctx, filepath.Join(t.TempDir(), "gate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	signer, err := signing.NewSigner(signing.RawKey(strings.Repeat("s", 32)))
	require.NoError(t, err)

	cat, err := catalog.Parse(strings.NewReader(catalogDoc))
	require.NoError(t, err)

	tokStore, err := authz.NewSQLiteStore(ctx, db)
	require.NoError(t, err)
	tokens, err := authz.NewService(tokStore, signer, authz.WithPolicies(cat.Policies()), authz.WithLogger(log))
	require.NoError(t, err)

	adStore, err := adsession.NewSQLiteStore(ctx, db)
	require.NoError(t, err)
	ads, err := adsession.NewService(adStore, signer, adsession.WithLogger(log))
	require.NoError(t, err)

	peerStore, err := peered.NewSQLiteStore(ctx, db)
	require.NoError(t, err)
	peers, err := peered.NewService(peerStore, signer, peered.WithLogger(log))
	require.NoError(t, err)

	return Services{Tokens: tokens, Ads: ads, Peered: peers, Catalog: cat}
}

func newFixture(t *testing.T, cfg Config) *gateFixture {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := newServices(t, testCatalog, log)

	verifier, err := NewVerifier(cfg)
	require.NoError(t, err)

	clock := &testClock{now: t0}
	events := &spyPublisher{}
	h, err := NewHandler(log, cfg, verifier, svc, WithClock(clock.Now), WithPublisher(events))
	require.NoError(t, err)

	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &gateFixture{srv: srv, verifier: verifier, clock: clock, events: events}
}

func (f *gateFixture) token(t *testing.T, userID string) string {
	t.Helper()
	// Real wall clock: the JWT parser validates exp against time.Now.
	tok, err := f.verifier.Mint(userID, time.Now(), time.Hour)
	require.NoError(t, err)
	return tok
}

func (f *gateFixture) do(t *testing.T, method, path, bearer string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rdr)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestRequireAuth_RejectsBadBearer(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())

	other := testConfig()
	other.JWTSecret = []byte(strings.Repeat("x", 32))
	foreign, err := NewVerifier(other)
	require.NoError(t, err)
	foreignTok, err := foreign.Mint("u1", time.Now(), time.Hour)
	require.NoError(t, err)

	wrongAud := testConfig()
	wrongAud.JWTAudience = "someone-else"
	audVerifier, err := NewVerifier(wrongAud)
	require.NoError(t, err)
	audTok, err := audVerifier.Mint("u1", time.Now(), time.Hour)
	require.NoError(t, err)

	expired, err := f.verifier.Mint("u1", time.Now().Add(-2*time.Hour), time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		bearer string
	}{
		{name: "missing", bearer: ""},
		{name: "garbage", bearer: "not-a-jwt"},
		{name: "foreign secret", bearer: foreignTok},
		{name: "wrong audience", bearer: audTok},
		{name: "expired", bearer: expired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, http.MethodPost, "/v1/tokens", tt.bearer, map[string]any{"action": "faucet_claim"})
			require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			require.Equal(t, "unauthorized", errorCode(body))
		})
	}
}

func TestTokens_IssueConsumeLifecycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	bearer := f.token(t, "u1")

	resp, body := f.do(t, http.MethodPost, "/v1/tokens", bearer, map[string]any{"action": "faucet_claim"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	tokenID, _ := body["token_id"].(string)
	require.NotEmpty(t, tokenID)
	require.EqualValues(t, 5, body["min_time_seconds"])

	resp, body = f.do(t, http.MethodGet, "/v1/tokens/"+tokenID, bearer, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, false, body["usable"])
	require.Equal(t, string(authz.CodeTokenMinTimeNotPassed), body["code"])

	f.clock.Set(t0.Add(2 * time.Second))
	consume := map[string]any{"token_id": tokenID, "action": "faucet_claim"}
	resp, body = f.do(t, http.MethodPost, "/v1/tokens/consume", bearer, consume)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, "3", resp.Header.Get("Retry-After"))
	require.Equal(t, string(authz.CodeTokenMinTimeNotPassed), errorCode(body))
	require.EqualValues(t, 3, body["remaining_seconds"])

	// The early attempt burned the token.
	f.clock.Set(t0.Add(10 * time.Second))
	resp, body = f.do(t, http.MethodPost, "/v1/tokens/consume", bearer, consume)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, string(authz.CodeTokenInvalidOrConsumed), errorCode(body))

	resp, body = f.do(t, http.MethodPost, "/v1/tokens", bearer, map[string]any{"action": "faucet_claim"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	tokenID, _ = body["token_id"].(string)

	f.clock.Set(t0.Add(16 * time.Second))
	resp, body = f.do(t, http.MethodPost, "/v1/tokens/consume", bearer, map[string]any{"token_id": tokenID, "action": "faucet_claim"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, body["ok"])

	// Another user cannot see or spend it.
	resp, body = f.do(t, http.MethodGet, "/v1/tokens/"+tokenID, f.token(t, "u2"), nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, string(authz.CodeTokenInvalidOrConsumed), errorCode(body))
}

func TestTokens_IssueRefusals(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	bearer := f.token(t, "u1")

	tests := []struct {
		name   string
		body   map[string]any
		status int
		code   string
	}{
		{name: "unknown action", body: map[string]any{"action": "lottery"}, status: http.StatusBadRequest, code: string(authz.CodeUnknownActionType)},
		{name: "missing context", body: map[string]any{"action": "ad_watch"}, status: http.StatusBadRequest, code: string(authz.CodeMissingContextField)},
		{name: "unknown field", body: map[string]any{"action": "faucet_claim", "reward": "9"}, status: http.StatusBadRequest, code: "invalid_json"},
		{name: "min time too large", body: map[string]any{"action": "faucet_claim", "min_time_seconds": 3600}, status: http.StatusBadRequest, code: "invalid_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, http.MethodPost, "/v1/tokens", bearer, tt.body)
			require.Equal(t, tt.status, resp.StatusCode)
			require.Equal(t, tt.code, errorCode(body))
		})
	}
}

func TestTokens_ClientCannotLowerMinTime(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	bearer := f.token(t, "u1")

	resp, body := f.do(t, http.MethodPost, "/v1/tokens", bearer, map[string]any{"action": "faucet_claim", "min_time_seconds": 0})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.EqualValues(t, 5, body["min_time_seconds"])

	resp, body = f.do(t, http.MethodPost, "/v1/tokens", bearer, map[string]any{"action": "faucet_claim", "min_time_seconds": 30})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.EqualValues(t, 30, body["min_time_seconds"])
}

func TestTokens_IssueRateLimited(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.IssuePerMinute = 1
	cfg.IssueBurst = 2
	f := newFixture(t, cfg)
	bearer := f.token(t, "u1")

	for i := 0; i < 2; i++ {
		resp, _ := f.do(t, http.MethodPost, "/v1/tokens", bearer, map[string]any{"action": "faucet_claim"})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}
	resp, body := f.do(t, http.MethodPost, "/v1/tokens", bearer, map[string]any{"action": "faucet_claim"})
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, "rate_limited", errorCode(body))
	require.NotEmpty(t, resp.Header.Get("Retry-After"))

	// Buckets are per user.
	resp, _ = f.do(t, http.MethodPost, "/v1/tokens", f.token(t, "u2"), map[string]any{"action": "faucet_claim"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestAdSessions_CompleteAndPublish(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	bearer := f.token(t, "u1")

	resp, body := f.do(t, http.MethodPost, "/v1/ads/sessions", bearer, map[string]any{"provider": "nowhere"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "unknown_provider", errorCode(body))

	resp, body = f.do(t, http.MethodPost, "/v1/ads/sessions", bearer, map[string]any{"provider": "adgem"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "0.00025", body["reward"])
	require.EqualValues(t, 20, body["min_watch_seconds"])
	id, _ := body["session_id"].(string)

	resp, body = f.do(t, http.MethodGet, "/v1/ads/sessions/"+id, f.token(t, "u2"), nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, string(authz.CodeSessionNotFound), errorCode(body))

	f.clock.Set(t0.Add(21 * time.Second))
	resp, body = f.do(t, http.MethodPost, "/v1/ads/sessions/"+id+"/complete", bearer, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, body["ok"])
	require.Equal(t, []string{v1.TypeAdCompleted}, f.events.types())

	resp, body = f.do(t, http.MethodPost, "/v1/ads/sessions/"+id+"/complete", bearer, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, string(authz.CodeSessionInvalidOrCompleted), errorCode(body))
}

func TestAdSessions_TooEarlyAndCancel(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	bearer := f.token(t, "u1")

	_, body := f.do(t, http.MethodPost, "/v1/ads/sessions", bearer, map[string]any{"provider": "adgem"})
	id, _ := body["session_id"].(string)

	f.clock.Set(t0.Add(5 * time.Second))
	resp, body := f.do(t, http.MethodPost, "/v1/ads/sessions/"+id+"/complete", bearer, nil)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, "15", resp.Header.Get("Retry-After"))
	require.Equal(t, string(authz.CodeSessionMinTimeNotPassed), errorCode(body))
	require.Empty(t, f.events.types())

	_, body = f.do(t, http.MethodPost, "/v1/ads/sessions", bearer, map[string]any{"provider": "lootably"})
	id, _ = body["session_id"].(string)
	resp, body = f.do(t, http.MethodPost, "/v1/ads/sessions/"+id+"/cancel", bearer, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, body["cancelled"])

	resp, _ = f.do(t, http.MethodPost, "/v1/ads/sessions/"+id+"/cancel", bearer, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestPeered_StepsFinaliseAutomatically(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	bearer := f.token(t, "u1")

	resp, body := f.do(t, http.MethodPost, "/v1/peered/sessions", bearer, map[string]any{"group_index": 7})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "unknown_group", errorCode(body))

	resp, body = f.do(t, http.MethodPost, "/v1/peered/sessions", bearer, map[string]any{"group_index": 0})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "0.00075", body["combined_reward"])
	require.EqualValues(t, 12, body["min_time_per_ad_seconds"])
	id, _ := body["session_id"].(string)
	base := "/v1/peered/sessions/" + id

	f.clock.Set(t0.Add(5 * time.Second))
	resp, body = f.do(t, http.MethodPost, base+"/providers/adgem/complete", bearer, nil)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, string(authz.CodeMinTimeNotPassed), errorCode(body))
	require.Equal(t, "7", resp.Header.Get("Retry-After"))

	f.clock.Set(t0.Add(12 * time.Second))
	resp, body = f.do(t, http.MethodPost, base+"/providers/adgem/complete", bearer, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, false, body["all_completed"])

	resp, body = f.do(t, http.MethodPost, base+"/providers/nowhere/complete", bearer, nil)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode, "step clock is checked before membership")

	f.clock.Set(t0.Add(30 * time.Second))
	resp, body = f.do(t, http.MethodPost, base+"/providers/nowhere/complete", bearer, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, string(authz.CodeProviderNotInGroup), errorCode(body))

	resp, body = f.do(t, http.MethodPost, base+"/providers/adgem/complete", bearer, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, string(authz.CodeProviderAlreadyCompleted), errorCode(body))

	resp, body = f.do(t, http.MethodPost, base+"/providers/lootably/complete", bearer, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, body["all_completed"])
	require.Equal(t, true, body["rewarded"])
	sess, _ := body["session"].(map[string]any)
	require.Equal(t, "completed", sess["status"])

	require.Equal(t, []string{v1.TypePeeredProgress, v1.TypePeeredProgress, v1.TypePeeredCompleted}, f.events.types())

	// A repeated finalise finds nothing to complete.
	resp, body = f.do(t, http.MethodPost, base+"/complete", bearer, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, string(authz.CodeSessionInvalidOrCompleted), errorCode(body))

	resp, body = f.do(t, http.MethodGet, base, bearer, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "completed", body["status"])
	require.Empty(t, body["pending_providers"])
}

func TestPeered_CancelAndForeignUser(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	bearer := f.token(t, "u1")

	_, body := f.do(t, http.MethodPost, "/v1/peered/sessions", bearer, map[string]any{"group_index": 0})
	id, _ := body["session_id"].(string)

	f.clock.Set(t0.Add(13 * time.Second))
	resp, body := f.do(t, http.MethodPost, "/v1/peered/sessions/"+id+"/providers/adgem/complete", f.token(t, "u2"), nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, string(authz.CodeSessionNotFound), errorCode(body))

	resp, _ = f.do(t, http.MethodPost, "/v1/peered/sessions/"+id+"/cancel", bearer, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = f.do(t, http.MethodPost, "/v1/peered/sessions/"+id+"/providers/adgem/complete", bearer, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, string(authz.CodeSessionInvalidOrCompleted), errorCode(body))
}

func TestPeered_MissingGroupIndex(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	resp, body := f.do(t, http.MethodPost, "/v1/peered/sessions", f.token(t, "u1"), map[string]any{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "invalid_request", errorCode(body))
}

func TestCatalogProviders(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig())
	resp, body := f.do(t, http.MethodGet, "/v1/catalog/providers", f.token(t, "u1"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list, _ := body["providers"].([]any)
	require.Len(t, list, 2)
	first, _ := list[0].(map[string]any)
	require.Equal(t, "adgem", first["id"])
	second, _ := list[1].(map[string]any)
	require.EqualValues(t, 15, second["min_watch_seconds"])
}

func TestNewHandler_RefusesCatalogOutsideSessionLimits(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	verifier, err := NewVerifier(testConfig())
	require.NoError(t, err)

	many := make([]string, 0, 11)
	var providers strings.Builder
	providers.WriteString("providers:\n")
	for i := 0; i < 11; i++ {
		id := "p" + strings.Repeat("x", i)
		many = append(many, id)
		providers.WriteString("  - id: " + id + "\n")
	}

	tests := []struct {
		name string
		doc  string
	}{
		{
			name: "min watch beyond ad session lifetime",
			doc:  "providers:\n  - id: slow\n    min_watch: 6m\n",
		},
		{
			name: "step time beyond peered lifetime",
			doc:  "providers:\n  - id: a\ngroups:\n  - index: 0\n    providers: [a]\n    min_time_per_ad: 31m\n",
		},
		{
			name: "group larger than provider limit",
			doc:  providers.String() + "groups:\n  - index: 0\n    providers: [" + strings.Join(many, ", ") + "]\n",
		},
	}
	for _, tt := range tests {
		svc := newServices(t, tt.doc, log)
		_, err := NewHandler(log, testConfig(), verifier, svc)
		if !errors.Is(err, catalog.ErrInvalidCatalog) {
			t.Fatalf("%s: expected ErrInvalidCatalog, got %v", tt.name, err)
		}
	}
}
