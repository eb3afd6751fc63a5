// Package integration provides a reusable test harness for end-to-end
// testing of the pipeline server. It starts a full HTTP server with an
// in-memory card store, a controllable engine clock, a test JWT issuer, and
// optionally a webhook receiver for automation notifications.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/pipeline/internal/automation"
	"github.com/pitabwire/pipeline/internal/capability"
	"github.com/pitabwire/pipeline/internal/config"
	"github.com/pitabwire/pipeline/internal/definition"
	"github.com/pitabwire/pipeline/internal/notify"
	"github.com/pitabwire/pipeline/internal/observability"
	"github.com/pitabwire/pipeline/internal/openapi"
	"github.com/pitabwire/pipeline/internal/pipeline"
	"github.com/pitabwire/pipeline/internal/transport"
	"github.com/pitabwire/pipeline/model"
)

// TestHarness encapsulates a fully wired pipeline server for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Registry  *definition.Registry
	Store     *pipeline.MemoryCardStore
	Engine    *pipeline.Engine
	Scheduler *automation.Scheduler
	Notifier  notify.Notifier
	Clock     *Clock

	// Webhook is nil unless WithWebhook was given.
	Webhook *WebhookReceiver

	cfg *config.Config
}

// Clock is the engine's time source. Tests move it forward to age cards.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	pipelineDirs   []string
	policyFile     string
	webhook        bool
	handlerTimeout time.Duration
}

// WithPipelines sets the pipeline definition directories to load.
func WithPipelines(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.pipelineDirs = dirs
	}
}

// WithPolicyFile sets the static policy YAML file for capability resolution.
func WithPolicyFile(path string) HarnessOption {
	return func(c *harnessConfig) {
		c.policyFile = path
	}
}

// WithWebhook delivers automation notifications to a WebhookReceiver
// instead of the log.
func WithWebhook() HarnessOption {
	return func(c *harnessConfig) {
		c.webhook = true
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// NewTestHarness creates and starts a full server instance. The server is
// automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()
	ctx := context.Background()

	hc := &harnessConfig{handlerTimeout: 10 * time.Second}
	for _, opt := range opts {
		opt(hc)
	}
	if len(hc.pipelineDirs) == 0 {
		hc.pipelineDirs = []string{filepath.Join(testdataDir(), "pipelines")}
	}
	if hc.policyFile == "" {
		hc.policyFile = filepath.Join(testdataDir(), "policies.yaml")
	}

	h := &TestHarness{
		t:      t,
		issuer: newTokenIssuer(t),
		Clock:  &Clock{now: time.Now().UTC().Truncate(time.Second)},
	}

	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Identity.Issuer = h.issuer.Issuer()
	h.cfg.Identity.Audience = h.issuer.Audience()
	h.cfg.Identity.JWKSURL = h.issuer.JWKSURL()
	h.cfg.Pipelines.Directories = hc.pipelineDirs
	h.cfg.Automation.Enabled = false
	h.cfg.Capability.StaticPolicyFile = hc.policyFile

	logger := zap.NewNop()
	metrics := observability.InitMetrics(prometheus.NewRegistry())

	// Step 1: Load pipeline definitions.
	h.Registry = definition.NewRegistry()
	reloader := definition.NewReloader(h.Registry, hc.pipelineDirs, logger, metrics)
	if err := reloader.Reload(ctx); err != nil {
		t.Fatalf("load pipelines: %v", err)
	}

	doc, err := openapi.Load(ctx)
	if err != nil {
		t.Fatalf("load OpenAPI document: %v", err)
	}

	// Step 2: Build capability resolver.
	policy, err := capability.LoadStaticPolicy(hc.policyFile)
	if err != nil {
		t.Fatalf("load policy file: %v", err)
	}
	resolver := capability.NewResolver(policy, 0) // no caching in tests

	// Step 3: Engine over the in-memory store, on the fake clock.
	h.Store = pipeline.NewMemoryCardStore()
	h.Engine = pipeline.NewEngine(h.Registry, h.Store,
		pipeline.WithClock(h.Clock.Now),
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(metrics),
	)

	// Step 4: Notifier and scheduler.
	if hc.webhook {
		h.Webhook = newWebhookReceiver(t)
		h.cfg.Notification.Driver = "webhook"
		h.cfg.Notification.Webhook.URL = h.Webhook.URL()
		h.cfg.Notification.Webhook.Retry = config.RetryConfig{MaxAttempts: 1}
		h.cfg.Notification.Webhook.CircuitBreaker = config.CircuitBreakerConfig{
			FailureThreshold: 2,
			SuccessThreshold: 1,
			Timeout:          time.Minute,
		}
	}
	h.Notifier, err = notify.New(h.cfg.Notification, notify.Deps{Logger: logger, Metrics: metrics})
	if err != nil {
		t.Fatalf("build notifier: %v", err)
	}
	lock := automation.NewMemoryLock()
	h.Scheduler = automation.NewScheduler(h.Engine, lock, h.Notifier, h.cfg.Automation, logger, metrics)

	// Step 5: Build router with full middleware chain.
	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), time.Hour, logger)
	router := transport.NewRouter(transport.Dependencies{
		Config:             h.cfg,
		Engine:             h.Engine,
		Scheduler:          h.Scheduler,
		Registry:           h.Registry,
		Reloader:           reloader,
		Document:           doc,
		Authenticate:       transport.JWTAuthenticator(h.cfg.Identity, jwks),
		CapabilityResolver: resolver,
		Readiness: observability.ReadinessChecks{
			PipelinesLoaded: h.Registry.Loaded,
			CardStore:       h.Store,
			SweepLock:       lock,
			Notifier:        h.Notifier,
		},
		Metrics: metrics,
		Logger:  logger,
	})

	// Step 6: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// GETWithHeaders performs an authenticated GET request with additional headers.
func (h *TestHarness) GETWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, headers)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code and
// drains the body.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != expected {
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertError checks the status and the envelope code of an error response
// and returns the envelope.
func (h *TestHarness) AssertError(t *testing.T, resp *http.Response, expected int, code string) *model.ErrorEnvelope {
	t.Helper()
	var body struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, expected, &body)
	if body.Error == nil {
		t.Fatal("response has no error envelope")
	}
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q", body.Error.Code, code)
	}
	return body.Error
}

// --- Card helpers ---

// CreateCard creates a card through the API and returns it.
func (h *TestHarness) CreateCard(t *testing.T, token string, payload map[string]any) model.Card {
	t.Helper()
	body := map[string]any{}
	if payload != nil {
		body["payload"] = payload
	}
	var card model.Card
	h.AssertJSON(t, h.POST("/v1/cards", body, token), http.StatusCreated, &card)
	return card
}

// Transition requests a stage change through the API.
func (h *TestHarness) Transition(cardID, toStage string, delta map[string]any, token string) *http.Response {
	h.t.Helper()
	body := map[string]any{"to_stage": toStage}
	if delta != nil {
		body["payload_delta"] = delta
	}
	return h.POST("/v1/cards/"+cardID+"/transitions", body, token)
}

// MustTransition requests a stage change and fails the test unless it succeeds.
func (h *TestHarness) MustTransition(t *testing.T, cardID, toStage string, delta map[string]any, token string) model.Card {
	t.Helper()
	var card model.Card
	h.AssertJSON(t, h.Transition(cardID, toStage, delta, token), http.StatusOK, &card)
	return card
}

// History returns a card's audit entries through the API.
func (h *TestHarness) History(t *testing.T, cardID, token string) []model.AuditEntry {
	t.Helper()
	var body struct {
		Entries []model.AuditEntry `json:"entries"`
	}
	h.AssertJSON(t, h.GET("/v1/cards/"+cardID+"/history", token), http.StatusOK, &body)
	return body.Entries
}

// --- Default test claims ---

// SalesClaims returns TestClaims for an acme sales user.
func SalesClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-sales",
		TenantID:  "acme",
		Email:     "sales@acme.example.com",
		Roles:     []string{"sales"},
	}
}

// ViewerClaims returns TestClaims for a read-only acme user.
func ViewerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-viewer",
		TenantID:  "acme",
		Email:     "viewer@acme.example.com",
		Roles:     []string{"viewer"},
	}
}

// OpsClaims returns TestClaims for an acme operator allowed to run sweeps.
func OpsClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-ops",
		TenantID:  "acme",
		Email:     "ops@acme.example.com",
		Roles:     []string{"ops"},
	}
}

// AdminClaims returns TestClaims for an acme administrator.
func AdminClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-admin",
		TenantID:  "acme",
		Email:     "admin@acme.example.com",
		Roles:     []string{"admin"},
	}
}

// GlobexClaims returns TestClaims for a sales user of another tenant.
func GlobexClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-globex",
		TenantID:  "globex",
		Email:     "agent@globex.example.com",
		Roles:     []string{"sales"},
	}
}

// --- Helpers ---

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

// QuoteDelta is the payload the acme new → quoted edge requires.
func QuoteDelta(quoteID string, amount float64) map[string]any {
	return map[string]any{"quote_id": quoteID, "amount": amount}
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
