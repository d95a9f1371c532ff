package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/matthewcove-stack/intent-normaliser/internal/config"
	"github.com/matthewcove-stack/intent-normaliser/internal/db"
	"github.com/matthewcove-stack/intent-normaliser/internal/domain"
	"github.com/matthewcove-stack/intent-normaliser/internal/engine"
	"github.com/matthewcove-stack/intent-normaliser/internal/migrate"
	"github.com/matthewcove-stack/intent-normaliser/internal/pipeline"
	"github.com/matthewcove-stack/intent-normaliser/internal/policy"
	"github.com/matthewcove-stack/intent-normaliser/internal/repo"
	"github.com/matthewcove-stack/intent-normaliser/internal/resolve"
)

const (
	testToken  = "change-me"
	testSecret = "jwt-secret"
)

type stubLookup struct{}

func (stubLookup) Search(_ context.Context, query string, _ resolve.EntityType) ([]resolve.Match, error) {
	if query == "Sagitta" {
		return []resolve.Match{
			{ID: "proj_1", Label: "Sagitta", Score: 0.91, Active: true},
			{ID: "proj_2", Label: "Sagitta Ops", Score: 0.85, Active: true},
		}, nil
	}
	return nil, nil
}

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, limiter *RateLimiter) (*testServer, func()) {
	t.Helper()
	cfg := config.Default()
	cfg.Database.URL = filepath.Join(t.TempDir(), "normaliser.db")
	conn, dialect, err := db.Open(db.Config{Driver: cfg.Database.Driver, URL: cfg.Database.URL})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	schema, err := pipeline.NewSchema()
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	gate, err := policy.NewGate(cfg.Policy.MinConfidenceToWrite, cfg.Policy.MaxInferredFields, nil)
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	now := func() time.Time { return time.Date(2026, 1, 21, 10, 0, 0, 0, time.UTC) }
	p := &pipeline.Pipeline{
		Schema:   schema,
		Entities: resolve.EntityResolver{Lookup: stubLookup{}, MinScore: cfg.Resolution.MinScore, Margin: cfg.Resolution.Margin},
		Temporal: resolve.TemporalResolver{Location: cfg.Location(), Anchor: time.Monday},
		Gate:     gate,
		Now:      now,
	}
	e := engine.New(conn, dialect, cfg, p, nil, nil)
	e.Now = now
	handler, err := New(Config{
		Engine:    e,
		Auth:      AuthConfig{ServiceToken: testToken, JWTSecret: testSecret},
		RateLimit: limiter,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func authHeaders(actor string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + testToken, "X-Actor-Id": actor}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

const readyPacket = `{"kind":"intent","intent_type":"create_task","request_id":"req-1",
	"fields":{"title":"Write spec","due":"2026-01-26","project_id":"proj_abc123"}}`

const ambiguousPacket = `{"kind":"intent","intent_type":"create_task",
	"fields":{"title":"Write spec","project":"Sagitta"}}`

func TestHealthAndVersionAreOpen(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/version", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("version status %d: %s", res.StatusCode, string(body))
	}
	var v versionBody
	if err := json.Unmarshal(body, &v); err != nil {
		t.Fatalf("unmarshal version: %v", err)
	}
	if v.Version == "" || v.ArtifactVersion != 1 {
		t.Fatalf("unexpected version body %+v", v)
	}
}

func TestSubmitRequiresCredentials(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/intents", readyPacket, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(body))
	}
	if code := errorCode(t, body); code != "UNAUTHORIZED" {
		t.Fatalf("expected UNAUTHORIZED, got %s", code)
	}
	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/intents", readyPacket, map[string]string{"Authorization": "Bearer wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad token, got %d %s", res.StatusCode, string(body))
	}
}

func TestSubmitReadyAndReplay(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v1/intents", readyPacket, authHeaders("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(body))
	}
	var out engine.Outcome
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal outcome: %v", err)
	}
	if out.Status != "ready" || len(out.Plan) != 1 || out.Plan[0].Action != domain.ActionCreateTask {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if res.Header.Get("X-Intent-Id") != out.IntentID || res.Header.Get("X-Correlation-Id") != out.CorrelationID {
		t.Fatalf("identifier headers missing: %v", res.Header)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v1/intents", readyPacket, authHeaders("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("replay status %d: %s", res.StatusCode, string(body))
	}
	var replay engine.Outcome
	_ = json.Unmarshal(body, &replay)
	if replay.IntentID != out.IntentID || replay.ReceiptID != out.ReceiptID {
		t.Fatalf("replay returned a new intent: %+v", replay)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/intents/"+out.IntentID, nil, authHeaders("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get intent status %d: %s", res.StatusCode, string(body))
	}
	var intent IntentResponse
	_ = json.Unmarshal(body, &intent)
	if intent.Status != "ready" || intent.FinalCanonical == nil || intent.ActorID != "alice" {
		t.Fatalf("unexpected intent %+v", intent)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/correlations/"+out.CorrelationID+"/latest", nil, authHeaders("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("latest status %d: %s", res.StatusCode, string(body))
	}
	var latest domain.Artifact
	_ = json.Unmarshal(body, &latest)
	if latest.IntentID != out.IntentID || latest.Status != "ready" {
		t.Fatalf("unexpected latest artifact %+v", latest)
	}
}

func TestSubmitErrors(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v1/intents", "not json", authHeaders("alice"))
	if res.StatusCode != http.StatusBadRequest || errorCode(t, body) != "VALIDATION_ERROR" {
		t.Fatalf("expected 400 VALIDATION_ERROR, got %d %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v1/intents", `{"kind":"intent","intent_type":"create_task","fields":{}}`, authHeaders("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("rejections are outcomes, got %d %s", res.StatusCode, string(body))
	}
	var out engine.Outcome
	_ = json.Unmarshal(body, &out)
	if out.Status != "rejected" || out.Error == nil || out.Error.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected rejected outcome, got %+v", out)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/intents/int_missing", nil, authHeaders("alice"))
	if res.StatusCode != http.StatusNotFound || errorCode(t, body) != "NOT_FOUND" {
		t.Fatalf("expected 404 NOT_FOUND, got %d %s", res.StatusCode, string(body))
	}
}

func TestClarificationRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v1/intents", ambiguousPacket, authHeaders("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(body))
	}
	var out engine.Outcome
	_ = json.Unmarshal(body, &out)
	if out.Status != "needs_clarification" || out.Clarification == nil {
		t.Fatalf("expected clarification, got %+v", out)
	}
	id := out.Clarification.ClarificationID

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/clarifications?status=open&actor_id=alice", nil, authHeaders("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(body))
	}
	var list ClarificationList
	_ = json.Unmarshal(body, &list)
	if len(list.Items) != 1 || list.Items[0].ID != id {
		t.Fatalf("expected the open clarification, got %+v", list.Items)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/clarifications?status=bogus", nil, authHeaders("bob"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad status filter, got %d %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v1/clarifications/"+id+"/answer", map[string]any{
		"answer": map[string]any{"choice_id": "proj_9"},
	}, authHeaders("bob"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for an unknown choice, got %d %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v1/clarifications/"+id+"/answer", map[string]any{
		"answer": map[string]any{"choice_id": "proj_1"},
	}, authHeaders("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("answer status %d: %s", res.StatusCode, string(body))
	}
	var resumed engine.Outcome
	_ = json.Unmarshal(body, &resumed)
	if resumed.Status != "ready" || resumed.Plan[0].Payload["project_id"] != "proj_1" {
		t.Fatalf("unexpected resume outcome %+v", resumed)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v1/clarifications/"+id+"/answer", map[string]any{
		"answer": map[string]any{"choice_id": "proj_2"},
	}, authHeaders("bob"))
	if res.StatusCode != http.StatusConflict || errorCode(t, body) != "CONFLICT" {
		t.Fatalf("expected 409 CONFLICT, got %d %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/clarifications/"+id, nil, authHeaders("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get clarification status %d: %s", res.StatusCode, string(body))
	}
	var c domain.Clarification
	_ = json.Unmarshal(body, &c)
	if c.Status != domain.ClarificationAnswered {
		t.Fatalf("expected answered, got %s", c.Status)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/intents/"+out.IntentID+"/artifacts", nil, authHeaders("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("artifacts status %d: %s", res.StatusCode, string(body))
	}
	var arts ArtifactList
	_ = json.Unmarshal(body, &arts)
	var got []string
	for _, a := range arts.Items {
		got = append(got, a.Status)
	}
	want := []string{"received", "needs_clarification", "clarification_answered", "ready"}
	if len(got) != len(want) {
		t.Fatalf("artifacts = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("artifacts = %v, want %v", got, want)
		}
	}
}

func TestJWTAndAPIKeyPrincipals(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "jane"}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v1/intents", readyPacket, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("jwt submit status %d: %s", res.StatusCode, string(body))
	}
	var out engine.Outcome
	_ = json.Unmarshal(body, &out)
	intent, err := srv.Engine.GetIntent(context.Background(), out.IntentID)
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if intent.ActorID != "jane" {
		t.Fatalf("expected actor from sub claim, got %q", intent.ActorID)
	}

	key := domain.APIKey{ID: "key_1", ActorID: "robot", KeyHash: repo.HashAPIKey("secret-key"), CreatedAt: domain.FormatTime(time.Now())}
	if err := srv.Engine.Repo.InsertAPIKey(context.Background(), key); err != nil {
		t.Fatalf("insert api key: %v", err)
	}
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v1/intents", readyPacket, map[string]string{"X-Api-Key": "secret-key"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key submit status %d: %s", res.StatusCode, string(body))
	}
	var keyed engine.Outcome
	_ = json.Unmarshal(body, &keyed)
	if keyed.IntentID == out.IntentID {
		t.Fatalf("different actors must not share an intent")
	}

	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v1/intents", readyPacket, map[string]string{"X-Api-Key": "nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for an unknown api key, got %d", res.StatusCode)
	}
}

func TestRateLimitRejectsBurst(t *testing.T) {
	limiter := NewRateLimiter(0.001, 1, "", nil)
	srv, cleanup := newTestServer(t, limiter)
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/clarifications", nil, authHeaders("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first call status %d: %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/clarifications", nil, authHeaders("alice"))
	if res.StatusCode != http.StatusTooManyRequests || errorCode(t, body) != "RATE_LIMITED" {
		t.Fatalf("expected 429 RATE_LIMITED, got %d %s", res.StatusCode, string(body))
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/clarifications", nil, authHeaders("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("other actors keep their own bucket, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health is not rate limited, got %d", res.StatusCode)
	}
}

func TestOpenAPIIsServedWithoutCredentials(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d: %s", res.StatusCode, string(body))
	}
	var doc struct {
		Paths map[string]any `json:"paths"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		t.Fatalf("unmarshal openapi: %v", err)
	}
	for _, p := range []string{"/v1/intents", "/v1/clarifications/{clarification_id}/answer"} {
		if _, ok := doc.Paths[p]; !ok {
			t.Fatalf("openapi is missing %s", p)
		}
	}
}

func TestSweeperExpiresOverdueClarifications(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	ctx := context.Background()

	e := srv.Engine
	out, err := e.Ingest(ctx, []byte(ambiguousPacket), "alice")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if out.Clarification == nil {
		t.Fatalf("expected a clarification, got %+v", out)
	}
	later := time.Date(2026, 1, 24, 10, 0, 1, 0, time.UTC)
	e.Now = func() time.Time { return later }

	s := NewSweeper(e, nil)
	if s.Interval != time.Minute {
		t.Fatalf("expected the configured interval, got %s", s.Interval)
	}
	s.sweep(ctx)

	c, err := e.GetClarification(ctx, out.Clarification.ClarificationID)
	if err != nil {
		t.Fatalf("get clarification: %v", err)
	}
	if c.Status != domain.ClarificationExpired {
		t.Fatalf("expected expired, got %s", c.Status)
	}

	stopped, cancel := context.WithCancel(ctx)
	cancel()
	done := make(chan struct{})
	go func() {
		s.Run(stopped)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("sweeper did not stop on cancellation")
	}
}

func TestAnswerTextAliasResolvesTypedName(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	packet := `{"kind":"intent","intent_type":"create_task","fields":{"title":"Write spec","project":"Zeus"}}`
	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v1/intents", packet, authHeaders("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(body))
	}
	var out engine.Outcome
	_ = json.Unmarshal(body, &out)
	if out.Status != "needs_clarification" || out.Clarification == nil {
		t.Fatalf("expected a question about the project, got %+v", out)
	}
	if out.Clarification.ExpectedAnswerType != domain.AnswerFreeText {
		t.Fatalf("expected a free text question, got %s", out.Clarification.ExpectedAnswerType)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v1/clarifications/"+out.Clarification.ClarificationID+"/answer", map[string]any{
		"answer": map[string]any{"answer_text": "Zeus Programme"},
	}, authHeaders("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("answer status %d: %s", res.StatusCode, string(body))
	}
	var resumed engine.Outcome
	_ = json.Unmarshal(body, &resumed)
	if resumed.Status != "ready" || len(resumed.Plan) != 1 {
		t.Fatalf("expected ready, got %+v", resumed)
	}
	if got := resumed.Plan[0].Payload["project"]; got != "Zeus Programme" {
		t.Fatalf("payload project = %v", got)
	}
}
