package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"impactrun/internal/config"
	"impactrun/internal/db"
	"impactrun/internal/domain"
	"impactrun/internal/engine"
	"impactrun/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
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
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", "tester")
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

// setupExecution creates a locked LFA and an active execution over HTTP,
// returning both IDs.
func setupExecution(t *testing.T, srv *testServer) (string, string) {
	t.Helper()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/lfas", map[string]any{
		"organization_id": "org-1",
		"name":            "Clean Water Program",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create lfa: %d %s", res.StatusCode, string(data))
	}
	var lfa domain.LFA
	if err := json.Unmarshal(data, &lfa); err != nil {
		t.Fatalf("unmarshal lfa: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/lfas/"+lfa.ID+"/lock", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("lock lfa: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/executions", map[string]any{
		"lfa_id": lfa.ID,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create execution: %d %s", res.StatusCode, string(data))
	}
	var exec domain.Execution
	if err := json.Unmarshal(data, &exec); err != nil {
		t.Fatalf("unmarshal execution: %v", err)
	}
	return lfa.ID, exec.ID
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v0/lfas", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	data, _ := io.ReadAll(res.Body)
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %q", envelope.Error.Code)
	}
}

func TestHealthExemptFromAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, err := srv.Client().Get(srv.URL + "/v0/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}
}

func TestSubmitAndValidateOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	_, execID := setupExecution(t, srv)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/executions/"+execID+"/current-action", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("current action: %d %s", res.StatusCode, string(data))
	}
	var current CurrentActionResponse
	if err := json.Unmarshal(data, &current); err != nil {
		t.Fatalf("unmarshal current action: %v", err)
	}
	if current.State != "action_available" || current.Action == nil {
		t.Fatalf("expected an available action, got %s", string(data))
	}
	action := *current.Action

	target := action.SuccessCriteria.Baseline + action.SuccessCriteria.Target
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/actions/"+action.ID+"/results", map[string]any{
		"indicator": action.SuccessCriteria.Indicator,
		"baseline":  action.SuccessCriteria.Baseline,
		"current":   target,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit results: %d %s", res.StatusCode, string(data))
	}
	var outcome SubmitResultsResponse
	if err := json.Unmarshal(data, &outcome); err != nil {
		t.Fatalf("unmarshal outcome: %v", err)
	}
	if outcome.Result.Evaluation.NextAction != "UNLOCK" {
		t.Fatalf("expected UNLOCK, got %s", outcome.Result.Evaluation.NextAction)
	}
	if outcome.Action.Status != domain.ActionPendingValidation {
		t.Fatalf("expected pending_validation, got %s", outcome.Action.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/actions/"+action.ID+"/validate", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("validate: %d %s", res.StatusCode, string(data))
	}
	var validated domain.ExecutionAction
	if err := json.Unmarshal(data, &validated); err != nil {
		t.Fatalf("unmarshal validated: %v", err)
	}
	if validated.Status != domain.ActionCompleted {
		t.Fatalf("expected completed, got %s", validated.Status)
	}
	if validated.Gamification.XPEarned == nil || *validated.Gamification.XPEarned != validated.Gamification.BaseXP {
		t.Fatalf("expected full XP of %d, got %v", validated.Gamification.BaseXP, validated.Gamification.XPEarned)
	}
}

func TestCorrectiveFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	_, execID := setupExecution(t, srv)

	_, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/executions/"+execID+"/current-action", nil, nil)
	var current CurrentActionResponse
	if err := json.Unmarshal(data, &current); err != nil {
		t.Fatalf("unmarshal current action: %v", err)
	}
	action := *current.Action

	// 60% of target triggers a corrective attempt.
	partial := action.SuccessCriteria.Baseline + action.SuccessCriteria.Target*0.6
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/actions/"+action.ID+"/results", map[string]any{
		"indicator": action.SuccessCriteria.Indicator,
		"baseline":  action.SuccessCriteria.Baseline,
		"current":   partial,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit results: %d %s", res.StatusCode, string(data))
	}
	var outcome SubmitResultsResponse
	if err := json.Unmarshal(data, &outcome); err != nil {
		t.Fatalf("unmarshal outcome: %v", err)
	}
	if outcome.Corrective == nil {
		t.Fatalf("expected a corrective attempt: %s", string(data))
	}
	correctiveID := outcome.Corrective.ID

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/correctives/"+correctiveID+"/accept", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("accept corrective: %d %s", res.StatusCode, string(data))
	}

	recovery := action.SuccessCriteria.Baseline + action.SuccessCriteria.Target
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/correctives/"+correctiveID+"/complete", map[string]any{
		"current": recovery,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete corrective: %d %s", res.StatusCode, string(data))
	}
	var result CorrectiveOutcomeResponse
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unmarshal corrective outcome: %v", err)
	}
	if !result.Resolved {
		t.Fatalf("expected recovery to resolve the action: %s", string(data))
	}
	if result.Action.Status != domain.ActionCompleted {
		t.Fatalf("expected completed parent, got %s", result.Action.Status)
	}
}

func TestDuplicateExecutionConflictEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	lfaID, _ := setupExecution(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/executions", map[string]any{
		"lfa_id": lfaID,
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "conflict" {
		t.Fatalf("expected conflict code, got %q", envelope.Error.Code)
	}
}

func TestPausedExecutionRejectsResults(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	_, execID := setupExecution(t, srv)

	_, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/executions/"+execID+"/current-action", nil, nil)
	var current CurrentActionResponse
	if err := json.Unmarshal(data, &current); err != nil {
		t.Fatalf("unmarshal current action: %v", err)
	}
	action := *current.Action

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/executions/"+execID+"/pause", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("pause: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/actions/"+action.ID+"/results", map[string]any{
		"indicator": action.SuccessCriteria.Indicator,
		"baseline":  action.SuccessCriteria.Baseline,
		"current":   action.SuccessCriteria.Baseline + action.SuccessCriteria.Target,
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on paused execution, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "invalid_state" {
		t.Fatalf("expected invalid_state code, got %q", envelope.Error.Code)
	}
}

func TestExecutionListPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	for i := 0; i < 3; i++ {
		lfaID, _ := setupExecution(t, srv)
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/executions/"+execIDFor(t, client, srv.URL, lfaID)+"/abandon", nil, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("abandon: %d %s", res.StatusCode, string(data))
		}
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/executions?limit=2", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list executions: %d %s", res.StatusCode, string(data))
	}
	var page paginatedExecutions
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if len(page.Items) != 2 || page.Total != 3 {
		t.Fatalf("expected 2 of 3, got %d of %d", len(page.Items), page.Total)
	}
	if page.NextCursor == "" {
		t.Fatalf("expected a next cursor")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/executions?limit=2&cursor="+page.NextCursor, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list page 2: %d %s", res.StatusCode, string(data))
	}
	var page2 paginatedExecutions
	if err := json.Unmarshal(data, &page2); err != nil {
		t.Fatalf("unmarshal page 2: %v", err)
	}
	if len(page2.Items) != 1 {
		t.Fatalf("expected 1 remaining, got %d", len(page2.Items))
	}
	for _, first := range page.Items {
		for _, second := range page2.Items {
			if first.ID == second.ID {
				t.Fatalf("execution %s appeared on both pages", first.ID)
			}
		}
	}
}

func execIDFor(t *testing.T, client *http.Client, baseURL, lfaID string) string {
	t.Helper()
	res, data := doJSON(t, client, http.MethodGet, baseURL+"/v0/executions?limit=50", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list executions: %d %s", res.StatusCode, string(data))
	}
	var page paginatedExecutions
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	for _, exec := range page.Items {
		if exec.LFAID == lfaID && exec.Status == domain.ExecutionActive {
			return exec.ID
		}
	}
	t.Fatalf("no active execution for lfa %s", lfaID)
	return ""
}

func TestAPIKeyRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/apikeys", map[string]any{
		"actor_id": "service-1",
		"name":     "reporting",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create api key: %d %s", res.StatusCode, string(data))
	}
	var created APIKeyCreatedResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	if created.Key == "" {
		t.Fatalf("expected raw key in creation response")
	}

	// The raw key authenticates without the legacy header.
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v0/lfas", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("X-Api-Key", created.Key)
	keyRes, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer keyRes.Body.Close()
	if keyRes.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 via api key, got %d", keyRes.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/apikeys/"+created.ID, nil, nil)
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete key: %d %s", res.StatusCode, string(data))
	}
}

func TestEventsFeedOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	_, execID := setupExecution(t, srv)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?execution_id="+execID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list events: %d %s", res.StatusCode, string(data))
	}
	var events []domain.Event
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	seen := map[string]bool{}
	for _, evt := range events {
		seen[evt.Type] = true
	}
	for _, want := range []string{"execution.created", "level.started", "action.started"} {
		if !seen[want] {
			t.Fatalf("missing event %s in %v", want, seen)
		}
	}
}
