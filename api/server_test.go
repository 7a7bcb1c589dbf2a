package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/runplaneHQ/runplane-go/bus"
	"github.com/runplaneHQ/runplane-go/compact"
	"github.com/runplaneHQ/runplane-go/reasoner"
	"github.com/runplaneHQ/runplane-go/runner"
	"github.com/runplaneHQ/runplane-go/state/memory"
	"github.com/runplaneHQ/runplane-go/types"
)

func newTestServer(t *testing.T, r reasoner.Reasoner) (*httptest.Server, *Server) {
	t.Helper()
	store := memory.New()
	eventBus := bus.New()
	controller, err := runner.New(store, eventBus, compact.New(), r)
	if err != nil {
		t.Fatalf("runner.New failed: %v", err)
	}
	s := NewServer(Config{
		Store:      store,
		Bus:        eventBus,
		Controller: controller,
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts, s
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response failed: %v", err)
	}
}

func createRun(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	resp := postJSON(t, ts.URL+"/api/v1/runs", map[string]any{
		"threadId": "thread-1",
		"input":    map[string]any{"task": "go"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create run status = %d, want 201", resp.StatusCode)
	}
	var created struct {
		RunID string `json:"runId"`
	}
	decodeBody(t, resp, &created)
	if created.RunID == "" {
		t.Fatal("no run id returned")
	}
	return created.RunID
}

func TestAPI_Healthz(t *testing.T) {
	ts, _ := newTestServer(t, reasoner.Echo{})
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", resp.StatusCode)
	}
}

func TestAPI_CreateGetAdvance(t *testing.T) {
	ts, _ := newTestServer(t, reasoner.NewScripted(
		reasoner.ScriptStep{Outcome: reasoner.Outcome{Kind: reasoner.OutcomeFinal, Output: "done", Summary: "one step"}},
	))

	runID := createRun(t, ts)

	resp, err := http.Get(ts.URL + "/api/v1/runs/" + runID)
	if err != nil {
		t.Fatalf("GET run failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get run status = %d, want 200", resp.StatusCode)
	}
	var run struct {
		Status types.RunStatus `json:"status"`
	}
	decodeBody(t, resp, &run)
	if run.Status != types.RunStatusRunning {
		t.Fatalf("run status = %s, want running", run.Status)
	}

	advResp := postJSON(t, ts.URL+"/api/v1/runs/"+runID+"/advance", nil)
	if advResp.StatusCode != http.StatusOK {
		t.Fatalf("advance status = %d, want 200", advResp.StatusCode)
	}
	var outcome types.StepOutcome
	decodeBody(t, advResp, &outcome)
	if outcome.Kind != types.OutcomeCompleted || outcome.Output != "done" {
		t.Fatalf("unexpected outcome %#v", outcome)
	}
}

func TestAPI_CreateRejectsInvalidInput(t *testing.T) {
	ts, _ := newTestServer(t, reasoner.Echo{})
	resp := postJSON(t, ts.URL+"/api/v1/runs", map[string]any{"threadId": "thread-1"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("create without input status = %d, want 400", resp.StatusCode)
	}
}

func TestAPI_GetUnknownRun(t *testing.T) {
	ts, _ := newTestServer(t, reasoner.Echo{})
	resp, err := http.Get(ts.URL + "/api/v1/runs/nope")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func suspendingReasoner() reasoner.Reasoner {
	return reasonerFunc(func(req reasoner.Request) (reasoner.Outcome, error) {
		if req.Resumption == nil {
			return reasoner.Outcome{
				Kind:       reasoner.OutcomeNeedsInput,
				NeedsInput: &reasoner.InputRequest{Prompt: "approve?"},
			}, nil
		}
		return reasoner.Outcome{Kind: reasoner.OutcomeFinal, Output: "approved"}, nil
	})
}

type reasonerFunc func(req reasoner.Request) (reasoner.Outcome, error)

func (f reasonerFunc) Invoke(_ context.Context, req reasoner.Request, _ reasoner.StreamFunc) (reasoner.Outcome, error) {
	return f(req)
}

func TestAPI_ResumeProtocol(t *testing.T) {
	ts, _ := newTestServer(t, suspendingReasoner())

	runID := createRun(t, ts)
	advResp := postJSON(t, ts.URL+"/api/v1/runs/"+runID+"/advance", nil)
	if advResp.StatusCode != http.StatusOK {
		t.Fatalf("advance status = %d, want 200", advResp.StatusCode)
	}
	var outcome types.StepOutcome
	decodeBody(t, advResp, &outcome)
	if outcome.Kind != types.OutcomeAwaitingInput || outcome.InterruptToken == "" {
		t.Fatalf("unexpected outcome %#v", outcome)
	}

	// Advancing an awaiting run is a conflict.
	conflict := postJSON(t, ts.URL+"/api/v1/runs/"+runID+"/advance", nil)
	if conflict.StatusCode != http.StatusConflict {
		t.Fatalf("advance while awaiting status = %d, want 409", conflict.StatusCode)
	}

	// Wrong token is a 404.
	wrong := postJSON(t, ts.URL+"/api/v1/runs/"+runID+"/resume", map[string]any{
		"interruptToken": "bogus",
		"answer":         map[string]any{"ok": true},
	})
	if wrong.StatusCode != http.StatusNotFound {
		t.Fatalf("resume with bogus token status = %d, want 404", wrong.StatusCode)
	}

	good := postJSON(t, ts.URL+"/api/v1/runs/"+runID+"/resume", map[string]any{
		"interruptToken": outcome.InterruptToken,
		"answer":         map[string]any{"ok": true},
	})
	if good.StatusCode != http.StatusOK {
		t.Fatalf("resume status = %d, want 200", good.StatusCode)
	}
	var resumed types.StepOutcome
	decodeBody(t, good, &resumed)
	if resumed.Kind != types.OutcomeCompleted || resumed.Output != "approved" {
		t.Fatalf("unexpected resumed outcome %#v", resumed)
	}

	// Replaying the spent token is a conflict.
	replay := postJSON(t, ts.URL+"/api/v1/runs/"+runID+"/resume", map[string]any{
		"interruptToken": outcome.InterruptToken,
		"answer":         map[string]any{"ok": true},
	})
	if replay.StatusCode != http.StatusConflict {
		t.Fatalf("replayed resume status = %d, want 409", replay.StatusCode)
	}
}

func TestAPI_CancelIsIdempotent(t *testing.T) {
	ts, _ := newTestServer(t, suspendingReasoner())

	runID := createRun(t, ts)
	for i := 0; i < 2; i++ {
		resp := postJSON(t, ts.URL+"/api/v1/runs/"+runID+"/cancel", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("cancel %d status = %d, want 200", i, resp.StatusCode)
		}
	}

	adv := postJSON(t, ts.URL+"/api/v1/runs/"+runID+"/advance", nil)
	if adv.StatusCode != http.StatusConflict {
		t.Fatalf("advance after cancel status = %d, want 409", adv.StatusCode)
	}
}

func TestAPI_EventsSSEReplay(t *testing.T) {
	ts, _ := newTestServer(t, reasoner.NewScripted(
		reasoner.ScriptStep{
			Deltas:  []reasoner.Delta{{Text: "chunk"}},
			Outcome: reasoner.Outcome{Kind: reasoner.OutcomeFinal, Output: "done", Summary: "s"},
		},
	))

	runID := createRun(t, ts)
	adv := postJSON(t, ts.URL+"/api/v1/runs/"+runID+"/advance", nil)
	if adv.StatusCode != http.StatusOK {
		t.Fatalf("advance status = %d, want 200", adv.StatusCode)
	}

	resp, err := http.Get(ts.URL + "/api/v1/runs/" + runID + "/events?from=0")
	if err != nil {
		t.Fatalf("GET events failed: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q, want text/event-stream", ct)
	}

	var events []types.Event
	sawEnd := false
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: end") {
			sawEnd = true
			break
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event types.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			t.Fatalf("bad event payload %q: %v", line, err)
		}
		events = append(events, event)
	}
	if !sawEnd {
		t.Fatal("stream did not end with an end event")
	}
	if len(events) == 0 {
		t.Fatal("no events replayed")
	}
	for i, event := range events {
		if event.ID != int64(i+1) {
			t.Fatalf("event %d has id %d, want %d", i, event.ID, i+1)
		}
	}
	if events[len(events)-1].Kind != types.EventFinal {
		t.Fatalf("last event kind = %s, want final", events[len(events)-1].Kind)
	}
}

func TestAPI_EventsWebSocket(t *testing.T) {
	ts, _ := newTestServer(t, reasoner.NewScripted(
		reasoner.ScriptStep{Outcome: reasoner.Outcome{Kind: reasoner.OutcomeFinal, Output: "done"}},
	))

	runID := createRun(t, ts)
	adv := postJSON(t, ts.URL+"/api/v1/runs/"+runID+"/advance", nil)
	if adv.StatusCode != http.StatusOK {
		t.Fatalf("advance status = %d, want 200", adv.StatusCode)
	}

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/runs/" + runID + "/events/ws?from=0"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var lastKind types.EventKind
	count := 0
	for {
		var event types.Event
		if err := conn.ReadJSON(&event); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				break
			}
			t.Fatalf("read failed after %d events: %v", count, err)
		}
		count++
		lastKind = event.Kind
	}
	if count == 0 {
		t.Fatal("no events received")
	}
	if lastKind != types.EventFinal {
		t.Fatalf("last event kind = %s, want final", lastKind)
	}
}

func TestAPI_ListRuns(t *testing.T) {
	ts, _ := newTestServer(t, reasoner.Echo{})

	for i := 0; i < 3; i++ {
		createRun(t, ts)
	}

	resp, err := http.Get(ts.URL + "/api/v1/runs?thread_id=thread-1")
	if err != nil {
		t.Fatalf("GET runs failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d, want 200", resp.StatusCode)
	}
	var listed struct {
		Runs []json.RawMessage `json:"runs"`
	}
	decodeBody(t, resp, &listed)
	if len(listed.Runs) != 3 {
		t.Fatalf("runs = %d, want 3", len(listed.Runs))
	}
}

func TestAPI_MetricsWithoutTraceStore(t *testing.T) {
	ts, _ := newTestServer(t, reasoner.Echo{})
	resp, err := http.Get(ts.URL + "/api/v1/metrics/summary")
	if err != nil {
		t.Fatalf("GET metrics failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("metrics status = %d, want 501", resp.StatusCode)
	}
}
