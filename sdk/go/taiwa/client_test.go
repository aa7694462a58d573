package taiwa

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newFakeServer returns a test server that mimics the Taiwa API surface
// the client touches, plus a counter of token exchanges.
func newFakeServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var tokenCalls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		var req authRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.APIKey != "good-key" {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":{"code":"unauthorized","message":"invalid credentials"}}`)
			return
		}
		fmt.Fprintf(w, `{"data":{"token":"tok-%s","expires_at":%q,"team_id":%q}}`,
			req.TeamID, time.Now().Add(time.Hour).Format(time.RFC3339), req.TeamID)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-team-a" {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":{"code":"unauthorized","message":"bad token"}}`)
			return
		}
		handler(w, r)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &tokenCalls
}

func newTestClient(srv *httptest.Server, debug bool) *Client {
	return NewClient(Config{
		BaseURL: srv.URL,
		TeamID:  "team-a",
		APIKey:  "good-key",
		Debug:   debug,
	})
}

func TestStartAndContinue(t *testing.T) {
	srv, tokenCalls := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/run/start":
			var meta RunMeta
			require.NoError(t, json.NewDecoder(r.Body).Decode(&meta))
			assert.Equal(t, "r1", meta.RunID)
			fmt.Fprint(w, `{"data":{"run_id":"r1","topic_id":"t1","user_id":"u1","utterance":"first question","history":[{"role":"User","content":"first question"}]}}`)
		case "/run/continue":
			var reply AssistantReply
			require.NoError(t, json.NewDecoder(r.Body).Decode(&reply))
			assert.Equal(t, "an answer", reply.Response)
			fmt.Fprint(w, `{"data":{"run_id":"r1","topic_id":"t1","utterance":"next question","last_response_of_session":true}}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})
	client := newTestClient(srv, false)
	ctx := context.Background()

	first, err := client.Start(ctx, RunMeta{RunID: "r1", Description: "sdk test"})
	require.NoError(t, err)
	assert.Equal(t, "first question", first.Utterance)
	require.Len(t, first.History, 1)

	next, err := client.Continue(ctx, AssistantReply{RunID: "r1", Response: "an answer"})
	require.NoError(t, err)
	assert.Equal(t, "next question", next.Utterance)
	assert.True(t, next.LastResponseOfSession)

	// The token is fetched once and reused.
	assert.Equal(t, int32(1), tokenCalls.Load())
}

func TestDebugPrefix(t *testing.T) {
	srv, _ := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/debug/start", r.URL.Path)
		fmt.Fprint(w, `{"data":{"run_id":"r1","utterance":"q"}}`)
	})
	client := newTestClient(srv, true)

	_, err := client.Start(context.Background(), RunMeta{RunID: "r1"})
	require.NoError(t, err)
}

func TestSessionAndStatus(t *testing.T) {
	srv, _ := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/run/session":
			assert.Equal(t, "r1", r.URL.Query().Get("run_id"))
			fmt.Fprint(w, `{"data":{"run_id":"r1","utterance":"pending question"}}`)
		case "/run/status":
			fmt.Fprint(w, `{"data":{"status":"active","done_topics":["t1"],"open_topics":["t2"]}}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})
	client := newTestClient(srv, false)
	ctx := context.Background()

	pending, err := client.Session(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "pending question", pending.Utterance)

	status, err := client.Status(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "active", status.Status)
	assert.Equal(t, []string{"t2"}, status.OpenTopics)
}

func TestDumpParsesNDJSON(t *testing.T) {
	srv, _ := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/run/dump", r.URL.Path)
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"metadata":{"team_id":"team-a","run_id":"r1","type":"interactive","topic_id":"t1_1"},"responses":[{"rank":0,"user_utterance":"q1","text":"a1"}],"references":{"doc-1":0.9}}`)
		fmt.Fprintln(w, `{"metadata":{"team_id":"team-a","run_id":"r1","type":"interactive","topic_id":"t2_2"},"responses":[]}`)
	})
	client := newTestClient(srv, false)

	records, err := client.Dump(context.Background(), "r1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "t1_1", records[0].Metadata.TopicID)
	require.Len(t, records[0].Responses, 1)
	require.NotNil(t, records[0].Responses[0].Text)
	assert.Equal(t, "a1", *records[0].Responses[0].Text)
	assert.Equal(t, 0.9, records[0].References["doc-1"])
}

func TestBudgetCheck(t *testing.T) {
	srv, _ := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/budget/check", r.URL.Path)
		fmt.Fprint(w, `{"data":{"remaining":{"run":{"remaining":3,"limit":10,"unit":"campaign"},"debug":{"remaining":50,"limit":100,"unit":"24h0m0s"}}}}`)
	})
	client := newTestClient(srv, false)

	remaining, err := client.BudgetCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, remaining["run"].Remaining)
	assert.Equal(t, "24h0m0s", remaining["debug"].Unit)
}

func TestErrorMapping(t *testing.T) {
	srv, _ := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/run/start":
			w.WriteHeader(http.StatusPreconditionFailed)
			fmt.Fprint(w, `{"error":{"code":"precondition_failed","message":"run id already used"}}`)
		case "/run/continue":
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":{"code":"budget_exceeded","message":"no credits left"}}`)
		case "/run/status":
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":{"code":"not_found","message":"unknown run"}}`)
		}
	})
	client := newTestClient(srv, false)
	ctx := context.Background()

	_, err := client.Start(ctx, RunMeta{RunID: "dup"})
	assert.True(t, IsRunConflict(err))
	assert.Contains(t, err.Error(), "run id already used")

	_, err = client.Continue(ctx, AssistantReply{RunID: "dup", Response: "a"})
	assert.True(t, IsBudgetExceeded(err))
	assert.False(t, IsRateLimited(err))

	_, err = client.Status(ctx, "ghost")
	assert.True(t, IsNotFound(err))
}

func TestAuthFailure(t *testing.T) {
	srv, _ := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {})
	client := NewClient(Config{BaseURL: srv.URL, TeamID: "team-a", APIKey: "bad-key"})

	_, err := client.Status(context.Background(), "r1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth failed with status 401")
}
