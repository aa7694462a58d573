package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taiwa-eval/taiwa/api"
	"github.com/taiwa-eval/taiwa/internal/auth"
	"github.com/taiwa-eval/taiwa/internal/budget"
	"github.com/taiwa-eval/taiwa/internal/catalog"
	"github.com/taiwa-eval/taiwa/internal/model"
	"github.com/taiwa-eval/taiwa/internal/ratelimit"
	"github.com/taiwa-eval/taiwa/internal/run"
	"github.com/taiwa-eval/taiwa/internal/session"
	"github.com/taiwa-eval/taiwa/internal/simuser"
	"github.com/taiwa-eval/taiwa/internal/storage"
	"github.com/taiwa-eval/taiwa/internal/service/turns"
)

const adminPassword = "test-admin-password"

type testEnv struct {
	server *httptest.Server
	store  storage.Store
}

func newTestEnv(t *testing.T, runLimit, debugLimit budget.Limit, limiter ratelimit.Limiter) *testEnv {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	store, err := storage.NewSQLite(ctx, filepath.Join(t.TempDir(), "server.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	hash, err := auth.HashSecret(adminPassword)
	require.NoError(t, err)
	require.NoError(t, store.UpsertAdmin(ctx, "admin", hash))

	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	cat := catalog.Dummy()
	pool := simuser.NewPool()
	for _, topic := range cat.Topics() {
		p, ok := cat.Persona(topic.ID)
		require.True(t, ok)
		pool.Add(topic.ID, simuser.NewScriptedUser(p.UserID, p.Subtopics))
	}

	budgetSvc := budget.New(store, logger)
	newSvc := func(mode model.Mode, limit budget.Limit) *turns.Service {
		return turns.New(
			mode,
			run.NewRegistry(mode, cat, store, logger),
			session.NewRegistry(),
			pool,
			store,
			budgetSvc,
			limit,
			logger,
		)
	}

	srv := New(Config{
		Store:               store,
		JWTMgr:              jwtMgr,
		RunSvc:              newSvc(model.ModeRun, runLimit),
		DebugSvc:            newSvc(model.ModeDebug, debugLimit),
		BudgetSvc:           budgetSvc,
		RunLimit:            runLimit,
		DebugLimit:          debugLimit,
		Limiter:             limiter,
		OpenAPISpec:         api.OpenAPISpec,
		Logger:              logger,
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, store: store}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.server.URL+path, buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// decodeData unwraps the response envelope into target.
func decodeData(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	defer resp.Body.Close()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, target))
}

func decodeErrorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	var envelope model.APIError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return envelope.Error.Code
}

// adminToken exchanges the bootstrap admin credentials for a token.
func (e *testEnv) adminToken(t *testing.T) string {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/auth/token", "", model.AuthTokenRequest{
		TeamID: "admin",
		APIKey: adminPassword,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out model.AuthTokenResponse
	decodeData(t, resp, &out)
	return out.Token
}

// teamToken registers a team (via the admin) and exchanges its key.
func (e *testEnv) teamToken(t *testing.T, teamID string) string {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/auth/teams", e.adminToken(t), model.CreateTeamRequest{TeamID: teamID})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created model.CreateTeamResponse
	decodeData(t, resp, &created)
	require.NotEmpty(t, created.APIKey)

	resp = e.do(t, http.MethodPost, "/auth/token", "", model.AuthTokenRequest{
		TeamID: teamID,
		APIKey: created.APIKey,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out model.AuthTokenResponse
	decodeData(t, resp, &out)
	assert.Equal(t, teamID, out.TeamID)
	return out.Token
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, budget.Limit{}, budget.Limit{}, nil)
	resp := env.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]any
	decodeData(t, resp, &out)
	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, "test", out["version"])
}

func TestAuthFlow(t *testing.T) {
	env := newTestEnv(t, budget.Limit{}, budget.Limit{}, nil)

	t.Run("unknown team rejected", func(t *testing.T) {
		resp := env.do(t, http.MethodPost, "/auth/token", "", model.AuthTokenRequest{
			TeamID: "nobody", APIKey: "whatever",
		})
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, model.ErrCodeUnauthorized, decodeErrorCode(t, resp))
	})

	t.Run("wrong admin password rejected", func(t *testing.T) {
		resp := env.do(t, http.MethodPost, "/auth/token", "", model.AuthTokenRequest{
			TeamID: "admin", APIKey: "wrong",
		})
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		resp.Body.Close()
	})

	t.Run("missing token on protected route", func(t *testing.T) {
		resp := env.do(t, http.MethodGet, "/auth/verify", "", nil)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		resp.Body.Close()
	})

	t.Run("garbage token rejected", func(t *testing.T) {
		resp := env.do(t, http.MethodGet, "/auth/verify", "not.a.jwt", nil)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		resp.Body.Close()
	})

	t.Run("verify echoes team id", func(t *testing.T) {
		token := env.teamToken(t, "team-alpha")
		resp := env.do(t, http.MethodGet, "/auth/verify", token, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var out map[string]string
		decodeData(t, resp, &out)
		assert.Equal(t, "team-alpha", out["team_id"])
	})

	t.Run("team cannot register teams", func(t *testing.T) {
		token := env.teamToken(t, "team-beta")
		resp := env.do(t, http.MethodPost, "/auth/teams", token, model.CreateTeamRequest{TeamID: "sneaky"})
		require.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Equal(t, model.ErrCodeForbidden, decodeErrorCode(t, resp))
	})

	t.Run("duplicate team conflicts", func(t *testing.T) {
		admin := env.adminToken(t)
		resp := env.do(t, http.MethodPost, "/auth/teams", admin, model.CreateTeamRequest{TeamID: "team-alpha"})
		require.Equal(t, http.StatusConflict, resp.StatusCode)
		resp.Body.Close()
	})
}

// continueRun submits a canned answer and returns the simulated user's
// next utterance.
func (env *testEnv) continueRun(t *testing.T, prefix, token, runID, answer string) (model.UserUtterance, *http.Response) {
	t.Helper()
	resp := env.do(t, http.MethodPost, prefix+"/continue", token, model.AssistantReply{
		RunID:      runID,
		Response:   answer,
		Citations:  map[string]float64{"doc-1": 0.9},
		Provenance: []string{"p1"},
	})
	if resp.StatusCode != http.StatusOK {
		return model.UserUtterance{}, resp
	}
	var out model.UserUtterance
	decodeData(t, resp, &out)
	return out, resp
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t, budget.Limit{}, budget.Limit{}, nil)
	token := env.teamToken(t, "team-a")

	resp := env.do(t, http.MethodPost, "/run/start", token, model.RunMeta{
		RunID: "r1", Description: "integration run",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var first model.UserUtterance
	decodeData(t, resp, &first)
	assert.Equal(t, "dummy1", first.TopicID)
	assert.Equal(t, "What is Rayleigh scattering?", first.Utterance)

	// Status reflects the live session.
	resp = env.do(t, http.MethodGet, "/run/status?run_id=r1", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status model.RunStatus
	decodeData(t, resp, &status)
	assert.Equal(t, model.StatusActive, status.Status)

	// Walk the first topic to its close.
	next, resp := env.continueRun(t, "/run", token, "r1", "Scattering of light by small particles.")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Why does the sky redden at sunset?", next.Utterance)

	// Session endpoint reports the pending utterance, idempotently.
	resp = env.do(t, http.MethodGet, "/run/session?run_id=r1", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pending model.UserUtterance
	decodeData(t, resp, &pending)
	assert.Equal(t, next.Utterance, pending.Utterance)

	// Agenda exhausted: the user says farewell and the topic is sealed.
	next, resp = env.continueRun(t, "/run", token, "r1", "Longer path length filters out blue light.")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, next.LastResponseOfSession)
	assert.False(t, next.LastResponseOfRun)

	// The next continue opens the second topic; its answer is dropped.
	opener, resp := env.continueRun(t, "/run", token, "r1", "Goodbye!")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "dummy2", opener.TopicID)
	require.Len(t, opener.History, 1)

	// Finish the second (single-question) topic and the run.
	next, resp = env.continueRun(t, "/run", token, "r1", "Green is mid-spectrum; blue scatters more.")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, next.LastResponseOfSession)
	assert.True(t, next.LastResponseOfRun)

	// The run is now spent.
	resp = env.do(t, http.MethodGet, "/run/status?run_id=r1", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeData(t, resp, &status)
	assert.Equal(t, model.StatusComplete, status.Status)

	_, resp = env.continueRun(t, "/run", token, "r1", "One more?")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeBadRequest, decodeErrorCode(t, resp))
}

func TestRunDumpNDJSON(t *testing.T) {
	env := newTestEnv(t, budget.Limit{}, budget.Limit{}, nil)
	token := env.teamToken(t, "team-a")

	resp := env.do(t, http.MethodPost, "/run/start", token, model.RunMeta{
		RunID: "r-dump", Description: "dump run",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	for i, answer := range []string{"a1", "a2", "a3", "a4"} {
		_, resp := env.continueRun(t, "/run", token, "r-dump", answer)
		require.Equal(t, http.StatusOK, resp.StatusCode, "turn %d", i)
	}

	resp = env.do(t, http.MethodGet, "/run/dump?run_id=r-dump", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	defer resp.Body.Close()
	var records []model.ExportRecord
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var rec model.ExportRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		records = append(records, rec)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, records, 2)
	assert.Equal(t, "dummy1_1", records[0].Metadata.TopicID)
	assert.Equal(t, "dummy2_2", records[1].Metadata.TopicID)
	assert.Equal(t, "team-a", records[0].Metadata.TeamID)

	t.Run("foreign team gets 404", func(t *testing.T) {
		other := env.teamToken(t, "team-b")
		resp := env.do(t, http.MethodGet, "/run/dump?run_id=r-dump", other, nil)
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, model.ErrCodeNotFound, decodeErrorCode(t, resp))
	})

	t.Run("missing query param", func(t *testing.T) {
		resp := env.do(t, http.MethodGet, "/run/dump", token, nil)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		resp.Body.Close()
	})
}

func TestDebugNamespaceIsolated(t *testing.T) {
	env := newTestEnv(t, budget.Limit{}, budget.Limit{}, nil)
	token := env.teamToken(t, "team-a")

	// The same run id lives independently in both namespaces.
	resp := env.do(t, http.MethodPost, "/debug/start", token, model.RunMeta{RunID: "r1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	resp = env.do(t, http.MethodPost, "/run/start", token, model.RunMeta{RunID: "r1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Rehearsal turns never reach the submission log.
	_, resp = env.continueRun(t, "/debug", token, "r1", "practice answer")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	dump := env.do(t, http.MethodGet, "/run/dump?run_id=r1", token, nil)
	require.Equal(t, http.StatusNotFound, dump.StatusCode)
	dump.Body.Close()
}

func TestRunErrorMapping(t *testing.T) {
	env := newTestEnv(t, budget.Limit{}, budget.Limit{}, nil)
	token := env.teamToken(t, "team-a")

	t.Run("duplicate run id", func(t *testing.T) {
		resp := env.do(t, http.MethodPost, "/run/start", token, model.RunMeta{RunID: "dup"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
		resp = env.do(t, http.MethodPost, "/run/start", token, model.RunMeta{RunID: "dup"})
		require.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)
		assert.Equal(t, model.ErrCodePreconditionFailed, decodeErrorCode(t, resp))
	})

	t.Run("continue before start", func(t *testing.T) {
		_, resp := env.continueRun(t, "/run", token, "ghost", "answer")
		require.Equal(t, http.StatusPreconditionRequired, resp.StatusCode)
		assert.Equal(t, model.ErrCodePreconditionRequired, decodeErrorCode(t, resp))
	})

	t.Run("foreign run rejected", func(t *testing.T) {
		other := env.teamToken(t, "team-b")
		_, resp := env.continueRun(t, "/run", other, "dup", "answer")
		require.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Equal(t, model.ErrCodeForbidden, decodeErrorCode(t, resp))
	})

	t.Run("overlong response", func(t *testing.T) {
		long := ""
		for i := 0; i < model.MaxResponseTokens+1; i++ {
			long += fmt.Sprintf("w%d ", i)
		}
		_, resp := env.continueRun(t, "/run", token, "dup", long)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, model.ErrCodeBadRequest, decodeErrorCode(t, resp))
	})

	t.Run("unknown run status", func(t *testing.T) {
		resp := env.do(t, http.MethodGet, "/run/status?run_id=nope", token, nil)
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
		resp.Body.Close()
	})

	t.Run("malformed body", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, env.server.URL+"/run/start", bytes.NewReader([]byte("{not json")))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		resp.Body.Close()
	})
}

func TestBudgetEndpoints(t *testing.T) {
	runLimit := budget.Limit{Requests: 2, Window: 0}
	env := newTestEnv(t, runLimit, budget.Limit{}, nil)
	token := env.teamToken(t, "team-a")
	admin := env.adminToken(t)

	check := func(t *testing.T) map[string]model.BudgetStatus {
		resp := env.do(t, http.MethodGet, "/budget/check", token, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var out struct {
			Remaining map[string]model.BudgetStatus `json:"remaining"`
		}
		decodeData(t, resp, &out)
		return out.Remaining
	}

	remaining := check(t)
	assert.Equal(t, 2, remaining["run"].Remaining)
	assert.Equal(t, "campaign", remaining["run"].Unit)

	// Spend the full allowance on one topic.
	resp := env.do(t, http.MethodPost, "/run/start", token, model.RunMeta{RunID: "rb"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	_, resp = env.continueRun(t, "/run", token, "rb", "a1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, resp = env.continueRun(t, "/run", token, "rb", "a2")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, 0, check(t)["run"].Remaining)

	// A new run cannot start on an empty budget.
	resp = env.do(t, http.MethodPost, "/run/start", token, model.RunMeta{RunID: "rb2"})
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, model.ErrCodeBudgetExceeded, decodeErrorCode(t, resp))

	t.Run("reset requires admin", func(t *testing.T) {
		resp := env.do(t, http.MethodPost, "/budget/reset", token, map[string]string{
			"team_id": "team-a", "api": "run",
		})
		require.Equal(t, http.StatusForbidden, resp.StatusCode)
		resp.Body.Close()
	})

	t.Run("admin reset restores credits", func(t *testing.T) {
		resp := env.do(t, http.MethodPost, "/budget/reset", admin, map[string]string{
			"team_id": "team-a", "api": "run",
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
		assert.Equal(t, 2, check(t)["run"].Remaining)
	})

	t.Run("reset rejects bad mode", func(t *testing.T) {
		resp := env.do(t, http.MethodPost, "/budget/reset", admin, map[string]string{
			"team_id": "team-a", "api": "bogus",
		})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		resp.Body.Close()
	})
}

func TestTeamRateLimit(t *testing.T) {
	// Token exchanges below share the same limiter, keyed by client IP,
	// so stay within the burst of two exchanges.
	limiter := ratelimit.NewMemoryLimiter(2)
	t.Cleanup(func() { _ = limiter.Close() })
	env := newTestEnv(t, budget.Limit{}, budget.Limit{}, limiter)

	admin := env.adminToken(t)
	resp := env.do(t, http.MethodPost, "/auth/teams", admin, model.CreateTeamRequest{TeamID: "team-a"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created model.CreateTeamResponse
	decodeData(t, resp, &created)

	resp = env.do(t, http.MethodPost, "/auth/token", "", model.AuthTokenRequest{
		TeamID: "team-a", APIKey: created.APIKey,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tok model.AuthTokenResponse
	decodeData(t, resp, &tok)

	// Burst of 2 on the team bucket, then refusal.
	statuses := make([]int, 0, 3)
	rateLimited := false
	for i := 0; i < 3; i++ {
		resp := env.do(t, http.MethodGet, "/run/status?run_id=nope", tok.Token, nil)
		statuses = append(statuses, resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests {
			rateLimited = true
			assert.Equal(t, model.ErrCodeRateLimited, decodeErrorCode(t, resp))
			assert.NotEmpty(t, resp.Header.Get("Retry-After"))
		} else {
			resp.Body.Close()
		}
	}
	assert.Equal(t, []int{http.StatusNotFound, http.StatusNotFound, http.StatusTooManyRequests}, statuses)
	assert.True(t, rateLimited)

	// Admins bypass the per-team limiter.
	resp = env.do(t, http.MethodGet, "/budget/check", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestOpenAPISpecServed(t *testing.T) {
	env := newTestEnv(t, budget.Limit{}, budget.Limit{}, nil)

	// No token required.
	resp := env.do(t, http.MethodGet, "/openapi.yaml", "", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/yaml", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "openapi: 3.1.0")
	assert.Contains(t, string(body), "/run/continue")
}

func TestRunVerifyOverHTTP(t *testing.T) {
	env := newTestEnv(t, budget.Limit{}, budget.Limit{}, nil)
	token := env.teamToken(t, "team-a")

	resp := env.do(t, http.MethodGet, "/run/verify?run_id=r1", token, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, model.ErrCodeNotFound, decodeErrorCode(t, resp))

	resp = env.do(t, http.MethodPost, "/run/start", token, model.RunMeta{RunID: "r1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	_, resp = env.continueRun(t, "/run", token, "r1", "An answer.")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var proof struct {
		RunID    string `json:"run_id"`
		Records  int    `json:"records"`
		RootHash string `json:"root_hash"`
	}
	resp = env.do(t, http.MethodGet, "/run/verify?run_id=r1", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeData(t, resp, &proof)
	assert.Equal(t, "r1", proof.RunID)
	assert.Equal(t, 1, proof.Records)
	assert.NotEmpty(t, proof.RootHash)

	// A second call over the unchanged log returns the same root.
	var again struct {
		RootHash string `json:"root_hash"`
	}
	resp = env.do(t, http.MethodGet, "/run/verify?run_id=r1", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeData(t, resp, &again)
	assert.Equal(t, proof.RootHash, again.RootHash)

	// Other teams cannot fetch the proof.
	other := env.teamToken(t, "team-b")
	resp = env.do(t, http.MethodGet, "/run/verify?run_id=r1", other, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}
