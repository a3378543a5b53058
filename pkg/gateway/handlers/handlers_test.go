package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-evidence/pkg/core/bus"
	"github.com/vango-go/vai-evidence/pkg/core/store/memstore"
	"github.com/vango-go/vai-evidence/pkg/core/types"
	"github.com/vango-go/vai-evidence/pkg/gateway/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	t.Setenv("EVIDENCE_AUTH_MODE", "disabled")
	t.Setenv("EVIDENCE_STORE", "memory")
	t.Setenv("EVIDENCE_SEARCH_PROVIDER", "none")
	t.Setenv("EVIDENCE_CORS_ORIGINS", "")
	cfg, err := config.LoadFromEnv()
	require.NoError(t, err)
	return cfg
}

func seedSession(t *testing.T, st *memstore.Store, id string, mutate func(s *types.Session)) *types.Session {
	t.Helper()
	s, err := types.NewSession(types.NewSessionParams{
		ID:          id,
		CreatedAtMs: time.Date(2026, 2, 26, 0, 0, 0, 0, time.UTC).UnixMilli(),
		Mode:        types.ModeClaimCheck,
		Claim:       "Coffee improves focus",
	})
	require.NoError(t, err)
	if mutate != nil {
		mutate(s)
	}
	require.NoError(t, st.Put(context.Background(), s))
	return s
}

func newSessionsHandler(t *testing.T) (SessionsHandler, *memstore.Store, *bus.Bus) {
	t.Helper()
	st := memstore.New()
	b := bus.New()
	return SessionsHandler{
		Config: testConfig(t),
		Store:  st,
		Bus:    b,
		Now:    func() time.Time { return time.Date(2026, 2, 26, 12, 0, 0, 0, time.UTC) },
		NewID:  func() string { return "sess_test" },
	}, st, b
}

func jsonRequest(method, target, body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func decodeSession(t *testing.T, rr *httptest.ResponseRecorder) types.Session {
	t.Helper()
	var s types.Session
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &s), rr.Body.String())
	return s
}

func decodeErrorType(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error struct {
			Type  string `json:"type"`
			Param string `json:"param"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env), rr.Body.String())
	return env.Error.Type
}
