package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/tokenest/api"
	"github.com/BaSui01/tokenest/api/handlers"
	"github.com/BaSui01/tokenest/config"
	"github.com/BaSui01/tokenest/internal/usage"
	"github.com/BaSui01/tokenest/tokenizer"
	"github.com/BaSui01/tokenest/types"
)

// =============================================================================
// 🧪 测试辅助
// =============================================================================

// spaceEncoder 每个空白分隔的单词计为一个 token
type spaceEncoder struct{}

func (spaceEncoder) Encode(text string, _ []string, _ []string) []int {
	return make([]int, len(strings.Fields(text)))
}

func (spaceEncoder) Decode([]int) string { return "" }

func spaceLoader(string) (tokenizer.Encoder, error) { return spaceEncoder{}, nil }

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.HTTPPort = 0
	cfg.Server.MetricsPort = 0
	cfg.Server.RateLimitRPS = 0
	cfg.Tokenizer.RepeatThreshold = 10
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config, load tokenizer.LoadFunc) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(cfg, zap.NewNop(), nil, WithEncodingLoader(load))
	require.NoError(t, srv.init(context.Background()))

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Shutdown()
	})
	return srv, ts
}

type envelope struct {
	Success bool                `json:"success"`
	Data    json.RawMessage     `json:"data"`
	Error   *handlers.ErrorInfo `json:"error"`
}

func doJSON(t *testing.T, method, url, body string, header http.Header) (int, envelope) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

// =============================================================================
// 🧪 路由
// =============================================================================

func TestServer_EstimateEndpoint(t *testing.T) {
	_, ts := newTestServer(t, testConfig(), spaceLoader)

	status, env := doJSON(t, http.MethodPost, ts.URL+"/v1/tokens/estimate",
		`{"model":"gpt-4","texts":["hello big world","","aaaaaaaaaaaaaaaaaaaa"],"detail":true}`, nil)
	require.Equal(t, http.StatusOK, status)
	require.True(t, env.Success)

	var resp api.EstimateResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	assert.Equal(t, "gpt-4", resp.Model)
	assert.Equal(t, tokenizer.EncodingCL100K, resp.Encoding)
	// 3 个单词 + 空串 0 + 20 个重复字符按 4.0 比例估算为 5
	assert.Equal(t, 8, resp.Total)
	assert.Equal(t, 1, resp.ExactItems)
	assert.Equal(t, 1, resp.HeuristicItems)
	require.Len(t, resp.Items, 3)
	assert.Equal(t, tokenizer.ReasonRepetitive, resp.Items[2].Reason)
}

func TestServer_EncodingUnavailableFallsBack(t *testing.T) {
	failing := func(string) (tokenizer.Encoder, error) { return nil, errors.New("offline") }
	_, ts := newTestServer(t, testConfig(), failing)

	status, env := doJSON(t, http.MethodPost, ts.URL+"/v1/tokens/estimate", `{"texts":["abcdefgh"]}`, nil)
	require.Equal(t, http.StatusOK, status)

	var resp api.EstimateResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	assert.Equal(t, "gpt-4o", resp.Model)
	// gpt-4o 比例 3.8：ceil(8 / 3.8) = 3
	assert.Equal(t, 3, resp.Total)
	assert.Equal(t, 1, resp.HeuristicItems)
}

func TestServer_HealthAndVersion(t *testing.T) {
	_, ts := newTestServer(t, testConfig(), spaceLoader)

	for _, path := range []string{"/health", "/healthz", "/ready", "/readyz"} {
		t.Run(path, func(t *testing.T) {
			resp, err := http.Get(ts.URL + path)
			require.NoError(t, err)
			defer resp.Body.Close()

			var status handlers.HealthStatus
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, "healthy", status.Status)
		})
	}

	status, env := doJSON(t, http.MethodGet, ts.URL+"/version", "", nil)
	require.Equal(t, http.StatusOK, status)
	var version api.VersionResponse
	require.NoError(t, json.Unmarshal(env.Data, &version))
	assert.Equal(t, Version, version.Version)
}

func TestServer_NotFound(t *testing.T) {
	_, ts := newTestServer(t, testConfig(), spaceLoader)

	status, env := doJSON(t, http.MethodGet, ts.URL+"/v2/nothing", "", nil)
	assert.Equal(t, http.StatusNotFound, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, string(types.ErrNotFound), env.Error.Code)
}

func TestServer_UsageDisabledWithoutDatabase(t *testing.T) {
	_, ts := newTestServer(t, testConfig(), spaceLoader)

	status, env := doJSON(t, http.MethodGet, ts.URL+"/v1/usage", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, string(types.ErrServiceUnavailable), env.Error.Code)
}

func TestServer_UsageLedgerSQLite(t *testing.T) {
	cfg := testConfig()
	cfg.Database.Driver = "sqlite"
	cfg.Database.Name = ":memory:"
	cfg.Auth.APIKeys = []string{"secret-key-0001"}
	srv, ts := newTestServer(t, cfg, spaceLoader)
	require.NotNil(t, srv.store)

	auth := http.Header{"X-Api-Key": []string{"secret-key-0001"}}
	status, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/tokens/estimate", `{"model":"gpt-4o","texts":["one two","three"]}`, auth)
	require.Equal(t, http.StatusOK, status)

	status, env := doJSON(t, http.MethodGet, ts.URL+"/v1/usage?model=gpt-4o", "", auth)
	require.Equal(t, http.StatusOK, status)
	var summary api.UsageResponse
	require.NoError(t, json.Unmarshal(env.Data, &summary))
	assert.Equal(t, int64(1), summary.Summary.Requests)
	assert.Equal(t, int64(3), summary.Summary.Tokens)

	status, env = doJSON(t, http.MethodGet, ts.URL+"/v1/usage/recent?limit=5", "", auth)
	require.Equal(t, http.StatusOK, status)
	var records []usage.EstimateRecord
	require.NoError(t, json.Unmarshal(env.Data, &records))
	require.Len(t, records, 1)
	assert.Equal(t, "apikey:****0001", records[0].Subject)
	assert.NotEmpty(t, records[0].RequestID)

	status, _ = doJSON(t, http.MethodGet, ts.URL+"/v1/usage", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	status, _ = doJSON(t, http.MethodGet, ts.URL+"/ready", "", nil)
	assert.Equal(t, http.StatusOK, status)

	rec := httptest.NewRecorder()
	srv.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `go_sql_max_open_connections{db_name="sqlite"} 1`)
}

func TestServer_RedisCountCache(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = mr.Addr()
	srv, ts := newTestServer(t, cfg, spaceLoader)
	require.NotNil(t, srv.countCache)

	body := `{"model":"gpt-4o","texts":["cached words here"]}`
	for i := 0; i < 2; i++ {
		status, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/tokens/estimate", body, nil)
		require.Equal(t, http.StatusOK, status)
	}

	key := tokenizer.CountCacheKey(tokenizer.EncodingO200K, "cached words here")
	assert.True(t, mr.Exists(key))

	rec := httptest.NewRecorder()
	srv.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	out := rec.Body.String()
	assert.Contains(t, out, "tokenest_count_cache_hits_total 1")
	assert.Contains(t, out, "tokenest_count_cache_misses_total 1")
	assert.Contains(t, out, `tokenest_http_requests_total{method="POST",path="/v1/tokens/estimate",status="2xx"} 2`)
	assert.Contains(t, out, "go_goroutines")
}

func TestServer_RedisUnavailableDegrades(t *testing.T) {
	cfg := testConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = "127.0.0.1:1"
	srv, ts := newTestServer(t, cfg, spaceLoader)
	assert.Nil(t, srv.countCache)

	status, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/tokens/estimate", `{"texts":["still works"]}`, nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestServer_PreloadFailureIsNotFatal(t *testing.T) {
	cfg := testConfig()
	cfg.Tokenizer.Preload = []string{"gpt-4o", "p50k_base"}
	calls := 0
	load := func(string) (tokenizer.Encoder, error) {
		calls++
		return nil, errors.New("offline")
	}

	srv := NewServer(cfg, zap.NewNop(), nil, WithEncodingLoader(load))
	require.NoError(t, srv.init(context.Background()))
	defer srv.Shutdown()

	assert.Equal(t, 2, calls)
	assert.Empty(t, srv.encodings.Loaded())
}

func TestServer_StartAndShutdown(t *testing.T) {
	srv := NewServer(testConfig(), zap.NewNop(), nil, WithEncodingLoader(spaceLoader))
	require.NoError(t, srv.Start(context.Background()))

	_, port, err := net.SplitHostPort(srv.httpManager.Addr())
	require.NoError(t, err)
	require.NoError(t, checkHealth("http://127.0.0.1:"+port, 0))

	srv.Shutdown()
	assert.False(t, srv.httpManager.IsRunning())
}

func TestServer_BodyLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Server.MaxBodyBytes = 32
	_, ts := newTestServer(t, cfg, spaceLoader)

	body := `{"texts":["` + strings.Repeat("x", 64) + `"]}`
	resp, err := http.Post(ts.URL+"/v1/tokens/estimate", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}
