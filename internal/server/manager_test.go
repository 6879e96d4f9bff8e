package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/tokenest/config"
)

func loopbackConfig() Config {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

func startManager(t *testing.T, h http.Handler, cfg Config) *Manager {
	t.Helper()
	m := NewManager(h, cfg, zaptest.NewLogger(t))
	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

var pong = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	_, _ = io.WriteString(w, "pong")
})

func TestConfigs(t *testing.T) {
	sc := config.DefaultServerConfig()
	sc.HTTPPort = 9000
	sc.MaxConnections = 64

	api, err := ConfigFromServer(sc)
	require.NoError(t, err)
	assert.Equal(t, ":9000", api.Addr)
	assert.Equal(t, sc.ReadTimeout, api.ReadTimeout)
	assert.Equal(t, sc.WriteTimeout, api.WriteTimeout)
	assert.Equal(t, sc.ShutdownTimeout, api.ShutdownTimeout)
	assert.Equal(t, 64, api.MaxConnections)
	assert.Equal(t, 2*time.Minute, api.IdleTimeout)
	assert.Nil(t, api.TLS)

	metrics := MetricsConfig(9091)
	assert.Equal(t, ":9091", metrics.Addr)
	assert.Equal(t, 5*time.Second, metrics.ShutdownTimeout)
	assert.Zero(t, metrics.MaxConnections)

	sc.TLSCertFile, sc.TLSKeyFile = "/nonexistent/cert.pem", "/nonexistent/key.pem"
	_, err = ConfigFromServer(sc)
	assert.ErrorContains(t, err, "server tls")
}

func TestManager_Lifecycle(t *testing.T) {
	m := NewManager(pong, loopbackConfig(), nil)
	assert.False(t, m.IsRunning())
	assert.Equal(t, "127.0.0.1:0", m.Addr())

	require.NoError(t, m.Start())
	assert.True(t, m.IsRunning())
	assert.NotEqual(t, "127.0.0.1:0", m.Addr())
	assert.ErrorContains(t, m.Start(), "already started")

	resp, err := http.Get("http://" + m.Addr() + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "pong", string(body))

	require.NoError(t, m.Shutdown(context.Background()))
	require.NoError(t, m.Shutdown(context.Background()))
	assert.False(t, m.IsRunning())
	assert.NoError(t, m.Err())

	select {
	case <-m.Exited():
	default:
		t.Fatal("Exited should be closed after Shutdown")
	}
	assert.ErrorContains(t, m.Start(), "closed")
}

func TestManager_ShutdownBeforeStart(t *testing.T) {
	m := NewManager(pong, loopbackConfig(), nil)
	require.NoError(t, m.Shutdown(context.Background()))
	assert.ErrorContains(t, m.Start(), "closed")
}

func TestManager_ListenError(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()

	cfg := loopbackConfig()
	cfg.Addr = occupied.Addr().String()
	m := NewManager(pong, cfg, nil)

	assert.ErrorContains(t, m.Start(), "failed to listen")
	assert.False(t, m.IsRunning())
}

func TestManager_WaitForShutdown(t *testing.T) {
	m := startManager(t, pong, loopbackConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.WaitForShutdown(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("WaitForShutdown did not return after cancel")
	}
	assert.False(t, m.IsRunning())
}

func TestManager_MaxConnections(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	})

	cfg := loopbackConfig()
	cfg.MaxConnections = 1
	m := startManager(t, slow, cfg)
	url := "http://" + m.Addr() + "/"

	first := make(chan error, 1)
	go func() {
		client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
		resp, err := client.Get(url)
		if err == nil {
			resp.Body.Close()
		}
		first <- err
	}()

	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		t.Fatal("first request never reached the handler")
	}

	// 唯一的连接槽被占用，第二个连接不会被 Accept
	blocked := &http.Client{Timeout: 300 * time.Millisecond, Transport: &http.Transport{DisableKeepAlives: true}}
	_, err := blocked.Get(url)
	assert.Error(t, err)

	close(release)
	require.NoError(t, <-first)
}

func TestManager_TLS(t *testing.T) {
	// 复用 httptest 的自签名证书与信任它的客户端
	ts := httptest.NewTLSServer(http.NotFoundHandler())
	defer ts.Close()

	cfg := loopbackConfig()
	cfg.TLS = ts.TLS.Clone()
	m := startManager(t, pong, cfg)

	resp, err := ts.Client().Get("https://" + m.Addr() + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotNil(t, resp.TLS)
}
