package server

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mathdee/raftkv/internal/metrics"
	"github.com/mathdee/raftkv/internal/raft"
	"github.com/mathdee/raftkv/internal/statemachine"
	"github.com/mathdee/raftkv/internal/store"
	"github.com/mathdee/raftkv/internal/transport"
)

func freeHTTPTestPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func newTestServer(t *testing.T) (*Server, *raft.Node, func()) {
	t.Helper()
	self := transport.Peer{Host: "127.0.0.1", Port: freeHTTPTestPort(t)}
	srv := transport.NewServer(self.Port, nil)
	collector := metrics.New(self.ID())
	node := raft.New(self, []transport.Peer{self}, raft.DefaultConfig(), srv, statemachine.New(), nil, collector, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go node.Run(ctx)

	require.Eventually(t, func() bool {
		st, err := node.Status(context.Background())
		return err == nil && st.Role == raft.RoleLeader
	}, 4*time.Second, 10*time.Millisecond)

	st := store.New()
	httpSrv := New("127.0.0.1:0", node, st, collector)
	return httpSrv, node, cancel
}

func TestHandleSubmitAcceptsOnLeader(t *testing.T) {
	srv, _, cancel := newTestServer(t)
	defer cancel()

	req := httptest.NewRequest(http.MethodPost, "/submit", strings.NewReader(`{"command":"SET a 1"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestHandleSubmitRejectsMalformedBody(t *testing.T) {
	srv, _, cancel := newTestServer(t)
	defer cancel()

	req := httptest.NewRequest(http.MethodPost, "/submit", strings.NewReader(`not json`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSubmitReturnsConflictWhenNotLeader(t *testing.T) {
	srv, node, cancel := newTestServer(t)
	defer cancel()

	node.Pause() // simulates losing leadership without tearing the node down

	req := httptest.NewRequest(http.MethodPost, "/submit", strings.NewReader(`{"command":"SET a 1"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleGetReturns404ForMissingKey(t *testing.T) {
	srv, _, cancel := newTestServer(t)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/kv/missing", nil)
	rec := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlePauseAndResume(t *testing.T) {
	srv, node, cancel := newTestServer(t)
	defer cancel()

	rec := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/pause", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, node.IsPaused())

	rec = httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/resume", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, node.IsPaused())
}

func TestHandleStatusReportsRole(t *testing.T) {
	srv, _, cancel := newTestServer(t)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"role":"Leader"`)
}
