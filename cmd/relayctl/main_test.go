package main

import (
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/relaymesh/internal/healthrpc"
	"github.com/rmacdonaldsmith/relaymesh/pkg/cache"
	"github.com/rmacdonaldsmith/relaymesh/pkg/httpclient"
	"github.com/rmacdonaldsmith/relaymesh/pkg/relaynode"
)

// fakeAPI answers the subset of the node API the commands use.
func fakeAPI(t *testing.T) (*httptest.Server, *[]httpclient.SubmitRequest) {
	t.Helper()
	var submitted []httpclient.SubmitRequest

	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}
	mux.HandleFunc("POST /api/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, httpclient.AuthResponse{
			Token:     "test-token-123",
			ClientID:  "test-client",
			ExpiresAt: time.Now().Add(time.Hour),
		})
	})
	mux.HandleFunc("POST /api/v1/messages", func(w http.ResponseWriter, r *http.Request) {
		var req httpclient.SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, httpclient.ErrorResponse{Error: "bad_request", Code: 400})
			return
		}
		submitted = append(submitted, req)
		writeJSON(w, http.StatusAccepted, httpclient.SubmitResponse{
			ID:         "6f1c1d7e-3a0b-4a39-8f6e-0f5b5c3c2d11",
			AcceptedBy: "node-a",
			AcceptedAt: time.Now(),
		})
	})
	mux.HandleFunc("GET /api/v1/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "6f1c1d7e-3a0b-4a39-8f6e-0f5b5c3c2d11" {
			writeJSON(w, http.StatusNotFound, httpclient.ErrorResponse{Error: "not_found", Message: "message not found", Code: 404})
			return
		}
		resp := httpclient.MessageResponse{
			ID:          r.PathValue("id"),
			Status:      "delivered",
			DeliveryURL: "http://sink.local/hook",
			Size:        5,
		}
		if r.URL.Query().Get("contents") == "true" {
			resp.Contents = []byte("hello")
		}
		writeJSON(w, http.StatusOK, resp)
	})
	mux.HandleFunc("GET /api/v1/cluster/nodes", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, httpclient.NodesResponse{
			NodeID: "node-a",
			Peers: []relaynode.PeerInfo{
				{ID: "node-b", Address: "10.0.0.2:7700", State: "admitted", Outbound: true, AdmittedAt: time.Now()},
			},
		})
	})
	mux.HandleFunc("GET /api/v1/admin/cache", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, relaynode.CacheSnapshot{
			Stats: cache.Stats{Online: 1, Offline: 2, LoadLimit: 10, Evictions: 2},
		})
	})
	mux.HandleFunc("GET /api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, httpclient.HealthResponse{
			NodeID: "node-a",
			HealthStatus: relaynode.HealthStatus{
				Healthy:      false,
				CacheHealthy: false,
				CacheLoad:    10,
				LoadLimit:    10,
				Message:      "cache at load limit",
			},
		})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, &submitted
}

// execute runs the root command against the given server and returns its output.
func execute(t *testing.T, serverAddr string, args ...string) (string, error) {
	t.Helper()
	originalClient := client
	t.Cleanup(func() { client = originalClient })

	root := newRootCommand()
	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetErr(out)
	root.SetArgs(append([]string{"--server", serverAddr, "--token", ""}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestRequireAuthentication(t *testing.T) {
	t.Run("returns error when client is nil", func(t *testing.T) {
		originalClient := client
		client = nil
		defer func() { client = originalClient }()

		err := requireAuthentication()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "client not initialized")
	})

	t.Run("returns error when not authenticated", func(t *testing.T) {
		testClient, err := httpclient.NewClient(httpclient.Config{
			ServerURL: "http://localhost:8080",
			ClientID:  "test-client",
			Timeout:   5 * time.Second,
		})
		require.NoError(t, err)

		originalClient := client
		client = testClient
		defer func() { client = originalClient }()

		err = requireAuthentication()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "not authenticated")
	})

	t.Run("succeeds when authenticated", func(t *testing.T) {
		testClient, err := httpclient.NewClient(httpclient.Config{
			ServerURL: "http://localhost:8080",
			ClientID:  "test-client",
			Timeout:   5 * time.Second,
		})
		require.NoError(t, err)
		testClient.SetToken("test-token")

		originalClient := client
		client = testClient
		defer func() { client = originalClient }()

		assert.NoError(t, requireAuthentication())
	})
}

func TestMainCommandHelp(t *testing.T) {
	root := newRootCommand()
	output := &bytes.Buffer{}
	root.SetOut(output)
	root.SetArgs([]string{"--help"})

	require.NoError(t, root.Execute())

	helpOutput := output.String()
	for _, name := range []string{"auth", "submit", "status", "nodes", "cache", "health"} {
		assert.Contains(t, helpOutput, name)
	}
}

func TestGlobalFlags(t *testing.T) {
	root := newRootCommand()
	err := root.ParseFlags([]string{"--server", "http://example.com", "--client-id", "test", "--timeout", "10s", "--no-auth"})
	require.NoError(t, err)

	assert.Equal(t, "http://example.com", serverURL)
	assert.Equal(t, "test", clientID)
	assert.Equal(t, 10*time.Second, timeout)
	assert.True(t, noAuth)
}

func TestAuthCommand(t *testing.T) {
	server, _ := fakeAPI(t)

	out, err := execute(t, server.URL, "auth", "--client-id", "test-client")
	require.NoError(t, err)
	assert.Contains(t, out, "Authentication successful")
	assert.Contains(t, out, "RELAYMESH_TOKEN=\"test-token-123\"")
}

func TestSubmitCommand(t *testing.T) {
	server, submitted := fakeAPI(t)

	t.Run("requires authentication", func(t *testing.T) {
		_, err := execute(t, server.URL, "submit", "--to", "http://sink.local/hook", "--data", "hi")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not authenticated")
	})

	t.Run("inline data", func(t *testing.T) {
		out, err := execute(t, server.URL, "--no-auth", "submit", "--to", "http://sink.local/hook", "--data", "hello")
		require.NoError(t, err)
		assert.Contains(t, out, "Message accepted by node-a")
		assert.Contains(t, out, "6f1c1d7e-3a0b-4a39-8f6e-0f5b5c3c2d11")
		require.NotEmpty(t, *submitted)
		last := (*submitted)[len(*submitted)-1]
		assert.Equal(t, []byte("hello"), last.Contents)
		assert.Equal(t, "http://sink.local/hook", last.DeliveryURL)
	})

	t.Run("contents from file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "payload.bin")
		require.NoError(t, os.WriteFile(path, []byte{0x00, 0x01, 0x02}, 0o600))

		_, err := execute(t, server.URL, "--no-auth", "submit", "--to", "http://sink.local/hook",
			"--file", path, "--status-url", "http://sink.local/status")
		require.NoError(t, err)
		last := (*submitted)[len(*submitted)-1]
		assert.Equal(t, []byte{0x00, 0x01, 0x02}, last.Contents)
		assert.Equal(t, "http://sink.local/status", last.StatusURL)
	})

	t.Run("delivery url is required", func(t *testing.T) {
		_, err := execute(t, server.URL, "--no-auth", "submit", "--data", "hello")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "to")
	})
}

func TestStatusCommand(t *testing.T) {
	server, _ := fakeAPI(t)

	out, err := execute(t, server.URL, "--no-auth", "status", "6f1c1d7e-3a0b-4a39-8f6e-0f5b5c3c2d11", "--contents")
	require.NoError(t, err)
	assert.Contains(t, out, "Status: delivered")
	assert.Contains(t, out, "Contents: hello")

	_, err = execute(t, server.URL, "--no-auth", "status", "00000000-0000-0000-0000-000000000000")
	require.Error(t, err)
	assert.True(t, httpclient.IsNotFound(err))
}

func TestClusterCommands(t *testing.T) {
	server, _ := fakeAPI(t)

	out, err := execute(t, server.URL, "--no-auth", "nodes")
	require.NoError(t, err)
	assert.Contains(t, out, "Node node-a has 1 peer(s)")
	assert.Contains(t, out, "10.0.0.2:7700")
	assert.Contains(t, out, "outbound")

	out, err = execute(t, server.URL, "--no-auth", "cache")
	require.NoError(t, err)
	assert.Contains(t, out, "Online: 1/10")
	assert.Contains(t, out, "Offline: 2")
}

func TestHealthCommand(t *testing.T) {
	server, _ := fakeAPI(t)

	out, err := execute(t, server.URL, "health")
	require.Error(t, err)
	assert.Contains(t, out, "Node node-a is not healthy")
	assert.Contains(t, out, "cache at load limit")
}

func TestHealthCommand_GRPC(t *testing.T) {
	hs, err := healthrpc.Listen("127.0.0.1:0", zap.NewNop())
	require.NoError(t, err)
	go func() { _ = hs.Serve() }()
	t.Cleanup(hs.Close)
	hs.SetServing(true)

	_, port, err := net.SplitHostPort(hs.Addr().String())
	require.NoError(t, err)

	out, err := execute(t, "http://127.0.0.1:1", "health", "--grpc", "127.0.0.1:"+port)
	require.NoError(t, err)
	assert.Contains(t, out, "SERVING")
}
