package relaynode

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestConfig_NewConfig tests creating new configuration with defaults
func TestConfig_NewConfig(t *testing.T) {
	config := NewConfig("node-1", "localhost:7700")

	if config.NodeID != "node-1" {
		t.Errorf("Expected NodeID 'node-1', got '%s'", config.NodeID)
	}
	if config.ClusterListen != "localhost:7700" {
		t.Errorf("Expected ClusterListen 'localhost:7700', got '%s'", config.ClusterListen)
	}
	if config.Cache.LoadLimit != 10000 {
		t.Errorf("Expected default load limit 10000, got %d", config.Cache.LoadLimit)
	}
	if config.Cache.Store != StoreMemory {
		t.Errorf("Expected memory store by default, got %q", config.Cache.Store)
	}
	if config.Timeouts.Heartbeat >= config.Timeouts.DeadPeer {
		t.Errorf("Expected heartbeat %v below dead peer timeout %v", config.Timeouts.Heartbeat, config.Timeouts.DeadPeer)
	}
	if config.Delivery.Workers != 4 {
		t.Errorf("Expected 4 delivery workers, got %d", config.Delivery.Workers)
	}
}

// TestConfig_Validate tests configuration validation
func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		config    *Config
		wantError bool
		errorType error
	}{
		{
			name:   "valid config",
			config: NewConfig("node-1", "localhost:7700"),
		},
		{
			name:      "empty node ID",
			config:    NewConfig("", "localhost:7700"),
			wantError: true,
			errorType: ErrEmptyNodeID,
		},
		{
			name:      "unknown store",
			config:    func() *Config { c := NewConfig("node-1", ":0"); c.Cache.Store = "tape"; return c }(),
			wantError: true,
			errorType: ErrUnknownStore,
		},
		{
			name:      "file store without dir",
			config:    func() *Config { c := NewConfig("node-1", ":0"); c.Cache.Store = StoreFile; return c }(),
			wantError: true,
		},
		{
			name:      "etcd store without endpoints",
			config:    func() *Config { c := NewConfig("node-1", ":0"); c.Cache.Store = StoreEtcd; return c }(),
			wantError: true,
		},
		{
			name:      "bad duplicate policy",
			config:    func() *Config { c := NewConfig("node-1", ":0"); c.Cache.DuplicatePolicy = "merge"; return c }(),
			wantError: true,
		},
		{
			name: "heartbeat not shorter than dead peer timeout",
			config: NewConfig("node-1", ":0").WithTimeouts(TimeoutConfig{
				Heartbeat: 5 * time.Second,
				DeadPeer:  5 * time.Second,
			}),
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantError {
				if err == nil {
					t.Errorf("Expected error for %s, got nil", tt.name)
				}
				if tt.errorType != nil && !errors.Is(err, tt.errorType) {
					t.Errorf("Expected error %v, got %v", tt.errorType, err)
				}
			} else if err != nil {
				t.Errorf("Expected no error for %s, got %v", tt.name, err)
			}
		})
	}
}

// TestConfig_WithMethods tests the fluent configuration methods
func TestConfig_WithMethods(t *testing.T) {
	d := &recordingDeliverer{}
	config := NewConfig("node-1", ":0").
		WithSeeds("a:7700", "b:7700").
		WithLoadLimit(7).
		WithDeliverer(d)

	assert.Equal(t, []string{"a:7700", "b:7700"}, config.Seeds)
	assert.Equal(t, 7, config.Cache.LoadLimit)
	assert.Same(t, d, config.Deliverer)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relaynode.yaml")
	yaml := `
nodeId: node-7
clusterListen: 127.0.0.1:7707
seeds: [127.0.0.1:7700]
cache:
  loadLimit: 250
  store: file
  dir: /var/lib/relaymesh
timeouts:
  bidRead: 2s
  deadPeer: 30s
auth:
  noAuth: true
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	config, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, config.Validate())

	assert.Equal(t, "node-7", config.NodeID)
	assert.Equal(t, []string{"127.0.0.1:7700"}, config.Seeds)
	assert.Equal(t, 250, config.Cache.LoadLimit)
	assert.Equal(t, StoreFile, config.Cache.Store)
	assert.Equal(t, 2*time.Second, config.Timeouts.BidRead)
	assert.Equal(t, 10*time.Second, config.Timeouts.Heartbeat)
	assert.True(t, config.Auth.NoAuth)
	assert.Equal(t, ":8080", config.HTTPListen)

	cc := config.clusterConfig()
	assert.Equal(t, 2*time.Second, cc.BidReadTimeout)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache: [unterminated"), 0o600))
	_, err = LoadConfig(path)
	assert.Error(t, err)
}
