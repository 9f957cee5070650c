package peerlink

import (
	"testing"
	"time"
)

// TestConfig_Validation tests our config validation logic
func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{
			name:    "valid config",
			config:  &Config{NodeID: "node-a", ListenAddress: "127.0.0.1:0"},
			wantErr: false,
		},
		{
			name:    "empty node ID",
			config:  &Config{ListenAddress: "127.0.0.1:0"},
			wantErr: true,
		},
		{
			name:    "empty listen address",
			config:  &Config{NodeID: "node-a"},
			wantErr: true,
		},
		{
			name:    "negative frame size",
			config:  &Config{NodeID: "node-a", ListenAddress: "127.0.0.1:0", MaxMessageSize: -1},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Config.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestConfig_SetDefaults tests that defaults fill only unset fields
func TestConfig_SetDefaults(t *testing.T) {
	config := &Config{NodeID: "node-a", ListenAddress: "127.0.0.1:0"}
	config.SetDefaults()

	if config.MaxMessageSize != 1024*1024 {
		t.Errorf("Expected MaxMessageSize default of 1MB, got %d", config.MaxMessageSize)
	}
	if config.WriteTimeout != time.Second {
		t.Errorf("Expected WriteTimeout default of 1s, got %v", config.WriteTimeout)
	}
	if config.IdleTimeout <= config.WriteTimeout {
		t.Errorf("Expected IdleTimeout to exceed WriteTimeout, got %v", config.IdleTimeout)
	}

	custom := &Config{DialTimeout: 7 * time.Second, MaxMessageSize: 2048}
	custom.SetDefaults()
	if custom.DialTimeout != 7*time.Second {
		t.Errorf("Expected existing DialTimeout (7s) to be preserved, got %v", custom.DialTimeout)
	}
	if custom.MaxMessageSize != 2048 {
		t.Errorf("Expected existing MaxMessageSize (2048) to be preserved, got %d", custom.MaxMessageSize)
	}
}
