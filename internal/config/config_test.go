package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	jsonText := `{
  "websocket_port": 7788,
  "redis_host": "redis.internal",
  "redis_port": 6380,
  "load_balance_strategy": "round_robin",
  "connections": [
    {
      "connection_id": "front_a",
      "front_addr": "tcp://180.168.146.187:10210",
      "broker_id": "9999",
      "max_subscriptions": 300,
      "priority": 1
    }
  ]
}`
	path := writeTempFile(t, jsonText)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.WebSocketPort != 7788 {
		t.Errorf("WebSocketPort = %d, want 7788", cfg.WebSocketPort)
	}
	if cfg.RedisHost != "redis.internal" {
		t.Errorf("RedisHost = %q, want %q", cfg.RedisHost, "redis.internal")
	}
	if cfg.LoadBalanceStrategy != "round_robin" {
		t.Errorf("LoadBalanceStrategy = %q, want %q", cfg.LoadBalanceStrategy, "round_robin")
	}
	if len(cfg.Connections) != 1 {
		t.Fatalf("len(Connections) = %d, want 1", len(cfg.Connections))
	}
	if cfg.Connections[0].FrontAddr != "tcp://180.168.146.187:10210" {
		t.Errorf("Connections[0].FrontAddr = %q", cfg.Connections[0].FrontAddr)
	}
	if !cfg.Connections[0].IsEnabled() {
		t.Error("Connections[0].IsEnabled() = false, want true when enabled is absent")
	}
	if !cfg.FailoverEnabled() {
		t.Error("FailoverEnabled() = false, want true when auto_failover is absent")
	}
}

func TestLoadWithEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_BROKER_ID", "8888")

	jsonText := `{
  "connections": [
    {
      "connection_id": "front_a",
      "front_addr": "tcp://127.0.0.1:10210",
      "broker_id": "${TEST_BROKER_ID}"
    }
  ]
}`
	path := writeTempFile(t, jsonText)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Connections[0].BrokerID != "8888" {
		t.Errorf("Connections[0].BrokerID = %q, want %q", cfg.Connections[0].BrokerID, "8888")
	}
}

func TestLoadWithDefaults(t *testing.T) {
	jsonText := `{
  "connections": [
    {
      "connection_id": "front_a",
      "front_addr": "tcp://127.0.0.1:10210",
      "broker_id": "9999"
    }
  ]
}`
	path := writeTempFile(t, jsonText)

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	// Check defaults were applied
	if cfg.WebSocketPort != DefaultWebSocketPort {
		t.Errorf("WebSocketPort = %d, want default %d", cfg.WebSocketPort, DefaultWebSocketPort)
	}
	if cfg.RedisPort != DefaultRedisPort {
		t.Errorf("RedisPort = %d, want default %d", cfg.RedisPort, DefaultRedisPort)
	}
	if cfg.LoadBalanceStrategy != DefaultLoadBalanceStrategy {
		t.Errorf("LoadBalanceStrategy = %q, want default %q", cfg.LoadBalanceStrategy, DefaultLoadBalanceStrategy)
	}
	if cfg.HealthCheckInterval != DefaultHealthCheckInterval {
		t.Errorf("HealthCheckInterval = %d, want default %d", cfg.HealthCheckInterval, DefaultHealthCheckInterval)
	}
	if cfg.Connections[0].MaxSubscriptions != DefaultMaxSubscriptions {
		t.Errorf("Connections[0].MaxSubscriptions = %d, want default %d", cfg.Connections[0].MaxSubscriptions, DefaultMaxSubscriptions)
	}
}

func TestValidate(t *testing.T) {
	valid := func() ServerConfig {
		cfg := ServerConfig{
			Connections: []ConnectionConfig{
				{
					ConnectionID:     "front_a",
					FrontAddr:        "tcp://127.0.0.1:10210",
					BrokerID:         "9999",
					MaxSubscriptions: 500,
					Priority:         1,
				},
			},
		}
		cfg.applyDefaults()
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*ServerConfig)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(c *ServerConfig) {},
			wantErr: "",
		},
		{
			name:    "bad websocket port",
			mutate:  func(c *ServerConfig) { c.WebSocketPort = 70000 },
			wantErr: "websocket_port must be between 1 and 65535, got 70000",
		},
		{
			name:    "unknown strategy",
			mutate:  func(c *ServerConfig) { c.LoadBalanceStrategy = "fastest" },
			wantErr: `unknown load_balance_strategy "fastest"`,
		},
		{
			name:    "no connections",
			mutate:  func(c *ServerConfig) { c.Connections = nil },
			wantErr: "at least one connection is required",
		},
		{
			name: "duplicate connection id",
			mutate: func(c *ServerConfig) {
				c.Connections = append(c.Connections, c.Connections[0])
			},
			wantErr: `duplicate connection_id "front_a"`,
		},
		{
			name:    "empty connection id",
			mutate:  func(c *ServerConfig) { c.Connections[0].ConnectionID = "" },
			wantErr: "connections[0]: connection_id is required",
		},
		{
			name:    "empty front addr",
			mutate:  func(c *ServerConfig) { c.Connections[0].FrontAddr = "" },
			wantErr: `connection "front_a": front_addr is required`,
		},
		{
			name:    "empty broker id",
			mutate:  func(c *ServerConfig) { c.Connections[0].BrokerID = "" },
			wantErr: `connection "front_a": broker_id is required`,
		},
		{
			name:    "zero max subscriptions",
			mutate:  func(c *ServerConfig) { c.Connections[0].MaxSubscriptions = -1 },
			wantErr: `connection "front_a": max_subscriptions must be >= 1`,
		},
		{
			name: "postgres min_conns exceeds max_conns",
			mutate: func(c *ServerConfig) {
				c.Catalogue.Postgres = &DBConfig{
					Host: "localhost", Name: "db", User: "user",
					MaxConns: 5, MinConns: 10,
				}
			},
			wantErr: "catalogue.postgres.min_conns (10) cannot exceed max_conns (5)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
			} else {
				if err == nil {
					t.Errorf("Validate() expected error %q, got nil", tt.wantErr)
				} else if err.Error() != tt.wantErr {
					t.Errorf("Validate() error = %q, want %q", err.Error(), tt.wantErr)
				}
			}
		})
	}
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}
