package config

import (
	"errors"
	"fmt"
)

var validStrategies = map[string]bool{
	"round_robin":        true,
	"least_connections":  true,
	"connection_quality": true,
	"hash_based":         true,
}

// Validate checks that all required fields are set and values are valid.
func (c *ServerConfig) Validate() error {
	if c.WebSocketPort < 1 || c.WebSocketPort > 65535 {
		return fmt.Errorf("websocket_port must be between 1 and 65535, got %d", c.WebSocketPort)
	}
	if c.MetricsPort < 1 || c.MetricsPort > 65535 {
		return fmt.Errorf("metrics_port must be between 1 and 65535, got %d", c.MetricsPort)
	}
	if c.RedisPort < 1 || c.RedisPort > 65535 {
		return fmt.Errorf("redis_port must be between 1 and 65535, got %d", c.RedisPort)
	}

	if !validStrategies[c.LoadBalanceStrategy] {
		return fmt.Errorf("unknown load_balance_strategy %q", c.LoadBalanceStrategy)
	}

	if c.HealthCheckInterval < 1 {
		return errors.New("health_check_interval must be >= 1")
	}
	if c.MaintenanceInterval < 1 {
		return errors.New("maintenance_interval must be >= 1")
	}
	if c.MaxRetryCount < 1 {
		return errors.New("max_retry_count must be >= 1")
	}

	if len(c.Connections) == 0 {
		return errors.New("at least one connection is required")
	}

	seen := make(map[string]bool, len(c.Connections))
	for i := range c.Connections {
		conn := &c.Connections[i]
		if conn.ConnectionID == "" {
			return fmt.Errorf("connections[%d]: connection_id is required", i)
		}
		if seen[conn.ConnectionID] {
			return fmt.Errorf("duplicate connection_id %q", conn.ConnectionID)
		}
		seen[conn.ConnectionID] = true

		if conn.FrontAddr == "" {
			return fmt.Errorf("connection %q: front_addr is required", conn.ConnectionID)
		}
		if conn.BrokerID == "" {
			return fmt.Errorf("connection %q: broker_id is required", conn.ConnectionID)
		}
		if conn.MaxSubscriptions < 1 {
			return fmt.Errorf("connection %q: max_subscriptions must be >= 1", conn.ConnectionID)
		}
		if conn.Priority < 1 || conn.Priority > 10 {
			return fmt.Errorf("connection %q: priority must be between 1 and 10, got %d", conn.ConnectionID, conn.Priority)
		}
	}

	if c.Catalogue.Postgres != nil {
		if err := c.Catalogue.Postgres.validate("catalogue.postgres"); err != nil {
			return err
		}
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
