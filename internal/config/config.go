package config

// ServerConfig is the root configuration for the market-data server.
type ServerConfig struct {
	WebSocketPort int `json:"websocket_port"`
	MetricsPort   int `json:"metrics_port"`

	RedisHost string `json:"redis_host"`
	RedisPort int    `json:"redis_port"`

	// LoadBalanceStrategy selects how new subscriptions are assigned to
	// upstream connections: "round_robin", "least_connections",
	// "connection_quality" or "hash_based".
	LoadBalanceStrategy string `json:"load_balance_strategy"`

	// Intervals are in seconds, matching the on-disk format.
	HealthCheckInterval int `json:"health_check_interval"`
	MaintenanceInterval int `json:"maintenance_interval"`

	MaxRetryCount int   `json:"max_retry_count"`
	AutoFailover  *bool `json:"auto_failover"`

	Catalogue CatalogueConfig `json:"catalogue"`

	Connections []ConnectionConfig `json:"connections"`
}

// ConnectionConfig describes one upstream front connection.
type ConnectionConfig struct {
	ConnectionID     string `json:"connection_id"`
	FrontAddr        string `json:"front_addr"`
	BrokerID         string `json:"broker_id"`
	MaxSubscriptions int    `json:"max_subscriptions"`
	Priority         int    `json:"priority"` // 1-10, smaller is higher
	Enabled          *bool  `json:"enabled"`
}

// CatalogueConfig holds the instrument catalogue source. Path points at a
// JSON snapshot; Postgres, when set, takes precedence and enables periodic
// reloads.
type CatalogueConfig struct {
	Path           string    `json:"path"`
	Postgres       *DBConfig `json:"postgres"`
	ReloadInterval int       `json:"reload_interval"` // seconds, 0 disables
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Name     string `json:"name"`
	User     string `json:"user"`
	Password string `json:"password"`
	SSLMode  string `json:"ssl_mode"`
	MaxConns int    `json:"max_conns"`
	MinConns int    `json:"min_conns"`
}

// FailoverEnabled reports whether automatic subscription migration is on.
// Absent in the file means enabled.
func (c *ServerConfig) FailoverEnabled() bool {
	return c.AutoFailover == nil || *c.AutoFailover
}

// IsEnabled reports whether the connection should be created at startup.
// Absent in the file means enabled.
func (c *ConnectionConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}
