package config

// Default values for optional configuration fields.
const (
	DefaultWebSocketPort       = 7799
	DefaultMetricsPort         = 9090
	DefaultRedisHost           = "127.0.0.1"
	DefaultRedisPort           = 6379
	DefaultLoadBalanceStrategy = "connection_quality"
	DefaultHealthCheckInterval = 30 // seconds
	DefaultMaintenanceInterval = 60 // seconds
	DefaultMaxRetryCount       = 3
	DefaultMaxSubscriptions    = 500
	DefaultPriority            = 5
	DefaultDBPort              = 5432
	DefaultDBSSLMode           = "prefer"
	DefaultDBMaxConns          = 10
	DefaultDBMinConns          = 2
	DefaultCatalogueReload     = 0 // disabled
)

func (c *ServerConfig) applyDefaults() {
	if c.WebSocketPort == 0 {
		c.WebSocketPort = DefaultWebSocketPort
	}
	if c.MetricsPort == 0 {
		c.MetricsPort = DefaultMetricsPort
	}
	if c.RedisHost == "" {
		c.RedisHost = DefaultRedisHost
	}
	if c.RedisPort == 0 {
		c.RedisPort = DefaultRedisPort
	}
	if c.LoadBalanceStrategy == "" {
		c.LoadBalanceStrategy = DefaultLoadBalanceStrategy
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if c.MaintenanceInterval == 0 {
		c.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if c.MaxRetryCount == 0 {
		c.MaxRetryCount = DefaultMaxRetryCount
	}

	if c.Catalogue.Postgres != nil {
		applyDBDefaults(c.Catalogue.Postgres)
	}

	for i := range c.Connections {
		if c.Connections[i].MaxSubscriptions == 0 {
			c.Connections[i].MaxSubscriptions = DefaultMaxSubscriptions
		}
		if c.Connections[i].Priority == 0 {
			c.Connections[i].Priority = DefaultPriority
		}
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultDBMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultDBMinConns
	}
}
