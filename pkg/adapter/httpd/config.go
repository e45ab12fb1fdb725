package httpd

import (
	"fmt"
	"time"
)

// HTTPConfig holds configuration parameters for the HTTP server.
//
// Default values (applied by New if zero):
//   - IdleTimeout: 60s
//   - Workers: 8
//   - MaxConnections: 65536
//   - Backlog: 128
//   - KeepAliveMax: 6
//   - MaxBodyBytes: 1MiB
//   - ShutdownTimeout: 30s
//
// Port and MetricsLogInterval keep their zero meaning (kernel-assigned port,
// no periodic log); pkg/config supplies their defaults for configured servers.
type HTTPConfig struct {
	// Enabled controls whether the HTTP adapter is started.
	Enabled bool `mapstructure:"enabled"`

	// Port is the TCP port to listen on. 0 lets the kernel pick one, which is
	// only useful in tests; Port() then reports the bound port.
	Port int `mapstructure:"port" validate:"min=0,max=65535"`

	// DocumentRoot is the directory every request path is resolved under.
	DocumentRoot string `mapstructure:"document_root"`

	// IdleTimeout evicts connections with no read or write activity for this long.
	// It is also advertised in the Keep-Alive response header.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" validate:"min=0"`

	// Workers is the number of goroutines parsing requests and building responses.
	Workers int `mapstructure:"workers" validate:"min=0"`

	// MaxConnections is the number of open client connections above which new
	// connections receive "Server busy!" and are closed.
	MaxConnections int `mapstructure:"max_connections" validate:"min=0"`

	// Backlog is the listen(2) backlog.
	Backlog int `mapstructure:"backlog" validate:"min=0"`

	// Linger enables SO_LINGER with a one second timeout, so close waits for
	// unsent data.
	Linger bool `mapstructure:"linger"`

	// ListenEdgeTriggered registers the listening socket edge-triggered and
	// accepts until the backlog is empty on every event.
	ListenEdgeTriggered bool `mapstructure:"listen_edge_triggered"`

	// ConnEdgeTriggered registers client sockets edge-triggered and reads or
	// writes until the socket would block on every event.
	ConnEdgeTriggered bool `mapstructure:"conn_edge_triggered"`

	// KeepAliveMax is advertised in the Keep-Alive response header.
	KeepAliveMax int `mapstructure:"keep_alive_max" validate:"min=0"`

	// MaxBodyBytes bounds Content-Length. Larger requests get 413.
	MaxBodyBytes int `mapstructure:"max_body_bytes" validate:"min=0"`

	// AcceptRate limits how fast new connections are admitted.
	AcceptRate AcceptRateConfig `mapstructure:"accept_rate"`

	// ShutdownTimeout bounds how long in-flight responses may take to finish
	// after shutdown starts. Remaining connections are then force-closed.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"min=0"`

	// MetricsLogInterval is the period of the "HTTP metrics" log line.
	// 0 disables it.
	MetricsLogInterval time.Duration `mapstructure:"metrics_log_interval" validate:"min=0"`
}

// AcceptRateConfig configures the token bucket applied to accepted connections.
type AcceptRateConfig struct {
	// RequestsPerSecond is the sustained admission rate. 0 disables limiting.
	RequestsPerSecond uint `mapstructure:"requests_per_second"`

	// Burst is the bucket size. 0 means RequestsPerSecond.
	Burst uint `mapstructure:"burst"`
}

const (
	DefaultPort               = 8080
	DefaultIdleTimeout        = 60 * time.Second
	DefaultWorkers            = 8
	DefaultMaxConnections     = 65536
	DefaultBacklog            = 128
	DefaultKeepAliveMax       = 6
	DefaultMaxBodyBytes       = 1 << 20
	DefaultShutdownTimeout    = 30 * time.Second
	DefaultMetricsLogInterval = 5 * time.Minute
)

// ApplyDefaults fills in zero values.
func (c *HTTPConfig) ApplyDefaults() {
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.Backlog == 0 {
		c.Backlog = DefaultBacklog
	}
	if c.KeepAliveMax == 0 {
		c.KeepAliveMax = DefaultKeepAliveMax
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
}

// validate checks the invariants New relies on.
func (c *HTTPConfig) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be 0-65535", c.Port)
	}
	if c.DocumentRoot == "" {
		return fmt.Errorf("document root is required")
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("invalid IdleTimeout %v: must be >= 0", c.IdleTimeout)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("invalid Workers %d: must be > 0", c.Workers)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("invalid MaxConnections %d: must be > 0", c.MaxConnections)
	}
	if c.Backlog <= 0 {
		return fmt.Errorf("invalid Backlog %d: must be > 0", c.Backlog)
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("invalid MaxBodyBytes %d: must be > 0", c.MaxBodyBytes)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid ShutdownTimeout %v: must be > 0", c.ShutdownTimeout)
	}
	if c.MetricsLogInterval < 0 {
		return fmt.Errorf("invalid MetricsLogInterval %v: must be >= 0", c.MetricsLogInterval)
	}
	return nil
}
