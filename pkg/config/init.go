package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const configHeader = `# DittoWeb Configuration File
#
# Every value can be overridden with an environment variable named after its
# path, e.g. DITTOWEB_ADAPTERS_HTTP_PORT=8081 or DITTOWEB_LOGGING_LEVEL=DEBUG.

`

// InitConfig writes the default configuration to the default location and
// returns its path. An existing file is only replaced when force is set.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes the default configuration, with comments, to path.
// Parent directories are created as needed.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content, err := generateYAMLWithComments(GetDefaultConfig())
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// field is one key of the generated document. value is either a scalar, a map
// or a nested []field.
type field struct {
	key     string
	value   any
	comment string
}

// generateYAMLWithComments renders cfg as a commented YAML document whose keys
// match the mapstructure tags Load reads.
func generateYAMLWithComments(cfg *Config) (string, error) {
	http := cfg.Adapters.HTTP

	doc := []field{
		{key: "logging", comment: "Logging: level DEBUG|INFO|WARN|ERROR, format text|json, output stdout|stderr|<file>", value: []field{
			{key: "level", value: cfg.Logging.Level},
			{key: "format", value: cfg.Logging.Format},
			{key: "output", value: cfg.Logging.Output},
			{key: "async", value: cfg.Logging.Async, comment: "Write from a background goroutine; lines are dropped when queue_size is exceeded"},
			{key: "queue_size", value: cfg.Logging.QueueSize},
		}},
		{key: "server", value: []field{
			{key: "shutdown_timeout", value: duration(cfg.Server.ShutdownTimeout)},
			{key: "metrics", comment: "Prometheus exporter (/metrics, /healthz)", value: []field{
				{key: "enabled", value: cfg.Server.Metrics.Enabled},
				{key: "port", value: cfg.Server.Metrics.Port},
			}},
		}},
		{key: "credentials", comment: "User store behind /login and /register: memory or badger", value: []field{
			{key: "type", value: cfg.Credentials.Type},
			{key: "pool_size", value: cfg.Credentials.PoolSize, comment: "Store handles shared by the workers"},
			{key: "acquire_timeout", value: duration(cfg.Credentials.AcquireTimeout), comment: "0 waits as long as the request is alive"},
			{key: "hash_cost", value: cfg.Credentials.HashCost, comment: "bcrypt cost for new users, 0 for the bcrypt default"},
			{key: "memory", value: cfg.Credentials.Memory, comment: "users: {name: password} seeded at startup"},
			{key: "badger", value: cfg.Credentials.Badger},
		}},
		{key: "adapters", value: []field{
			{key: "http", value: []field{
				{key: "enabled", value: http.Enabled},
				{key: "port", value: http.Port},
				{key: "document_root", value: http.DocumentRoot, comment: "Directory every request path is resolved under"},
				{key: "idle_timeout", value: duration(http.IdleTimeout), comment: "Connections without activity for this long are closed"},
				{key: "workers", value: http.Workers},
				{key: "max_connections", value: http.MaxConnections, comment: "Above this, new clients receive \"Server busy!\""},
				{key: "backlog", value: http.Backlog},
				{key: "linger", value: http.Linger},
				{key: "listen_edge_triggered", value: http.ListenEdgeTriggered},
				{key: "conn_edge_triggered", value: http.ConnEdgeTriggered},
				{key: "keep_alive_max", value: http.KeepAliveMax},
				{key: "max_body_bytes", value: http.MaxBodyBytes},
				{key: "accept_rate", comment: "New connections per second, 0 for no limit", value: []field{
					{key: "requests_per_second", value: http.AcceptRate.RequestsPerSecond},
					{key: "burst", value: http.AcceptRate.Burst},
				}},
				{key: "shutdown_timeout", value: duration(http.ShutdownTimeout)},
				{key: "metrics_log_interval", value: duration(http.MetricsLogInterval)},
			}},
		}},
	}

	root, err := mappingNode(doc)
	if err != nil {
		return "", fmt.Errorf("failed to encode config: %w", err)
	}

	out, err := yaml.Marshal(&yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{root}})
	if err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}

	return configHeader + string(out), nil
}

func mappingNode(fields []field) (*yaml.Node, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}

	for _, f := range fields {
		key := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: f.key}
		if f.comment != "" {
			key.HeadComment = "# " + f.comment
		}

		var value *yaml.Node
		if nested, ok := f.value.([]field); ok {
			var err error
			if value, err = mappingNode(nested); err != nil {
				return nil, err
			}
		} else {
			value = &yaml.Node{}
			if err := value.Encode(f.value); err != nil {
				return nil, fmt.Errorf("%s: %w", f.key, err)
			}
		}

		node.Content = append(node.Content, key, value)
	}
	return node, nil
}

// duration renders d the way viper parses it back ("30s", "5m0s").
func duration(d time.Duration) string {
	return d.String()
}
