package couchkit

import (
	"os"

	"gopkg.in/yaml.v3"
)

// ClusterConfig aggregates the configuration for a Cluster. Zero-valued
// sections are replaced by their defaults when the cluster is created.
type ClusterConfig struct {
	// Endpoints is the ordered seed list of cluster endpoints
	Endpoints []string `yaml:"endpoints"`

	Pool        PoolConfig        `yaml:"pool"`
	Failover    FailoverConfig    `yaml:"failover"`
	Retry       RetryPolicy       `yaml:"retry"`
	Transaction TransactionConfig `yaml:"transaction"`

	// NumReplicas is the number of replicas configured on the bucket,
	// used to translate durability levels into observe requirements
	NumReplicas int `yaml:"num_replicas"`
}

// DefaultClusterConfig returns a configuration with every section at its
// default, for the given seed endpoints
func DefaultClusterConfig(endpoints ...string) ClusterConfig {
	return ClusterConfig{
		Endpoints:   endpoints,
		Pool:        DefaultPoolConfig(),
		Failover:    DefaultFailoverConfig(),
		Retry:       DefaultRetryPolicy(),
		Transaction: DefaultTransactionConfig(),
	}
}

// Validate checks the whole configuration tree
func (c ClusterConfig) Validate() error {
	if len(c.Endpoints) == 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Endpoints",
			"reason": "at least one endpoint is required",
		})
	}
	if err := c.Pool.Validate(); err != nil {
		return err
	}
	if err := c.Failover.Validate(); err != nil {
		return err
	}
	if err := c.Retry.Validate(); err != nil {
		return err
	}
	if err := c.Transaction.Validate(); err != nil {
		return err
	}
	if c.NumReplicas < 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "NumReplicas",
			"value":  c.NumReplicas,
			"reason": "must be non-negative",
		})
	}
	return nil
}

// LoadClusterConfig reads a YAML configuration file. Sections omitted from
// the file keep their zero values; callers wanting defaults should start
// from DefaultClusterConfig and overlay the file on top via
// LoadClusterConfigInto.
func LoadClusterConfig(path string) (ClusterConfig, error) {
	cfg := ClusterConfig{}
	if err := LoadClusterConfigInto(path, &cfg); err != nil {
		return ClusterConfig{}, err
	}
	return cfg, nil
}

// LoadClusterConfigInto overlays a YAML configuration file onto cfg
func LoadClusterConfigInto(path string, cfg *ClusterConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"path":   path,
			"reason": err.Error(),
		})
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"path":   path,
			"reason": err.Error(),
		})
	}
	return cfg.Validate()
}
