package config

import (
	"fmt"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Config is the configuration for the recordshare server.
type Config struct {
	LogLevel           string `hcl:"log_level,optional"`
	LogFormat          string `hcl:"log_format,optional"`
	LogFile            string `hcl:"log_file,optional"`
	LogRotateMegabytes int    `hcl:"log_rotate_megabytes,optional"`
	LogRotateMaxFiles  int    `hcl:"log_rotate_max_files,optional"`

	Listeners []ListenerBlock `hcl:"listener,block"`
	Storage   *StorageBlock   `hcl:"storage,block"`
	Audits    []AuditBlock    `hcl:"audit,block"`
}

// StorageBlock selects and configures the backing store.
type StorageBlock struct {
	Type string `hcl:"type,label"` // "inmem" or "postgres"

	// PostgreSQL specific config
	ConnectionUrl    string `hcl:"connection_url,optional"`
	MaxConns         int    `hcl:"max_conns,optional"`
	SkipCreateTables bool   `hcl:"skip_create_tables,optional"`
}

// Config returns the storage configuration as a flattened map.
func (s *StorageBlock) Config() map[string]string {
	config := make(map[string]string)
	config["type"] = s.Type

	if s.ConnectionUrl != "" {
		config["connection_url"] = s.ConnectionUrl
	}
	if s.MaxConns != 0 {
		config["max_conns"] = fmt.Sprintf("%d", s.MaxConns)
	}
	if s.SkipCreateTables {
		config["skip_create_tables"] = "true"
	}
	return config
}

// AuditBlock configures one audit device mirroring the access log.
type AuditBlock struct {
	Type string `hcl:"type,label"` // only "file" is built in

	Path            string `hcl:"path,optional"`
	Prefix          string `hcl:"prefix,optional"`
	RotateMegabytes int    `hcl:"rotate_megabytes,optional"`
	RotateMaxFiles  int    `hcl:"rotate_max_files,optional"`
	RotateMaxDays   int    `hcl:"rotate_max_days,optional"`
	Compress        bool   `hcl:"compress,optional"`
}

// ListenerBlock configures one HTTP listener.
type ListenerBlock struct {
	Name        string `hcl:"name,label"`
	Address     string `hcl:"address"`
	TLSCertFile string `hcl:"tls_cert_file,optional"`
	TLSKeyFile  string `hcl:"tls_key_file,optional"`
	TLSEnabled  bool   `hcl:"tls_enabled,optional"`
}

// LoadConfig parses an HCL config file.
func LoadConfig(configFile string) (*Config, error) {
	var config Config

	err := hclsimple.DecodeFile(configFile, nil, &config)
	if err != nil {
		return nil, err
	}
	return &config, nil
}

// GetListenerByName returns a listener by its name (label).
func (c *Config) GetListenerByName(name string) (*ListenerBlock, error) {
	for _, listener := range c.Listeners {
		if listener.Name == name {
			return &listener, nil
		}
	}
	return nil, fmt.Errorf("listener '%s' not found", name)
}

// GetApiListener is a convenience method to get the api listener.
func (c *Config) GetApiListener() (*ListenerBlock, error) {
	return c.GetListenerByName("api")
}
