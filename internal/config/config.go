package config

import (
	"fmt"
	"os"

	"github.com/systmms/pgrotate/internal/logging"
	"gopkg.in/yaml.v3"
)

// DefaultExcludeCharacters is the character set excluded from generated
// passwords. It keeps passwords safe for use inside connection strings
// and JSON documents.
const DefaultExcludeCharacters = `:/@"'\`

// defaultSSLRootCert is the CA bundle used to verify the database server
// certificate during verify-full connections.
const defaultSSLRootCert = "/etc/pki/tls/cert.pem"

// Config holds the runtime configuration
type Config struct {
	Region            string `yaml:"region"`
	Endpoint          string `yaml:"endpoint"`
	ExcludeCharacters string `yaml:"exclude_characters"`
	SSLRootCert       string `yaml:"ssl_root_cert"`

	// Static credentials for LocalStack-style endpoints. Ambient IAM
	// credentials are used when unset.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`

	Logger *logging.Logger `yaml:"-"`
}

// Load reads the optional config file at path, then applies environment
// overrides and defaults. A missing file is not an error; the environment
// alone is a complete configuration surface.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

// applyEnv layers environment variables over file values. An empty
// EXCLUDE_CHARACTERS is honored: it means "exclude nothing".
func (c *Config) applyEnv() {
	if v := os.Getenv("SECRETS_MANAGER_ENDPOINT"); v != "" {
		c.Endpoint = v
	}
	if v, ok := os.LookupEnv("EXCLUDE_CHARACTERS"); ok {
		c.ExcludeCharacters = v
	} else if c.ExcludeCharacters == "" {
		c.ExcludeCharacters = DefaultExcludeCharacters
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		c.Region = v
	}
	if v := os.Getenv("PGROTATE_SSL_ROOT_CERT"); v != "" {
		c.SSLRootCert = v
	}
}

func (c *Config) applyDefaults() {
	if c.SSLRootCert == "" {
		c.SSLRootCert = defaultSSLRootCert
	}
}
