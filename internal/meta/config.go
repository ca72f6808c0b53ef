package meta

import (
	"io/ioutil"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"edgeconn/internal/log"
)

// TrustPolicy describes how the upstream connection treats certificates that do not verify against
// the trust roots.
type TrustPolicy string

const (
	// TrustStrict rejects any certificate that does not verify against the trust roots.
	TrustStrict TrustPolicy = "strict"
	// TrustFirstUse trusts the certificate presented on each new connection once.
	TrustFirstUse TrustPolicy = "first_use"
	// TrustPrompt asks on the terminal whether to trust the presented certificate.
	TrustPrompt TrustPolicy = "prompt"
)

const (
	// DefaultHost is the upstream host used when neither the configuration nor the environment
	// specifies one.
	DefaultHost = "localhost"
	// DefaultPort is the upstream port used when neither the configuration nor the environment
	// specifies one.
	DefaultPort uint16 = 5656
)

// ApplicationConfig is a top-level block for application-level meta configuration.
type ApplicationConfig struct {
	SentryDSN string     `yaml:"sentry_dsn"`
	Verbosity *log.Level `yaml:"verbosity"`
}

// MetricsConfig is a top-level block for metrics configuration.
type MetricsConfig struct {
	Statsd *struct {
		Address    string  `yaml:"addr"`
		SampleRate float32 `yaml:"sample_rate"`
	} `yaml:"statsd"`
}

// ListenerConfig is a top-level block for local relay listener configuration.
type ListenerConfig struct {
	TCP *struct {
		Address string `yaml:"addr"`
	} `yaml:"tcp"`
	Unix *struct {
		Path string `yaml:"path"`
	} `yaml:"unix"`
	MaxConcurrentConnections int           `yaml:"max_concurrent_connections"`
	AcceptRate               float64       `yaml:"accept_rate"`
	AcceptBurst              int           `yaml:"accept_burst"`
	ReadTimeout              time.Duration `yaml:"read_timeout"`
	WriteTimeout             time.Duration `yaml:"write_timeout"`
}

// TrustConfig describes the certificate trust policy for the upstream connection.
type TrustConfig struct {
	// CAFile is an optional PEM bundle of roots trusted in addition to the public bundle.
	CAFile string      `yaml:"ca_file"`
	Policy TrustPolicy `yaml:"policy"`
}

// UpstreamConfig is a top-level block for the upstream database server.
type UpstreamConfig struct {
	Host             string        `yaml:"host"`
	Port             uint16        `yaml:"port"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	Trust            TrustConfig   `yaml:"trust"`
}

// Config describes all application configuration options.
type Config struct {
	Application *ApplicationConfig `yaml:"application"`
	Metrics     *MetricsConfig     `yaml:"metrics"`
	Listener    *ListenerConfig    `yaml:"listener"`
	Upstream    *UpstreamConfig    `yaml:"upstream"`
}

// ParseConfig parses a Config struct instance from a file specified as a path on disk. An empty
// path yields the default configuration. Upstream defaults are resolved from the environment.
func ParseConfig(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := ioutil.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "config: error reading config")
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, "config: error parsing config")
		}
	}

	if err := cfg.applyDefaults(os.Getenv); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults fills in omitted upstream settings, preferring EDGEDB_HOST and EDGEDB_PORT from
// the environment over the built-in defaults.
func (c *Config) applyDefaults(getenv func(string) string) error {
	if c.Upstream == nil {
		c.Upstream = &UpstreamConfig{}
	}

	if c.Upstream.Host == "" {
		c.Upstream.Host = getenv("EDGEDB_HOST")
	}

	if c.Upstream.Host == "" {
		c.Upstream.Host = DefaultHost
	}

	if c.Upstream.Port == 0 {
		if env := getenv("EDGEDB_PORT"); env != "" {
			port, err := strconv.ParseUint(env, 10, 16)
			if err != nil {
				return errors.Wrapf(err, "config: invalid EDGEDB_PORT: value=%s", env)
			}

			c.Upstream.Port = uint16(port)
		}
	}

	if c.Upstream.Port == 0 {
		c.Upstream.Port = DefaultPort
	}

	if c.Upstream.Trust.Policy == "" {
		c.Upstream.Trust.Policy = TrustStrict
	}

	c.Upstream.Trust.Policy = TrustPolicy(strings.ToLower(string(c.Upstream.Trust.Policy)))

	return nil
}

// validate the contents of the configuration. Returns an error if validation failed; nil otherwise.
func (c *Config) validate() error {
	/* Metrics */

	// Users can omit the metrics block entirely to disable metrics reporting.
	if c.Metrics != nil && c.Metrics.Statsd != nil {
		if c.Metrics.Statsd.Address == "" {
			return errors.New("config: missing metrics statsd address")
		}

		if c.Metrics.Statsd.SampleRate < 0 || c.Metrics.Statsd.SampleRate > 1 {
			return errors.New("config: statsd sample rate must be in range [0.0, 1.0]")
		}
	}

	/* Listener */

	// Users can omit the listener block entirely to only probe the upstream.
	if c.Listener != nil {
		if c.Listener.TCP == nil && c.Listener.Unix == nil {
			return errors.New("config: at least one TCP or Unix listener must be specified")
		}

		if c.Listener.TCP != nil && c.Listener.TCP.Address == "" {
			return errors.New("config: missing TCP listener address")
		}

		if c.Listener.Unix != nil && c.Listener.Unix.Path == "" {
			return errors.New("config: missing Unix listener socket path")
		}

		if c.Listener.MaxConcurrentConnections < 0 {
			return errors.New("config: max concurrent connections must not be negative")
		}

		if c.Listener.AcceptRate < 0 || c.Listener.AcceptBurst < 0 {
			return errors.New("config: accept rate and burst must not be negative")
		}
	}

	/* Upstream */

	switch c.Upstream.Trust.Policy {
	case TrustStrict, TrustFirstUse, TrustPrompt:
	default:
		return errors.Errorf("config: unknown trust policy: policy=%s", c.Upstream.Trust.Policy)
	}

	return nil
}
