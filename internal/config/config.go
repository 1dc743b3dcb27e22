// Package config loads process configuration from flags, ZEPHYRREG_*
// environment variables and defaults, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "ZEPHYRREG"

type Etcd struct {
	Endpoints []string      `mapstructure:"endpoints"`
	Namespace string        `mapstructure:"namespace" validate:"required,startswith=/"`
	LeaseTTL  time.Duration `mapstructure:"lease-ttl" validate:"min=1s"`
}

func (e Etcd) Enabled() bool {
	return len(e.Endpoints) > 0
}

type Log struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// Server configures the registry process.
type Server struct {
	Listen        string        `mapstructure:"listen" validate:"required"`
	AdvertiseAddr string        `mapstructure:"advertise-addr"`
	InstanceID    string        `mapstructure:"instance-id"`
	SweepInterval time.Duration `mapstructure:"sweep-interval" validate:"gt=0"`
	MemberTimeout time.Duration `mapstructure:"member-timeout" validate:"gt=0"`
	Etcd          Etcd          `mapstructure:"etcd"`
	Log           Log           `mapstructure:"log"`
}

// Agent configures a member process.
type Agent struct {
	Name           string        `mapstructure:"name"`
	RegistryURL    string        `mapstructure:"registry-url"`
	Interval       time.Duration `mapstructure:"heartbeat-interval" validate:"gt=0"`
	RequestTimeout time.Duration `mapstructure:"request-timeout" validate:"gt=0"`
	Etcd           Etcd          `mapstructure:"etcd"`
	Log            Log           `mapstructure:"log"`
}

// flag name -> config key, for flags whose key is nested.
var nestedKeys = map[string]string{
	"etcd-endpoints": "etcd.endpoints",
	"etcd-namespace": "etcd.namespace",
	"etcd-lease-ttl": "etcd.lease-ttl",
	"log-level":      "log.level",
	"log-json":       "log.json",
}

func commonFlags(fs *pflag.FlagSet) {
	fs.StringSlice("etcd-endpoints", nil, "etcd endpoints used to announce/resolve the registry (disabled when empty)")
	fs.String("etcd-namespace", "/zephyrreg", "etcd key namespace")
	fs.Duration("etcd-lease-ttl", 10*time.Second, "lease TTL of the registry announcement")
	fs.String("log-level", "info", "log level: debug, info, warn, error")
	fs.Bool("log-json", false, "log in JSON")
}

// ServerFlags defines the registry flags on fs.
func ServerFlags(fs *pflag.FlagSet) {
	fs.String("listen", ":5559", "HTTP listen address")
	fs.String("advertise-addr", "", "address announced in etcd (defaults to listen)")
	fs.String("instance-id", "", "registry instance id in etcd (defaults to hostname-based uuid)")
	fs.Duration("sweep-interval", 10*time.Second, "how often stale members are evicted")
	fs.Duration("member-timeout", 30*time.Second, "silence after which a member is evicted")
	commonFlags(fs)
}

// AgentFlags defines the member agent flags on fs.
func AgentFlags(fs *pflag.FlagSet) {
	fs.String("name", "", "member name (defaults to server_<random>)")
	fs.String("registry-url", "", "registry base URL; resolved through etcd when empty")
	fs.Duration("heartbeat-interval", 10*time.Second, "heartbeat period")
	fs.Duration("request-timeout", 2*time.Second, "timeout of one registry request")
	commonFlags(fs)
}

func newViper(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		key := f.Name
		if k, ok := nestedKeys[f.Name]; ok {
			key = k
		}
		if bindErr := v.BindPFlag(key, f); bindErr != nil && err == nil {
			err = fmt.Errorf("bind flag %s: %w", f.Name, bindErr)
		}
	})
	return v, err
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadServer reads the registry configuration. fs must have been defined by
// ServerFlags and parsed.
func LoadServer(fs *pflag.FlagSet) (Server, error) {
	var cfg Server
	v, err := newViper(fs)
	if err != nil {
		return cfg, err
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	if cfg.AdvertiseAddr == "" {
		cfg.AdvertiseAddr = cfg.Listen
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = "registry-" + uuid.NewString()[:8]
	}
	return cfg, cfg.Validate()
}

func (c Server) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.MemberTimeout < c.SweepInterval {
		return fmt.Errorf("invalid configuration: member-timeout (%s) must not be shorter than sweep-interval (%s)", c.MemberTimeout, c.SweepInterval)
	}
	return nil
}

// Warnings lists settings that are valid but risky.
func (c Server) Warnings() []string {
	var out []string
	if c.MemberTimeout < 3*c.SweepInterval {
		out = append(out, fmt.Sprintf("member-timeout %s is less than 3x sweep-interval %s, a member may be evicted after a single missed heartbeat", c.MemberTimeout, c.SweepInterval))
	}
	return out
}

// LoadAgent reads the member agent configuration. fs must have been defined
// by AgentFlags and parsed.
func LoadAgent(fs *pflag.FlagSet) (Agent, error) {
	var cfg Agent
	v, err := newViper(fs)
	if err != nil {
		return cfg, err
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Name == "" {
		cfg.Name = "server_" + uuid.NewString()[:8]
	}
	return cfg, cfg.Validate()
}

func (c Agent) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.RegistryURL == "" && !c.Etcd.Enabled() {
		return errors.New("invalid configuration: either registry-url or etcd-endpoints must be set")
	}
	return nil
}
