package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"regexp"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/viper"

	"github.com/angeloszaimis/api-gateway/internal/route"
)

const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// ErrInvalidConfig wraps every load or validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

var pathRegexp = regexp.MustCompile(`^/[^\s?#]*$`)

type ServerConfig struct {
	Address      string        `mapstructure:"address"`
	Environment  string        `mapstructure:"environment"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type AdminConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

type LoggingConfig struct {
	Level     string `mapstructure:"level"`
	AddSource bool   `mapstructure:"add_source"`
}

// AuthConfig selects the token verifier. Exactly one of HMACSecret and
// JWKSURL must be set.
type AuthConfig struct {
	HMACSecret  string        `mapstructure:"hmac_secret"`
	JWKSURL     string        `mapstructure:"jwks_url"`
	JWKSRefresh time.Duration `mapstructure:"jwks_refresh"`
	Issuer      string        `mapstructure:"issuer"`
	Audience    string        `mapstructure:"audience"`
	ClockSkew   time.Duration `mapstructure:"clock_skew"`
}

type HealthCheckConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	Path     string        `mapstructure:"path"`
}

type RouteConfig struct {
	ID      string `mapstructure:"id"`
	Path    string `mapstructure:"path"`
	Backend string `mapstructure:"backend"`
	Policy  string `mapstructure:"policy"`
}

// PolicyConfig is a named circuit breaker policy. Policies are a list rather
// than a map because viper folds map keys to lower case.
type PolicyConfig struct {
	Name             string        `mapstructure:"name"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureStatuses  []int         `mapstructure:"failure_statuses"`
}

type FallbackConfig struct {
	Status int    `mapstructure:"status"`
	Body   string `mapstructure:"body"`
}

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Admin       AdminConfig       `mapstructure:"admin"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Auth        AuthConfig        `mapstructure:"auth"`
	HealthCheck HealthCheckConfig `mapstructure:"health_check"`
	Routes      []RouteConfig     `mapstructure:"routes"`
	Policies    []PolicyConfig    `mapstructure:"policies"`
	Fallback    FallbackConfig    `mapstructure:"fallback"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.environment", EnvDev)
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "60s")

	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.address", "127.0.0.1:9090")

	v.SetDefault("logging.level", LogLevelInfo)
	v.SetDefault("logging.add_source", true)

	v.SetDefault("auth.hmac_secret", "")
	v.SetDefault("auth.jwks_url", "")
	v.SetDefault("auth.jwks_refresh", "15m")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.audience", "")
	v.SetDefault("auth.clock_skew", "30s")

	v.SetDefault("health_check.enabled", false)
	v.SetDefault("health_check.interval", "10s")
	v.SetDefault("health_check.path", "/health")

	v.SetDefault("routes", []map[string]any{
		{"id": "productservice", "path": "/api/product/**", "backend": "http://localhost:8084", "policy": "productServiceCircuitBreaker"},
		{"id": "orderservice", "path": "/api/order", "backend": "http://localhost:8085", "policy": "orderServiceCircuitBreaker"},
		{"id": "inventoryservice", "path": "/api/inventory", "backend": "http://localhost:8086", "policy": "inventoryServiceCircuitBreaker"},
	})
	v.SetDefault("policies", []map[string]any{
		{"name": "productServiceCircuitBreaker", "failure_threshold": 3, "cooldown": "30s", "timeout": "5s"},
		{"name": "orderServiceCircuitBreaker", "failure_threshold": 3, "cooldown": "30s", "timeout": "5s"},
		{"name": "inventoryServiceCircuitBreaker", "failure_threshold": 3, "cooldown": "30s", "timeout": "5s"},
	})

	v.SetDefault("fallback.status", 503)
	v.SetDefault("fallback.body", "Service is unavailable, please try again later")
}

// Load reads config.yaml from ./config or the working directory, applies
// environment overrides (server.address -> SERVER_ADDRESS) and validates the
// result.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Error("failed to read config file", slog.String("error", err.Error()))
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		slog.Warn("config file not found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", slog.String("file", v.ConfigFileUsed()))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		slog.Error("failed to unmarshal config", slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	return &cfg, nil
}

// Policy returns the named policy.
func (c *Config) Policy(name string) (PolicyConfig, bool) {
	for _, p := range c.Policies {
		if p.Name == name {
			return p, true
		}
	}
	return PolicyConfig{}, false
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server),
		validation.Field(&c.Admin),
		validation.Field(&c.Logging),
		validation.Field(&c.Auth),
		validation.Field(&c.HealthCheck),
		validation.Field(&c.Fallback),
		validation.Field(&c.Policies,
			validation.Required,
			validation.By(uniquePolicyNames),
			validation.Each(validation.By(c.policyFitsWriteTimeout)),
		),
		validation.Field(&c.Routes,
			validation.Required,
			validation.By(uniqueRouteIDs),
			validation.Each(validation.By(c.routeReferencesPolicy)),
		),
	)
}

func (s ServerConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Environment,
			validation.Required,
			validation.In(EnvDev, EnvStaging, EnvProd),
		),
		validation.Field(&s.Address,
			validation.Required,
			validation.By(validateHostPort),
		),
		validation.Field(&s.ReadTimeout, validation.Min(time.Duration(0))),
		validation.Field(&s.WriteTimeout, validation.Min(time.Duration(0))),
		validation.Field(&s.IdleTimeout, validation.Min(time.Duration(0))),
	)
}

func (a AdminConfig) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.Address,
			validation.When(a.Enabled, validation.Required, validation.By(validateHostPort)),
		),
	)
}

func (l LoggingConfig) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.Level,
			validation.Required,
			validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
		),
	)
}

func (a AuthConfig) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.HMACSecret,
			validation.When(a.JWKSURL == "",
				validation.Required.Error("either hmac_secret or jwks_url is required"),
				validation.Length(32, 0),
			).Else(
				validation.Empty.Error("cannot be combined with jwks_url"),
			),
		),
		validation.Field(&a.JWKSURL,
			validation.When(a.JWKSURL != "", is.URL, validation.By(validateServerURL)),
		),
		validation.Field(&a.JWKSRefresh, validation.Min(time.Duration(0))),
		validation.Field(&a.ClockSkew, validation.Min(time.Duration(0))),
	)
}

func (h HealthCheckConfig) Validate() error {
	return validation.ValidateStruct(&h,
		validation.Field(&h.Interval,
			validation.When(h.Enabled, validation.Required, validation.Min(100*time.Millisecond)),
		),
		validation.Field(&h.Path,
			validation.When(h.Enabled, validation.Required, validation.Match(pathRegexp)),
		),
	)
}

func (f FallbackConfig) Validate() error {
	return validation.ValidateStruct(&f,
		validation.Field(&f.Status, validation.Required, validation.Min(400), validation.Max(599)),
		validation.Field(&f.Body, validation.Required),
	)
}

func (r RouteConfig) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ID, validation.Required),
		validation.Field(&r.Path, validation.Required, validation.By(validatePathPattern)),
		validation.Field(&r.Backend, validation.Required, validation.By(validateServerURL)),
		validation.Field(&r.Policy, validation.Required),
	)
}

func (p PolicyConfig) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Name, validation.Required),
		validation.Field(&p.FailureThreshold, validation.Required, validation.Min(1)),
		validation.Field(&p.Cooldown, validation.Min(time.Duration(0))),
		validation.Field(&p.Timeout, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&p.FailureStatuses, validation.Each(validation.Min(100), validation.Max(599))),
	)
}

func (c *Config) routeReferencesPolicy(value interface{}) error {
	r, ok := value.(RouteConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a RouteConfig")
	}

	if r.Policy == "" {
		return nil
	}
	if _, ok := c.Policy(r.Policy); !ok {
		return validation.NewError("validation_unknown_policy",
			fmt.Sprintf("route %q references unknown policy %q", r.ID, r.Policy))
	}

	return nil
}

// policyFitsWriteTimeout keeps a backend timeout short enough for the fallback
// to be written before the server gives up on the response.
func (c *Config) policyFitsWriteTimeout(value interface{}) error {
	p, ok := value.(PolicyConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a PolicyConfig")
	}

	if c.Server.WriteTimeout > 0 && p.Timeout >= c.Server.WriteTimeout {
		return validation.NewError("validation_timeout_exceeds_write_timeout",
			fmt.Sprintf("policy %q timeout %s must be below server.write_timeout %s",
				p.Name, p.Timeout, c.Server.WriteTimeout))
	}

	return nil
}

func uniqueRouteIDs(value interface{}) error {
	routes, ok := value.([]RouteConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a list of routes")
	}

	seen := make(map[string]struct{}, len(routes))
	for _, r := range routes {
		if _, dup := seen[r.ID]; dup && r.ID != "" {
			return validation.NewError("validation_duplicate_route", fmt.Sprintf("duplicate route id %q", r.ID))
		}
		seen[r.ID] = struct{}{}
	}

	return nil
}

func uniquePolicyNames(value interface{}) error {
	policies, ok := value.([]PolicyConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a list of policies")
	}

	seen := make(map[string]struct{}, len(policies))
	for _, p := range policies {
		if _, dup := seen[p.Name]; dup && p.Name != "" {
			return validation.NewError("validation_duplicate_policy", fmt.Sprintf("duplicate policy %q", p.Name))
		}
		seen[p.Name] = struct{}{}
	}

	return nil
}

func validatePathPattern(value interface{}) error {
	pattern, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	if _, err := route.ParsePattern(pattern); err != nil {
		return validation.NewError("validation_invalid_pattern", err.Error())
	}

	return nil
}

func validateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	if port == "" {
		return validation.NewError("validation_invalid_port", "port cannot be empty")
	}

	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
}

func validateServerURL(value interface{}) error {
	serverURL, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	if serverURL == "" {
		return nil
	}

	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return validation.NewError("validation_invalid_url", "must be a valid URL")
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return validation.NewError("validation_invalid_scheme", "URL must use http or https scheme")
	}

	if parsedURL.Host == "" {
		return validation.NewError("validation_missing_host", "URL must have a host")
	}

	return nil
}
