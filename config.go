package frontdoor

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the file configuration of a front end.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	TLS      CertConfig     `yaml:"tls"`
	HTTP2    HTTP2Config    `yaml:"http2"`
	Log      LogConfig      `yaml:"log"`
	Admin    AdminConfig    `yaml:"admin"`
	Upstream UpstreamConfig `yaml:"upstream"`
}

// ServerConfig holds the listening and connection settings.
type ServerConfig struct {
	PlainAddr        string        `yaml:"plain_addr"`
	DisablePlain     bool          `yaml:"disable_plain"`
	Threads          int           `yaml:"threads"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	OperationTimeout time.Duration `yaml:"operation_timeout"`
	NoDelay          bool          `yaml:"no_delay"`
}

// CertConfig holds the TLS listener settings. TLS is disabled unless
// both CertFile and KeyFile are set.
type CertConfig struct {
	Addr         string   `yaml:"addr"`
	CertFile     string   `yaml:"cert_file"`
	KeyFile      string   `yaml:"key_file"`
	DisableHTTP2 bool     `yaml:"disable_http2"`
	Protocols    []string `yaml:"protocols"`
	Watch        bool     `yaml:"watch"` // reload certificates when the files change
}

// Enabled returns true if a certificate is configured.
func (c CertConfig) Enabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// HTTP2Config holds HTTP/2 session settings.
type HTTP2Config struct {
	MaxConcurrentStreams uint32 `yaml:"max_concurrent_streams"`
	MaxControlQueue      int    `yaml:"max_control_queue"`
}

// AdminConfig holds the admin listener settings. An empty Addr disables it.
type AdminConfig struct {
	Addr string `yaml:"addr"`
}

// UpstreamConfig holds the reverse proxy target.
type UpstreamConfig struct {
	URL            string `yaml:"url"`
	MaxConnections int    `yaml:"max_connections"`
}

// FieldError is a validation error for a single configuration field.
type FieldError struct {
	Field   string // dotted path, e.g. "server.plain_addr"
	Message string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError collects every FieldError found by Validate.
type ValidationError struct {
	Errors []FieldError
}

func (e ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return "invalid configuration: " + e.Errors[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "invalid configuration, %d errors:", len(e.Errors))
	for _, fe := range e.Errors {
		sb.WriteString("\n  - ")
		sb.WriteString(fe.Error())
	}
	return sb.String()
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills in unset fields.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.PlainAddr == "" {
		cfg.Server.PlainAddr = DefaultPlainAddr
	}
	if cfg.Server.HandshakeTimeout == 0 {
		cfg.Server.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.Server.OperationTimeout == 0 {
		cfg.Server.OperationTimeout = DefaultOperationTimeout
	}
	if cfg.TLS.Addr == "" {
		cfg.TLS.Addr = DefaultTLSAddr
	}
	if cfg.HTTP2.MaxConcurrentStreams == 0 {
		cfg.HTTP2.MaxConcurrentStreams = DefaultMaxConcurrentStreams
	}
	if cfg.HTTP2.MaxControlQueue == 0 {
		cfg.HTTP2.MaxControlQueue = MaxControlQueue
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Upstream.MaxConnections == 0 {
		cfg.Upstream.MaxConnections = 64
	}
}

// LoadConfig reads the YAML file at path, applies defaults and FRONTDOOR_*
// environment overrides, and validates the result. An empty path yields
// the defaults with environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read configuration %q", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse configuration %q", path)
		}
	}
	ApplyDefaults(cfg)
	if err := applyEnvOverrides(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies FRONTDOOR_SECTION_FIELD variables.
func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []FieldError
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, FieldError{name, err.Error()})
				return
			}
			*dst = b
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(name); ok {
			i, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, FieldError{name, err.Error()})
				return
			}
			*dst = i
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookup(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, FieldError{name, err.Error()})
				return
			}
			*dst = d
		}
	}

	str("FRONTDOOR_SERVER_PLAIN_ADDR", &cfg.Server.PlainAddr)
	boolean("FRONTDOOR_SERVER_DISABLE_PLAIN", &cfg.Server.DisablePlain)
	integer("FRONTDOOR_SERVER_THREADS", &cfg.Server.Threads)
	duration("FRONTDOOR_SERVER_HANDSHAKE_TIMEOUT", &cfg.Server.HandshakeTimeout)
	duration("FRONTDOOR_SERVER_OPERATION_TIMEOUT", &cfg.Server.OperationTimeout)
	boolean("FRONTDOOR_SERVER_NO_DELAY", &cfg.Server.NoDelay)
	str("FRONTDOOR_TLS_ADDR", &cfg.TLS.Addr)
	str("FRONTDOOR_TLS_CERT_FILE", &cfg.TLS.CertFile)
	str("FRONTDOOR_TLS_KEY_FILE", &cfg.TLS.KeyFile)
	boolean("FRONTDOOR_TLS_DISABLE_HTTP2", &cfg.TLS.DisableHTTP2)
	boolean("FRONTDOOR_TLS_WATCH", &cfg.TLS.Watch)
	if v, ok := lookup("FRONTDOOR_TLS_PROTOCOLS"); ok {
		cfg.TLS.Protocols = nil
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.TLS.Protocols = append(cfg.TLS.Protocols, p)
			}
		}
	}
	if v, ok := lookup("FRONTDOOR_HTTP2_MAX_CONCURRENT_STREAMS"); ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			errs = append(errs, FieldError{"FRONTDOOR_HTTP2_MAX_CONCURRENT_STREAMS", err.Error()})
		} else {
			cfg.HTTP2.MaxConcurrentStreams = uint32(n)
		}
	}
	integer("FRONTDOOR_HTTP2_MAX_CONTROL_QUEUE", &cfg.HTTP2.MaxControlQueue)
	str("FRONTDOOR_LOG_LEVEL", &cfg.Log.Level)
	str("FRONTDOOR_LOG_FORMAT", &cfg.Log.Format)
	str("FRONTDOOR_ADMIN_ADDR", &cfg.Admin.Addr)
	str("FRONTDOOR_UPSTREAM_URL", &cfg.Upstream.URL)
	integer("FRONTDOOR_UPSTREAM_MAX_CONNECTIONS", &cfg.Upstream.MaxConnections)

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}

// Validate checks the configuration and returns a ValidationError
// listing every problem found.
func (cfg *Config) Validate() error {
	var errs []FieldError
	addr := func(field, v string) {
		if _, _, err := net.SplitHostPort(v); err != nil {
			errs = append(errs, FieldError{field, err.Error()})
		}
	}
	positive := func(field string, d time.Duration) {
		if d < 0 {
			errs = append(errs, FieldError{field, "must not be negative"})
		}
	}

	if !cfg.Server.DisablePlain {
		addr("server.plain_addr", cfg.Server.PlainAddr)
	}
	if cfg.Server.Threads < 0 {
		errs = append(errs, FieldError{"server.threads", "must not be negative"})
	}
	positive("server.handshake_timeout", cfg.Server.HandshakeTimeout)
	positive("server.operation_timeout", cfg.Server.OperationTimeout)

	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		errs = append(errs, FieldError{"tls", "cert_file and key_file must be set together"})
	}
	if cfg.TLS.Enabled() {
		addr("tls.addr", cfg.TLS.Addr)
		for _, p := range cfg.TLS.Protocols {
			switch p {
			case ProtoH2, ProtoH2D16, ProtoH2D14, ProtoHTTP11, ProtoHTTP10:
			default:
				errs = append(errs, FieldError{"tls.protocols", fmt.Sprintf("unknown protocol %q", p)})
			}
		}
	}
	if cfg.Server.DisablePlain && !cfg.TLS.Enabled() {
		errs = append(errs, FieldError{"server.disable_plain", "no listener left"})
	}

	if cfg.HTTP2.MaxConcurrentStreams == 0 {
		errs = append(errs, FieldError{"http2.max_concurrent_streams", "must be positive"})
	}
	if cfg.HTTP2.MaxControlQueue < 1 {
		errs = append(errs, FieldError{"http2.max_control_queue", "must be positive"})
	}

	if _, err := ParseLevel(cfg.Log.Level); err != nil {
		errs = append(errs, FieldError{"log.level", err.Error()})
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "json", "console":
	default:
		errs = append(errs, FieldError{"log.format", fmt.Sprintf("unknown format %q", cfg.Log.Format)})
	}

	if cfg.Admin.Addr != "" {
		addr("admin.addr", cfg.Admin.Addr)
	}

	if cfg.Upstream.URL != "" {
		u, err := url.Parse(cfg.Upstream.URL)
		switch {
		case err != nil:
			errs = append(errs, FieldError{"upstream.url", err.Error()})
		case u.Scheme != "http" && u.Scheme != "https":
			errs = append(errs, FieldError{"upstream.url", "scheme must be http or https"})
		case u.Host == "":
			errs = append(errs, FieldError{"upstream.url", "missing host"})
		}
	}
	if cfg.Upstream.MaxConnections < 1 {
		errs = append(errs, FieldError{"upstream.max_connections", "must be positive"})
	}

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}

// Apply copies the listening and protocol settings onto srv.
// Certificates are not loaded; see NewCertReloader.
func (cfg *Config) Apply(srv *Server) {
	srv.PlainAddr = cfg.Server.PlainAddr
	srv.DisablePlain = cfg.Server.DisablePlain
	srv.Threads = cfg.Server.Threads
	srv.HandshakeTimeout = cfg.Server.HandshakeTimeout
	srv.OperationTimeout = cfg.Server.OperationTimeout
	srv.NoDelay = cfg.Server.NoDelay
	srv.TLSAddr = cfg.TLS.Addr
	srv.Negotiator = Negotiator{
		DisableHTTP2: cfg.TLS.DisableHTTP2,
		Protocols:    cfg.TLS.Protocols,
	}
	srv.MaxConcurrentStreams = cfg.HTTP2.MaxConcurrentStreams
	MaxControlQueue = cfg.HTTP2.MaxControlQueue
}
