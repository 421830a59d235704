package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/polarbookshop/edge-gateway/pkg/utils"
)

// Server holds the HTTP listener configuration.
type Server struct {
	ListenAddress  string         `yaml:"listenAddress"`
	TLSCertFile    string         `yaml:"tlsCertFile"`
	TLSKeyFile     string         `yaml:"tlsKeyFile"`
	TrustedProxies []string       `yaml:"trustedProxies"` // IPs/CIDRs to trust for X-Forwarded-For headers
	Timeouts       ServerTimeouts `yaml:"timeouts"`
	// ShutdownTimeout bounds graceful shutdown, draining in-flight requests.
	ShutdownTimeout string `yaml:"shutdownTimeout"`
}

// GetShutdownTimeout returns how long graceful shutdown may take.
func (s Server) GetShutdownTimeout() time.Duration {
	return parseDurationOrDefault(s.ShutdownTimeout, DefaultShutdownTimeout)
}

// Default listener timeouts. The gateway fronts slow mobile clients, so the
// read timeout is generous; header reads are bounded tightly to limit
// slowloris-style connections.
const (
	DefaultReadTimeout       = 30 * time.Second
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultWriteTimeout      = 30 * time.Second
	DefaultIdleTimeout       = 120 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20
	DefaultShutdownTimeout   = 30 * time.Second
)

// ServerTimeouts are Go duration strings; empty or invalid values fall back
// to the defaults above.
type ServerTimeouts struct {
	ReadTimeout       string `yaml:"readTimeout"`
	ReadHeaderTimeout string `yaml:"readHeaderTimeout"`
	WriteTimeout      string `yaml:"writeTimeout"`
	IdleTimeout       string `yaml:"idleTimeout"`
	MaxHeaderBytes    int    `yaml:"maxHeaderBytes"`
}

func parseDurationOrDefault(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func (t *ServerTimeouts) GetReadTimeout() time.Duration {
	return parseDurationOrDefault(t.ReadTimeout, DefaultReadTimeout)
}

func (t *ServerTimeouts) GetReadHeaderTimeout() time.Duration {
	return parseDurationOrDefault(t.ReadHeaderTimeout, DefaultReadHeaderTimeout)
}

func (t *ServerTimeouts) GetWriteTimeout() time.Duration {
	return parseDurationOrDefault(t.WriteTimeout, DefaultWriteTimeout)
}

func (t *ServerTimeouts) GetIdleTimeout() time.Duration {
	return parseDurationOrDefault(t.IdleTimeout, DefaultIdleTimeout)
}

func (t *ServerTimeouts) GetMaxHeaderBytes() int {
	if t.MaxHeaderBytes <= 0 {
		return DefaultMaxHeaderBytes
	}
	return t.MaxHeaderBytes
}

// Gateway holds gateway-wide settings.
type Gateway struct {
	// BaseURL is the externally visible base URL of the gateway. Used as the
	// post-logout redirect target and to build absolute redirect URIs.
	BaseURL string `yaml:"baseURL"`
	// StaticDir is served for the public landing page and assets.
	StaticDir string `yaml:"staticDir"`
}

// OIDC is the client registration for the external identity provider.
// The provider itself is opaque: only its protocol endpoints are consumed.
type OIDC struct {
	// Issuer is the OIDC issuer URL; authorization, token and JWKS endpoints
	// are discovered from it.
	Issuer       string   `yaml:"issuer"`
	ClientID     string   `yaml:"clientID"`
	ClientSecret string   `yaml:"clientSecret"`
	RedirectURI  string   `yaml:"redirectURI"`
	Scopes       []string `yaml:"scopes"`

	// EndSessionEndpoint overrides the discovered end_session_endpoint.
	EndSessionEndpoint string `yaml:"endSessionEndpoint"`
	// PostLogoutRedirectURI overrides the default of Gateway.BaseURL.
	PostLogoutRedirectURI string `yaml:"postLogoutRedirectURI"`

	// JWKSEndpoint is the path of the provider's key set, relative to the
	// issuer. Consumed by the bearer-JWT verifier.
	JWKSEndpoint string `yaml:"jwksEndpoint"`
	// BearerAudiences lists token audiences accepted for API clients that
	// authenticate with a bearer JWT instead of a session.
	BearerAudiences []string `yaml:"bearerAudiences"`

	// CertificateAuthority contains a PEM encoded CA certificate for TLS
	// validation of provider endpoints.
	CertificateAuthority string `yaml:"certificateAuthority"`
	// InsecureSkipVerify disables TLS verification (dev/e2e only).
	InsecureSkipVerify bool `yaml:"insecureSkipVerify"`
}

// Session configures the server-side session store.
type Session struct {
	CookieName string `yaml:"cookieName"`
	// TTL is the session lifetime as a Go duration string, e.g. "12h".
	TTL string `yaml:"ttl"`
	// CookieSecure marks the session cookie Secure. Disable only for
	// plain-HTTP development setups.
	CookieSecure bool `yaml:"cookieSecure"`
}

// TTLDuration returns the parsed session TTL.
func (s Session) TTLDuration() time.Duration {
	d, err := time.ParseDuration(s.TTL)
	if err != nil || d <= 0 {
		return 12 * time.Hour
	}
	return d
}

// CSRF configures the double-submit token guard.
type CSRF struct {
	CookieName string `yaml:"cookieName"`
	HeaderName string `yaml:"headerName"`
	// RotateOnLogin regenerates the token when a session is promoted to
	// authenticated. The token is otherwise stable for the session lifetime
	// so concurrently open tabs stay valid.
	RotateOnLogin bool `yaml:"rotateOnLogin"`
	// ExemptPaths are skipped by the guard entirely. The degraded
	// fallback endpoint must stay reachable for callers without a token.
	ExemptPaths []string `yaml:"exemptPaths"`
}

// Limit is a token-bucket rate limit.
type Limit struct {
	// Rate is the number of requests allowed per second.
	Rate float64 `yaml:"rate"`
	// Burst is the maximum number of requests allowed in a burst.
	Burst int `yaml:"burst"`
}

// RateLimit holds separate limits for authenticated and anonymous traffic.
// All anonymous requests share a single bucket.
type RateLimit struct {
	Enabled       bool  `yaml:"enabled"`
	Authenticated Limit `yaml:"authenticated"`
	Anonymous     Limit `yaml:"anonymous"`
}

// AccessRule classifies request paths. Rules are evaluated in order, first
// match wins; paths matching no rule require authentication.
type AccessRule struct {
	// Pattern is a path pattern: path.Match syntax plus a trailing "/**"
	// for prefix matches, e.g. "/books/**".
	Pattern string `yaml:"pattern"`
	// Methods restricts the rule to the listed HTTP methods. Empty means
	// all methods.
	Methods []string `yaml:"methods"`
	// Access is "public" or "authenticated".
	Access string `yaml:"access"`
}

// Route maps a path prefix to a backend service.
type Route struct {
	ID         string `yaml:"id"`
	PathPrefix string `yaml:"pathPrefix"`
	Backend    string `yaml:"backend"`
	// FallbackPath, when set, is served instead of an error response while
	// the backend's circuit is open or the call fails.
	FallbackPath string `yaml:"fallbackPath"`
}

// KafkaTLS configures transport security for the Kafka connection.
type KafkaTLS struct {
	Enabled  bool   `yaml:"enabled"`
	CAFile   string `yaml:"caFile"`
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
	// InsecureSkipVerify disables server certificate verification.
	// Only for testing.
	InsecureSkipVerify bool `yaml:"insecureSkipVerify"`
}

// KafkaSASL configures broker authentication.
type KafkaSASL struct {
	// Mechanism is one of PLAIN, SCRAM-SHA-256 or SCRAM-SHA-512.
	Mechanism string `yaml:"mechanism"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// Kafka configures the audit Kafka sink.
type Kafka struct {
	Brokers []string   `yaml:"brokers"`
	Topic   string     `yaml:"topic"`
	TLS     *KafkaTLS  `yaml:"tls"`
	SASL    *KafkaSASL `yaml:"sasl"`
}

// Audit configures the security audit trail.
type Audit struct {
	Enabled bool   `yaml:"enabled"`
	Kafka   *Kafka `yaml:"kafka"`
}

// Telemetry configures OpenTelemetry tracing.
type Telemetry struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"` // "otlp", "stdout" or "none"
	Endpoint     string  `yaml:"endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SamplingRate float64 `yaml:"samplingRate"`
}

// Config is the full gateway configuration.
type Config struct {
	Server    Server       `yaml:"server"`
	Gateway   Gateway      `yaml:"gateway"`
	OIDC      OIDC         `yaml:"oidc"`
	Session   Session      `yaml:"session"`
	CSRF      CSRF         `yaml:"csrf"`
	RateLimit RateLimit    `yaml:"rateLimit"`
	Access    []AccessRule `yaml:"access"`
	Routes    []Route      `yaml:"routes"`
	Audit     Audit        `yaml:"audit"`
	Telemetry Telemetry    `yaml:"telemetry"`
}

// Load loads the gateway configuration from a file path.
// If configPath is empty, defaults to "./config.yaml". The path can also be
// overridden via the EDGE_CONFIG_PATH environment variable.
func Load(configPath ...string) (Config, error) {
	var path string
	switch {
	case len(configPath) > 0 && configPath[0] != "":
		path = configPath[0]
	case os.Getenv("EDGE_CONFIG_PATH") != "":
		path = os.Getenv("EDGE_CONFIG_PATH")
	default:
		path = "./config.yaml"
	}

	var config Config

	content, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("trying to open edge gateway config file %s: %v", path, err)
	}

	err = yaml.Unmarshal(content, &config)
	if err != nil {
		return config, fmt.Errorf("error unmarshaling YAML %s: %v", path, err)
	}
	return config, nil
}

const defaultRegistrationID = "edge-gateway"

// Defaults fills unset fields with working defaults. The default access
// rules expose the landing page, static assets and the read-only catalog
// namespace; everything else requires authentication.
func (c *Config) Defaults() {
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = ":9000"
	}
	if c.Gateway.BaseURL == "" {
		c.Gateway.BaseURL = "http://localhost:9000"
	}
	if c.Gateway.StaticDir == "" {
		c.Gateway.StaticDir = "./static"
	}
	if len(c.OIDC.Scopes) == 0 {
		c.OIDC.Scopes = []string{"openid", "roles"}
	}
	if c.OIDC.RedirectURI == "" {
		c.OIDC.RedirectURI = c.Gateway.BaseURL + "/login/oauth2/code/" + defaultRegistrationID
	}
	if c.OIDC.PostLogoutRedirectURI == "" {
		c.OIDC.PostLogoutRedirectURI = c.Gateway.BaseURL
	}
	if c.OIDC.JWKSEndpoint == "" {
		c.OIDC.JWKSEndpoint = "protocol/openid-connect/certs"
	}
	if c.Session.CookieName == "" {
		c.Session.CookieName = "SESSION"
	}
	if c.Session.TTL == "" {
		c.Session.TTL = "12h"
	}
	if c.CSRF.CookieName == "" {
		c.CSRF.CookieName = "XSRF-TOKEN"
	}
	if c.CSRF.HeaderName == "" {
		c.CSRF.HeaderName = "X-XSRF-TOKEN"
	}
	if c.CSRF.ExemptPaths == nil {
		c.CSRF.ExemptPaths = []string{"/catalog-fallback"}
	}
	if c.RateLimit.Authenticated.Rate == 0 {
		c.RateLimit.Authenticated = Limit{Rate: 10, Burst: 20}
	}
	if c.RateLimit.Anonymous.Rate == 0 {
		c.RateLimit.Anonymous = Limit{Rate: 10, Burst: 20}
	}
	if len(c.Access) == 0 {
		c.Access = DefaultAccessRules()
	}
	if c.Telemetry.Exporter == "" {
		c.Telemetry.Exporter = "otlp"
	}
	if c.Telemetry.SamplingRate == 0 {
		c.Telemetry.SamplingRate = 1.0
	}
}

// DefaultAccessRules returns the bookshop access table.
func DefaultAccessRules() []AccessRule {
	return []AccessRule{
		{Pattern: "/", Access: "public"},
		{Pattern: "/*.css", Access: "public"},
		{Pattern: "/*.js", Access: "public"},
		{Pattern: "/favicon.ico", Access: "public"},
		{Pattern: "/books/**", Methods: []string{"GET"}, Access: "public"},
		// The provider redirects back here before a principal exists.
		{Pattern: "/login/oauth2/code/**", Access: "public"},
		// Logout enforces its own session and CSRF checks and must answer
		// 403, not a login redirect, for anonymous callers.
		{Pattern: "/logout", Methods: []string{"POST"}, Access: "public"},
		{Pattern: "/catalog-fallback", Access: "public"},
	}
}

// Validate reports configuration errors that would otherwise surface as
// confusing runtime failures.
func (c *Config) Validate() error {
	if c.OIDC.Issuer == "" {
		return fmt.Errorf("oidc.issuer is required")
	}
	if _, err := url.Parse(c.OIDC.Issuer); err != nil {
		return fmt.Errorf("oidc.issuer is not a valid URL: %v", err)
	}
	if c.OIDC.ClientID == "" {
		return fmt.Errorf("oidc.clientID is required")
	}
	for _, r := range c.Routes {
		if r.PathPrefix == "" || r.Backend == "" {
			return fmt.Errorf("route %q needs both pathPrefix and backend", r.ID)
		}
		if _, err := url.Parse(r.Backend); err != nil {
			return fmt.Errorf("route %q backend is not a valid URL: %v", r.ID, err)
		}
	}
	for _, a := range c.Access {
		if a.Access != "public" && a.Access != "authenticated" {
			return fmt.Errorf("access rule %q: access must be public or authenticated", a.Pattern)
		}
		if _, err := utils.PathPatternMatch(a.Pattern, "/"); err != nil {
			return fmt.Errorf("access rule %q: invalid pattern: %v", a.Pattern, err)
		}
	}
	return nil
}
