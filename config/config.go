// Package config loads client settings from YAML and the environment.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"gopkg.in/yaml.v3"

	"oidcclient/claims"
	"oidcclient/events"
	"oidcclient/exchange"
	"oidcclient/metadata"
	"oidcclient/oidcerr"
	"oidcclient/protocol"
	"oidcclient/store"
)

// Defaults for settings left unset.
const (
	DefaultResponseType         = "id_token"
	DefaultScope                = oidc.ScopeOpenID
	DefaultClientAuthentication = exchange.AuthClientSecretPost
	DefaultStaleStateAge        = 15 * time.Minute
	DefaultClockSkew            = 5 * time.Minute
	DefaultUserInfoJWTIssuer    = claims.IssuerOP
	DefaultHTTPTimeout          = 10 * time.Second
)

// State store types.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Config is the full configuration of the client and the sample relying
// party.
type Config struct {
	Client      ClientConfig     `yaml:"client"`
	StateStore  StateStoreConfig `yaml:"state_store"`
	HTTPTimeout time.Duration    `yaml:"http_timeout"`
	Server      ServerConfig     `yaml:"server"`
}

// ClientConfig holds the protocol settings of the relying party.
type ClientConfig struct {
	Authority    string           `yaml:"authority"`
	MetadataURL  string           `yaml:"metadata_url,omitempty"`
	Metadata     map[string]any   `yaml:"metadata,omitempty"`
	MetadataSeed map[string]any   `yaml:"metadata_seed,omitempty"`
	SigningKeys  []map[string]any `yaml:"signing_keys,omitempty"`

	ClientID             string `yaml:"client_id"`
	ClientSecret         string `yaml:"client_secret,omitempty"`
	ClientAuthentication string `yaml:"client_authentication"`

	RedirectURI           string `yaml:"redirect_uri"`
	PostLogoutRedirectURI string `yaml:"post_logout_redirect_uri,omitempty"`
	ResponseType          string `yaml:"response_type"`
	Scope                 string `yaml:"scope"`
	Prompt                string `yaml:"prompt,omitempty"`
	Display               string `yaml:"display,omitempty"`
	MaxAge                *int   `yaml:"max_age,omitempty"`
	UILocales             string `yaml:"ui_locales,omitempty"`
	AcrValues             string `yaml:"acr_values,omitempty"`
	Resource              string `yaml:"resource,omitempty"`
	ResponseMode          string `yaml:"response_mode,omitempty"`

	// FilterProtocolClaims and LoadUserInfo default to true when unset.
	FilterProtocolClaims *bool `yaml:"filter_protocol_claims,omitempty"`
	LoadUserInfo         *bool `yaml:"load_user_info,omitempty"`
	MergeClaims          bool  `yaml:"merge_claims"`

	StaleStateAge                       time.Duration `yaml:"stale_state_age"`
	ClockSkew                           time.Duration `yaml:"clock_skew"`
	UserInfoJWTIssuer                   string        `yaml:"user_info_jwt_issuer"`
	AccessTokenExpiringNotificationTime time.Duration `yaml:"access_token_expiring_notification_time"`

	ExtraQueryParams protocol.Params `yaml:"extra_query_params,omitempty"`
	ExtraTokenParams protocol.Params `yaml:"extra_token_params,omitempty"`
}

// StateStoreConfig selects where signin and signout state is kept.
type StateStoreConfig struct {
	Type     string        `yaml:"type"`
	Prefix   string        `yaml:"prefix"`
	Addr     string        `yaml:"addr,omitempty"`
	Password string        `yaml:"password,omitempty"`
	DB       int           `yaml:"db,omitempty"`
	TTL      time.Duration `yaml:"ttl,omitempty"`
}

// ServerConfig controls the listener of the sample relying party.
type ServerConfig struct {
	DevMode         bool      `yaml:"dev_mode"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	SecretsPath     string    `yaml:"secrets_path"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains []string `yaml:"domains"`
	Email   string   `yaml:"email"`
}

// Load reads the YAML file at path, applies OIDCCLIENT_* environment
// overrides and validates the result. An empty path yields the defaults
// plus overrides.
func Load(path string, logger *slog.Logger) (Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := DefaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(stripYAMLComments(b)))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				logger.Error("configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			logger.Error("failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		logger.Error("configuration validation failed", "error", err)
		return Config{}, err
	}
	return cfg, nil
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Client: ClientConfig{
			ClientAuthentication:                DefaultClientAuthentication,
			ResponseType:                        DefaultResponseType,
			Scope:                               DefaultScope,
			FilterProtocolClaims:                boolPtr(true),
			LoadUserInfo:                        boolPtr(true),
			MergeClaims:                         false,
			StaleStateAge:                       DefaultStaleStateAge,
			ClockSkew:                           DefaultClockSkew,
			UserInfoJWTIssuer:                   DefaultUserInfoJWTIssuer,
			AccessTokenExpiringNotificationTime: events.DefaultExpiringNotificationTime,
		},
		StateStore: StateStoreConfig{
			Type:   StoreMemory,
			Prefix: store.DefaultPrefix,
		},
		HTTPTimeout: DefaultHTTPTimeout,
		Server: ServerConfig{
			DevMode:         true,
			DevListenAddr:   "127.0.0.1:3000",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			SecretsPath:     ".secrets",
		},
	}
}

// Validate checks the settings eagerly so misconfiguration surfaces at
// startup rather than on first use. Listener settings are checked by the
// server that uses them, see ServerConfig.Validate.
func (c Config) Validate() error {
	if err := c.Client.Validate(); err != nil {
		return err
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"state_store.ttl", c.StateStore.TTL},
		{"http_timeout", c.HTTPTimeout},
	}
	for _, d := range durations {
		if d.d < 0 {
			return oidcerr.Configuration("%s must not be negative, got: %s", d.name, d.d)
		}
	}

	switch c.StateStore.Type {
	case StoreMemory:
	case StoreRedis:
		if c.StateStore.Addr == "" {
			return oidcerr.Configuration("state_store.addr is required for redis")
		}
	default:
		return oidcerr.Configuration("state_store.type must be %q or %q, got: %s", StoreMemory, StoreRedis, c.StateStore.Type)
	}
	return nil
}

// Validate checks the client settings.
func (cl ClientConfig) Validate() error {
	if cl.Authority == "" && cl.MetadataURL == "" && len(cl.Metadata) == 0 {
		return oidcerr.Configuration("client.authority, client.metadata_url or client.metadata is required")
	}
	if cl.Authority != "" && !isHTTPURL(cl.Authority) {
		return oidcerr.Configuration("client.authority must start with http:// or https://, got: %s", cl.Authority)
	}
	if cl.ClientID == "" {
		return oidcerr.Configuration("client.client_id is required")
	}
	if cl.UserInfoJWTIssuer == "" {
		return oidcerr.Configuration("client.user_info_jwt_issuer must not be empty")
	}
	switch cl.ClientAuthentication {
	case exchange.AuthClientSecretPost, exchange.AuthClientSecretBasic:
	default:
		return oidcerr.Configuration("client.client_authentication must be %q or %q, got: %s",
			exchange.AuthClientSecretPost, exchange.AuthClientSecretBasic, cl.ClientAuthentication)
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"client.stale_state_age", cl.StaleStateAge},
		{"client.clock_skew", cl.ClockSkew},
		{"client.access_token_expiring_notification_time", cl.AccessTokenExpiringNotificationTime},
	}
	for _, d := range durations {
		if d.d < 0 {
			return oidcerr.Configuration("%s must not be negative, got: %s", d.name, d.d)
		}
	}
	if cl.MaxAge != nil && *cl.MaxAge < 0 {
		return oidcerr.Configuration("client.max_age must not be negative")
	}

	if _, err := cl.Keys(); err != nil {
		return err
	}
	return nil
}

// WithDefaults returns a copy with every unset setting taken from the
// default table. Zero durations count as unset.
func (cl ClientConfig) WithDefaults() ClientConfig {
	def := DefaultConfig().Client
	fill := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	fill(&cl.ResponseType, def.ResponseType)
	fill(&cl.Scope, def.Scope)
	fill(&cl.ClientAuthentication, def.ClientAuthentication)
	fill(&cl.UserInfoJWTIssuer, def.UserInfoJWTIssuer)
	if cl.StaleStateAge == 0 {
		cl.StaleStateAge = def.StaleStateAge
	}
	if cl.ClockSkew == 0 {
		cl.ClockSkew = def.ClockSkew
	}
	if cl.AccessTokenExpiringNotificationTime == 0 {
		cl.AccessTokenExpiringNotificationTime = def.AccessTokenExpiringNotificationTime
	}
	if cl.FilterProtocolClaims == nil {
		cl.FilterProtocolClaims = def.FilterProtocolClaims
	}
	if cl.LoadUserInfo == nil {
		cl.LoadUserInfo = def.LoadUserInfo
	}
	return cl
}

// ShouldFilterProtocolClaims reports whether protocol claims are removed
// from the profile.
func (cl ClientConfig) ShouldFilterProtocolClaims() bool {
	return cl.FilterProtocolClaims == nil || *cl.FilterProtocolClaims
}

// ShouldLoadUserInfo reports whether the userinfo endpoint is queried after
// signin.
func (cl ClientConfig) ShouldLoadUserInfo() bool {
	return cl.LoadUserInfo == nil || *cl.LoadUserInfo
}

// Validate checks the listener settings of the sample relying party.
func (s ServerConfig) Validate() error {
	if !s.DevMode && len(s.TLS.Domains) == 0 {
		return oidcerr.Configuration("server.tls.domains must be provided in production")
	}
	return nil
}

func boolPtr(v bool) *bool {
	return &v
}

// Keys converts the inline signing keys.
func (cl ClientConfig) Keys() ([]metadata.SigningKey, error) {
	if len(cl.SigningKeys) == 0 {
		return nil, nil
	}
	out := make([]metadata.SigningKey, 0, len(cl.SigningKeys))
	for i, raw := range cl.SigningKeys {
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, oidcerr.Wrap(err, oidcerr.KindConfiguration, fmt.Sprintf("client.signing_keys[%d]", i))
		}
		var key metadata.SigningKey
		if err := json.Unmarshal(b, &key); err != nil {
			return nil, oidcerr.Wrap(err, oidcerr.KindConfiguration, fmt.Sprintf("client.signing_keys[%d]", i))
		}
		if key.Kty == "" {
			return nil, oidcerr.Configuration("client.signing_keys[%d]: kty is required", i)
		}
		out = append(out, key)
	}
	return out, nil
}

// MetadataSettings maps the client config onto the metadata service.
func (cl ClientConfig) MetadataSettings() (metadata.Settings, error) {
	keys, err := cl.Keys()
	if err != nil {
		return metadata.Settings{}, err
	}
	return metadata.Settings{
		Authority:   cl.Authority,
		MetadataURL: cl.MetadataURL,
		Metadata:    cl.Metadata,
		Seed:        cl.MetadataSeed,
		SigningKeys: keys,
	}, nil
}

// Scopes splits Scope.
func (cl ClientConfig) Scopes() []string {
	return strings.Fields(cl.Scope)
}

func isHTTPURL(v string) bool {
	return strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://")
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	cl := &cfg.Client
	overrides := map[string]func(string){
		"OIDCCLIENT_AUTHORITY":                func(v string) { cl.Authority = v },
		"OIDCCLIENT_METADATA_URL":             func(v string) { cl.MetadataURL = v },
		"OIDCCLIENT_CLIENT_ID":                func(v string) { cl.ClientID = v },
		"OIDCCLIENT_CLIENT_SECRET":            func(v string) { cl.ClientSecret = v },
		"OIDCCLIENT_CLIENT_AUTHENTICATION":    func(v string) { cl.ClientAuthentication = v },
		"OIDCCLIENT_REDIRECT_URI":             func(v string) { cl.RedirectURI = v },
		"OIDCCLIENT_POST_LOGOUT_REDIRECT_URI": func(v string) { cl.PostLogoutRedirectURI = v },
		"OIDCCLIENT_RESPONSE_TYPE":            func(v string) { cl.ResponseType = v },
		"OIDCCLIENT_SCOPE":                    func(v string) { cl.Scope = v },
		"OIDCCLIENT_RESPONSE_MODE":            func(v string) { cl.ResponseMode = v },
		"OIDCCLIENT_FILTER_PROTOCOL_CLAIMS":   func(v string) { cl.FilterProtocolClaims = boolPtr(parseBool(v, cl.ShouldFilterProtocolClaims())) },
		"OIDCCLIENT_LOAD_USER_INFO":           func(v string) { cl.LoadUserInfo = boolPtr(parseBool(v, cl.ShouldLoadUserInfo())) },
		"OIDCCLIENT_MERGE_CLAIMS":             func(v string) { cl.MergeClaims = parseBool(v, cl.MergeClaims) },
		"OIDCCLIENT_STALE_STATE_AGE":          func(v string) { cl.StaleStateAge = parseDuration(v, cl.StaleStateAge) },
		"OIDCCLIENT_CLOCK_SKEW":               func(v string) { cl.ClockSkew = parseDuration(v, cl.ClockSkew) },
		"OIDCCLIENT_USER_INFO_JWT_ISSUER":     func(v string) { cl.UserInfoJWTIssuer = v },
		"OIDCCLIENT_STATE_STORE_TYPE":         func(v string) { cfg.StateStore.Type = v },
		"OIDCCLIENT_STATE_STORE_PREFIX":       func(v string) { cfg.StateStore.Prefix = v },
		"OIDCCLIENT_STATE_STORE_ADDR":         func(v string) { cfg.StateStore.Addr = v },
		"OIDCCLIENT_STATE_STORE_PASSWORD":     func(v string) { cfg.StateStore.Password = v },
		"OIDCCLIENT_STATE_STORE_DB":           func(v string) { cfg.StateStore.DB = parseInt(v, cfg.StateStore.DB) },
		"OIDCCLIENT_HTTP_TIMEOUT":             func(v string) { cfg.HTTPTimeout = parseDuration(v, cfg.HTTPTimeout) },
		"OIDCCLIENT_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"OIDCCLIENT_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"OIDCCLIENT_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"OIDCCLIENT_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"OIDCCLIENT_ACCESS_TOKEN_EXPIRING_NOTIFICATION_TIME": func(v string) {
			cl.AccessTokenExpiringNotificationTime = parseDuration(v, cl.AccessTokenExpiringNotificationTime)
		},
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return d
}

func parseInt(val string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return n
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Write marshals cfg to path.
func Write(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
