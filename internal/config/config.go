package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "QUIRE"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "quire.db"
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultIssuer            = "quire"
	defaultCookieName        = "quire_session"
	defaultRoomIdleTTL       = 5 * time.Minute
	defaultRoomSweepInterval = 30 * time.Second
	defaultPresenceColor     = "#00BFFF"
	defaultSendQueue         = 64
	defaultWriteTimeout      = 5 * time.Second
	defaultHeartbeatInterval = 25 * time.Second
)

var colorPattern = regexp.MustCompile(`^#(?:[0-9a-fA-F]{3}|[0-9a-fA-F]{6}|[0-9a-fA-F]{8})$`)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string
	LogFormat    string

	SigningSecret string
	Issuer        string
	CookieName    string

	RoomIdleTTL       time.Duration
	RoomSweepInterval time.Duration

	PresenceDefaultColor string
	PresenceStaleAfter   time.Duration

	AllowedOrigins      []string
	WSSendQueue         int
	WSWriteTimeout      time.Duration
	WSHeartbeatInterval time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("rooms.idle_ttl", defaultRoomIdleTTL)
	configViper.SetDefault("rooms.sweep_interval", defaultRoomSweepInterval)
	configViper.SetDefault("presence.default_color", defaultPresenceColor)
	configViper.SetDefault("presence.stale_after", time.Duration(0))
	configViper.SetDefault("ws.allowed_origins", []string{})
	configViper.SetDefault("ws.send_queue", defaultSendQueue)
	configViper.SetDefault("ws.write_timeout", defaultWriteTimeout)
	configViper.SetDefault("ws.heartbeat_interval", defaultHeartbeatInterval)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          strings.TrimSpace(configViper.GetString("http.address")),
		DatabasePath:         strings.TrimSpace(configViper.GetString("database.path")),
		LogLevel:             configViper.GetString("log.level"),
		LogFormat:            strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),
		SigningSecret:        configViper.GetString("auth.signing_secret"),
		Issuer:               strings.TrimSpace(configViper.GetString("auth.issuer")),
		CookieName:           strings.TrimSpace(configViper.GetString("auth.cookie_name")),
		RoomIdleTTL:          configViper.GetDuration("rooms.idle_ttl"),
		RoomSweepInterval:    configViper.GetDuration("rooms.sweep_interval"),
		PresenceDefaultColor: strings.TrimSpace(configViper.GetString("presence.default_color")),
		PresenceStaleAfter:   configViper.GetDuration("presence.stale_after"),
		AllowedOrigins:       splitOrigins(configViper.GetStringSlice("ws.allowed_origins")),
		WSSendQueue:          configViper.GetInt("ws.send_queue"),
		WSWriteTimeout:       configViper.GetDuration("ws.write_timeout"),
		WSHeartbeatInterval:  configViper.GetDuration("ws.heartbeat_interval"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// splitOrigins accepts both a list and the comma separated form that
// environment variables produce.
func splitOrigins(raw []string) []string {
	origins := make([]string, 0, len(raw))
	for _, entry := range raw {
		for _, origin := range strings.Split(entry, ",") {
			origin = strings.TrimRight(strings.TrimSpace(origin), "/")
			if origin != "" {
				origins = append(origins, origin)
			}
		}
	}
	return origins
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.CookieName == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.Issuer == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.LogFormat)
	}
	if c.RoomIdleTTL <= 0 {
		return fmt.Errorf("rooms.idle_ttl must be positive")
	}
	if c.RoomSweepInterval <= 0 {
		return fmt.Errorf("rooms.sweep_interval must be positive")
	}
	if !colorPattern.MatchString(c.PresenceDefaultColor) {
		return fmt.Errorf("presence.default_color must be a hex color, got %q", c.PresenceDefaultColor)
	}
	if c.PresenceStaleAfter < 0 {
		return fmt.Errorf("presence.stale_after must not be negative")
	}
	if c.WSSendQueue <= 0 {
		return fmt.Errorf("ws.send_queue must be positive")
	}
	if c.WSWriteTimeout <= 0 {
		return fmt.Errorf("ws.write_timeout must be positive")
	}
	if c.WSHeartbeatInterval <= 0 {
		return fmt.Errorf("ws.heartbeat_interval must be positive")
	}
	for _, origin := range c.AllowedOrigins {
		if origin == "*" {
			continue
		}
		parsed, err := url.Parse(origin)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return fmt.Errorf("ws.allowed_origins entry %q must be an http(s) origin or *", origin)
		}
	}
	return nil
}
