package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	Environment   string `mapstructure:"environment"`
	DevModeBypass bool   `mapstructure:"dev_mode_bypass"`
	LogLevel      string `mapstructure:"log_level"`
	HTTP          struct {
		Addr      string  `mapstructure:"addr"`
		RateLimit float64 `mapstructure:"rate_limit"`
	} `mapstructure:"http"`
	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	Auth struct {
		Issuer          string `mapstructure:"issuer"`
		ClientID        string `mapstructure:"client_id"`
		ClientSecret    string `mapstructure:"client_secret"`
		RedirectURL     string `mapstructure:"redirect_url"`
		SwaggerClientID string `mapstructure:"swagger_client_id"`
		WebhookSecret   string `mapstructure:"webhook_secret"`
	} `mapstructure:"auth"`
	Encryption struct {
		Key string `mapstructure:"key"`
	} `mapstructure:"encryption"`
	Google  OAuthClient `mapstructure:"google"`
	Slack   OAuthClient `mapstructure:"slack"`
	Hubspot OAuthClient `mapstructure:"hubspot"`
	Runtime struct {
		MaxAttempts    int           `mapstructure:"max_attempts"`
		InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	} `mapstructure:"runtime"`
	TLS struct {
		Enable    bool     `mapstructure:"enable"`
		CertFile  string   `mapstructure:"cert_file"`
		KeyFile   string   `mapstructure:"key_file"`
		Hostnames []string `mapstructure:"hostnames"`
	} `mapstructure:"tls"`
}

// OAuthClient is the client registration used to refresh and obtain tokens
// for one third-party provider.
type OAuthClient struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RedirectURL  string `mapstructure:"redirect_url"`
}

// IsDev reports whether the service runs in the DEV environment.
func (c *Config) IsDev() bool {
	return strings.EqualFold(c.Environment, "DEV")
}

// LoadConfig loads the configuration from a file and the environment. When
// path is empty, config.yaml is looked up in the working directory and in
// ./config.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix("FLOWDECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.Auth.Issuer = normalizeIssuer(config.Auth.Issuer)

	if config.Encryption.Key == "" {
		return nil, errors.New("encryption.key is required")
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "PROD")
	v.SetDefault("log_level", "info")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.rate_limit", 20)
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("runtime.max_attempts", 4)
	v.SetDefault("runtime.initial_backoff", time.Second)
	// AutomaticEnv only resolves keys viper already knows about.
	for _, key := range []string{
		"dev_mode_bypass", "db.user", "db.password", "db.name",
		"auth.issuer", "auth.client_id", "auth.client_secret", "auth.redirect_url", "auth.swagger_client_id", "auth.webhook_secret",
		"encryption.key",
		"google.client_id", "google.client_secret", "google.redirect_url",
		"slack.client_id", "slack.client_secret",
		"hubspot.client_id", "hubspot.client_secret",
	} {
		v.SetDefault(key, "")
	}
}

// normalizeIssuer removes any trailing slash so users can paste the full URL
// from the identity provider console.
func normalizeIssuer(input string) string {
	return strings.TrimRight(strings.TrimSpace(input), "/")
}
