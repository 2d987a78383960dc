package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models cdk.yml.
type Config struct {
	App struct {
		Name     string `yaml:"name"`
		Env      string `yaml:"env"`
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"app"`
	Session struct {
		CookieName string `yaml:"cookie_name"`
		Secret     string `yaml:"secret"`
		Domain     string `yaml:"domain"`
		AgeSeconds int    `yaml:"age_seconds"`
		HTTPOnly   bool   `yaml:"http_only"`
		Secure     bool   `yaml:"secure"`
	} `yaml:"session"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	OAuth2     OAuth2Config     `yaml:"oauth2"`
	ProjectApp ProjectAppConfig `yaml:"project_app"`
	Log        LogConfig        `yaml:"log"`
	Schedule   struct {
		ExpireProjectsCron string `yaml:"expire_projects_cron"`
	} `yaml:"schedule"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	Prefix   string `yaml:"prefix"`
}

type OAuth2Config struct {
	ClientID              string   `yaml:"client_id"`
	ClientSecret          string   `yaml:"client_secret"`
	RedirectURI           string   `yaml:"redirect_uri"`
	AuthorizationEndpoint string   `yaml:"authorization_endpoint"`
	TokenEndpoint         string   `yaml:"token_endpoint"`
	UserEndpoint          string   `yaml:"user_endpoint"`
	Scopes                []string `yaml:"scopes"`
	// SuccessRedirect is where the browser lands after a completed login.
	SuccessRedirect string `yaml:"success_redirect"`
}

// Enabled reports whether third-party login is configured.
func (o OAuth2Config) Enabled() bool {
	return o.ClientID != "" && o.AuthorizationEndpoint != "" && o.TokenEndpoint != "" && o.UserEndpoint != ""
}

type ProjectAppConfig struct {
	HiddenThreshold        int         `yaml:"hidden_threshold"`
	CreateProjectRateLimit []RateLimit `yaml:"create_project_rate_limit"`
}

// RateLimit is indexed by trust level in ProjectAppConfig.
type RateLimit struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	MaxCount        int `yaml:"max_count"`
}

// CreateLimitFor returns the project creation limit for a trust level.
func (p ProjectAppConfig) CreateLimitFor(trustLevel int) (RateLimit, bool) {
	if trustLevel < 0 || trustLevel >= len(p.CreateProjectRateLimit) {
		return RateLimit{}, false
	}
	l := p.CreateProjectRateLimit[trustLevel]
	if l.IntervalSeconds <= 0 || l.MaxCount <= 0 {
		return RateLimit{}, false
	}
	return l, true
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	FilePath   string `yaml:"file_path"`
	MaxSize    int    `yaml:"max_size"`
	MaxAge     int    `yaml:"max_age"`
	MaxBackups int    `yaml:"max_backups"`
	Compress   bool   `yaml:"compress"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.App.Addr == "" {
		return fmt.Errorf("config.app.addr is required")
	}
	if c.App.BasePath != "" && !strings.HasPrefix(c.App.BasePath, "/") {
		return fmt.Errorf("config.app.base_path must start with /")
	}
	if c.Session.CookieName == "" {
		return fmt.Errorf("config.session.cookie_name is required")
	}
	if c.Session.AgeSeconds <= 0 {
		return fmt.Errorf("config.session.age_seconds must be positive")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("config.database.path is required")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("config.redis.addr is required when redis is enabled")
	}
	if c.ProjectApp.HiddenThreshold < 0 {
		return fmt.Errorf("config.project_app.hidden_threshold must not be negative")
	}
	if len(c.ProjectApp.CreateProjectRateLimit) > 5 {
		return fmt.Errorf("config.project_app.create_project_rate_limit has more entries than trust levels")
	}
	switch strings.ToLower(c.Log.Output) {
	case "", "stdout", "stderr":
	case "file":
		if c.Log.FilePath == "" {
			return fmt.Errorf("config.log.file_path is required for file output")
		}
	default:
		return fmt.Errorf("config.log.output must be stdout, stderr or file")
	}
	if c.OAuth2.ClientID != "" {
		for name, raw := range map[string]string{
			"authorization_endpoint": c.OAuth2.AuthorizationEndpoint,
			"token_endpoint":         c.OAuth2.TokenEndpoint,
			"user_endpoint":          c.OAuth2.UserEndpoint,
		} {
			if _, err := url.ParseRequestURI(raw); err != nil {
				return fmt.Errorf("config.oauth2.%s is invalid: %w", name, err)
			}
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads config from path, falling back to defaults when path is empty.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; write one with cdk config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses config on top of the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

const defaultTemplate = `app:
  name: linux-do-cdk
  env: development
  addr: 127.0.0.1:8000
  base_path: /api/v1

session:
  cookie_name: linux_do_cdk_session_id
  secret: change-me
  domain: ""
  age_seconds: 86400
  http_only: true
  secure: false

database:
  path: ./data/cdk.db

redis:
  enabled: false
  addr: 127.0.0.1:6379
  db: 0
  pool_size: 10
  prefix: "cdk:"

oauth2:
  client_id: ""
  client_secret: ""
  redirect_uri: http://127.0.0.1:8000/api/v1/oauth/callback
  authorization_endpoint: https://connect.linux.do/oauth2/authorize
  token_endpoint: https://connect.linux.do/oauth2/token
  user_endpoint: https://connect.linux.do/api/user
  success_redirect: /

project_app:
  hidden_threshold: 5
  create_project_rate_limit:
    - interval_seconds: 86400
      max_count: 1
    - interval_seconds: 86400
      max_count: 5
    - interval_seconds: 3600
      max_count: 10
    - interval_seconds: 3600
      max_count: 30
    - interval_seconds: 60
      max_count: 10

log:
  level: info
  format: text
  output: stdout
  file_path: ./logs/cdk.log
  max_size: 100
  max_age: 30
  max_backups: 7
  compress: true

schedule:
  expire_projects_cron: "@every 1m"
`
