package boot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Env     string `env:"ENV,default=dev"`
	DataDir string `env:"DATA_DIR,default=."`
	Server  struct {
		Port        string `env:"PORT,default=8080"`
		MetricsPort string `env:"METRICS_PORT,default=8081"`
		Origins     string `env:"ALLOWED_ORIGINS,default=*"`
	}
	Auth struct {
		Secret    string `env:"JWT_SECRET,default=insecure-dev-secret"`
		PublicJWK string `env:"JWT_PUBLIC_JWK"`
	}
	Chat struct {
		Mode                 string        `env:"CHAT_MODE,default=live"`
		ReadDebounce         time.Duration `env:"CHAT_READ_DEBOUNCE,default=500ms"`
		ReconnectInitial     time.Duration `env:"CHAT_RECONNECT_INITIAL,default=250ms"`
		ReconnectMaxInterval time.Duration `env:"CHAT_RECONNECT_MAX_INTERVAL,default=10s"`
		ReconnectMaxRetries  uint64        `env:"CHAT_RECONNECT_MAX_RETRIES,default=5"`
		FixtureFile          string        `env:"CHAT_FIXTURE_FILE"`
	}
	Client struct {
		ServerURL string `env:"CHAT_SERVER_URL,default=http://localhost:8080"`
		Token     string `env:"CHAT_TOKEN"`
	}
	Redis struct {
		URL string `env:"REDIS_URL"`
	}
}

func Load() (*Config, error) {
	config := &Config{}
	if err := envconfig.Process(context.Background(), config); err != nil {
		return nil, fmt.Errorf("parsing env vars: %w", err)
	}
	if config.IsProduction() && config.Auth.Secret == "insecure-dev-secret" {
		return nil, fmt.Errorf("JWT_SECRET must be set in production")
	}
	return config, nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "prod"
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "dev"
}

func (c *Config) DataDirectory() string {
	return c.DataDir
}

func (c *Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.Server.Origins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}
