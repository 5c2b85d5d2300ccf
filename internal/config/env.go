package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// ServerEnv holds runtime settings for kf serve.
type ServerEnv struct {
	Addr                string `env:"KRAVFLYT_ADDR" envDefault:"127.0.0.1:8080"`
	BasePath            string `env:"KRAVFLYT_BASE_PATH" envDefault:"/v1"`
	JWTSecret           string `env:"KRAVFLYT_JWT_SECRET"`
	AllowHeaderIdentity bool   `env:"KRAVFLYT_ALLOW_HEADER_IDENTITY" envDefault:"false"`
	LogFormat           string `env:"KRAVFLYT_LOG_FORMAT" envDefault:"text"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
