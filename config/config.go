package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/joho/godotenv"
)

type Config struct {
	// Client side.
	APIBaseURL   string        `env:"API_BASE_URL" envDefault:"http://localhost:8080"`
	WSURL        string        `env:"WS_URL" envDefault:"ws://localhost:8080/ws"`
	AuthToken    string        `env:"AUTH_TOKEN"`
	GroupCode    string        `env:"GROUP_CODE"`
	DisplayName  string        `env:"DISPLAY_NAME"`
	StorePath    string        `env:"STORE_PATH"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"10s"`
	KeepAlive    time.Duration `env:"KEEP_ALIVE" envDefault:"30s"`

	// Relay simulator.
	Port      int    `env:"PORT" envDefault:"8080"`
	JwtSecret string `env:"JWT_SECRET"`
}

func New() *Config {
	if loadErr := godotenv.Load(".env"); loadErr != nil {
		log.Printf("[Env]: unable to load .env file %v", loadErr)
	}

	var cfg Config

	if parseErr := env.Parse(&cfg); parseErr != nil {
		log.Printf("[Env]: failed to parse environment variables: %v", parseErr)
	}

	return &cfg
}
