package config

import (
	"os"
	"time"
)

// Server captures process level configuration for the proctoring service.
type Server struct {
	Addr          string
	PostgresURL   string
	Redis         RedisConfig
	VerifierURL   string
	JWTSigningKey string
}

// RedisConfig holds pub/sub transport connection settings.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// FromEnv builds a Server config from environment variables so main stays lean.
func FromEnv() Server {
	addr := os.Getenv("INVIGIL_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	jwtSigningKey := os.Getenv("JWT_SIGNING_KEY")
	if jwtSigningKey == "" {
		jwtSigningKey = "dev-secret-key-change-in-production"
	}

	return Server{
		Addr:          addr,
		PostgresURL:   os.Getenv("DATABASE_URL"),
		Redis:         redisFromEnv(),
		VerifierURL:   os.Getenv("FACE_VERIFIER_URL"),
		JWTSigningKey: jwtSigningKey,
	}
}

func redisFromEnv() RedisConfig {
	return RedisConfig{
		URL:          os.Getenv("REDIS_URL"),
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}
