package config

import "time"

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment         string
	Addr                string
	DatabaseURL         string
	MigrationsDir       string
	SeedFile            string
	JWTSecret           string
	AccessTokenTTL      time.Duration
	RefreshTokenTTL     time.Duration
	LogLevel            string
	RedisAddr           string
	RedisPassword       string
	RedisDB             int
	RealtimeChannel     string
	RealtimeHeartbeat   time.Duration
	DefaultPointsPolicy int
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:         GetString("APP_ENV", "development"),
		Addr:                GetString("API_ADDR", ":4000"),
		DatabaseURL:         GetString("DATABASE_URL", "postgres://nut:nut@db:5432/nut?sslmode=disable"),
		MigrationsDir:       GetString("DB_MIGRATIONS_DIR", "api/db/migrations"),
		SeedFile:            GetString("SEED_FILE", "api/db/seed/demo.yaml"),
		JWTSecret:           GetString("JWT_SECRET", "supersecuresecret"),
		AccessTokenTTL:      time.Duration(GetInt("ACCESS_TOKEN_TTL_MIN", 60)) * time.Minute,
		RefreshTokenTTL:     time.Duration(GetInt("REFRESH_TOKEN_TTL_HOURS", 24*7)) * time.Hour,
		LogLevel:            GetString("LOG_LEVEL", "info"),
		RedisAddr:           GetString("REDIS_ADDR", ""),
		RedisPassword:       GetString("REDIS_PASSWORD", ""),
		RedisDB:             GetInt("REDIS_DB", 0),
		RealtimeChannel:     GetString("REALTIME_CHANNEL", "nut:changes"),
		RealtimeHeartbeat:   GetDuration("REALTIME_HEARTBEAT", 25*time.Second),
		DefaultPointsPolicy: GetInt("DEFAULT_POINTS_PER_DECONSIGNE", 5),
	}
}
