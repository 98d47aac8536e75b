package config

import (
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// App holds the runtime configuration loaded from environment variables.
type App struct {
	Env      string
	HTTPPort string

	DatabasePath string
	RedisAddr    string
	QueueBackend string

	JWTIssuer     string
	JWTSigningKey string
	AccessTTL     time.Duration

	// NodeRole is "local" (primary, pushes snapshots) or "cloud" (replica,
	// receives snapshots). Fixed at startup, never negotiated.
	NodeRole     string
	CloudURL     string
	SyncAPIKey   string
	AutoSync     bool
	SyncInterval time.Duration

	ExpireSweepInterval time.Duration
	HeartbeatTTL        time.Duration
}

// Load returns application config populated from environment variables with
// sensible defaults. A .env file in the working directory is honored when
// present.
func Load() App {
	_ = godotenv.Load()

	return App{
		Env:      getEnv("APP_ENV", "dev"),
		HTTPPort: getEnv("HTTP_PORT", "8081"),

		DatabasePath: getEnv("DATABASE_PATH", "classtrack.db"),
		RedisAddr:    getEnv("REDIS_ADDR", "localhost:6379"),
		QueueBackend: getEnv("QUEUE_BACKEND", "redis"),

		JWTIssuer:     getEnv("JWT_ISSUER", "classtrack"),
		JWTSigningKey: getEnv("JWT_SIGNING_KEY", "dev-signing-secret-change"),
		AccessTTL:     durationEnv("ACCESS_TTL", 12*time.Hour),

		NodeRole:     getEnv("NODE_ROLE", "local"),
		CloudURL:     getEnv("CLOUD_URL", ""),
		SyncAPIKey:   getEnv("SYNC_API_KEY", ""),
		AutoSync:     boolEnv("AUTO_SYNC", false),
		SyncInterval: durationEnv("SYNC_INTERVAL", 5*time.Minute),

		ExpireSweepInterval: durationEnv("EXPIRE_SWEEP_INTERVAL", 5*time.Minute),
		HeartbeatTTL:        durationEnv("HEARTBEAT_TTL", 15*time.Second),
	}
}

// IsCloud reports whether this node runs as the replica.
func (a App) IsCloud() bool { return a.NodeRole == "cloud" }

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			log.Printf("invalid duration for %s: %v, using fallback %s", key, err, fallback)
			return fallback
		}
		return d
	}
	return fallback
}

func boolEnv(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if val == "1" || val == "true" || val == "TRUE" {
			return true
		}
		if val == "0" || val == "false" || val == "FALSE" {
			return false
		}
		log.Printf("invalid bool for %s, using fallback %v", key, fallback)
	}
	return fallback
}
