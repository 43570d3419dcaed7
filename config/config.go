package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config stores the application configuration.
type Config struct {
	ServerAddr string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// Redis配置
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// MinIO（云存储源站）配置
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioRegion    string
	MinioUseSSL    bool
	// 存储桶开放匿名读时的外部访问地址，为空表示不支持持久分享链接
	MinioPublicBaseURL string

	// 临时播放链接的有效期（预签名URL寿命），按源站行为配置
	StreamLinkTTL time.Duration

	JWTSecret string

	// 预加载策略
	ImmediatePreloadCount  int
	BackgroundPreloadCount int
	MaxConcurrentPreloads  int
	URLValidationInterval  time.Duration

	// 源站请求节流
	MinRequestInterval  time.Duration
	RateLimitRetryWait  time.Duration
	RateLimitMaxRetries int

	LogLevel   string
	LogPath    string
	LogMaxSize int
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvInt gets an environment variable as int or returns a default value.
func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

// getEnvBool gets an environment variable as bool or returns a default value.
func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return fallback
}

// getEnvDuration gets an environment variable as time.Duration or returns a default value.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

// Load loads configuration from environment variables (via .env file) or defaults.
func Load() *Config {
	// godotenv.Load() will not override existing env vars.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found or error loading .env, relying on existing environment variables and defaults.")
	}

	return &Config{
		ServerAddr: getEnv("SERVER_ADDR", ":8080"),

		DBHost:     getEnv("DB_HOST", "127.0.0.1"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "root"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBName:     getEnv("DB_NAME", "musicsync"),

		// Redis配置，使用默认值
		RedisHost:     getEnv("REDIS_HOST", "127.0.0.1"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		MinioEndpoint:      getEnv("MINIO_ENDPOINT", "127.0.0.1:9000"),
		MinioAccessKey:     os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey:     os.Getenv("MINIO_SECRET_KEY"),
		MinioBucket:        getEnv("MINIO_BUCKET", "musicsync"),
		MinioRegion:        getEnv("MINIO_REGION", ""),
		MinioUseSSL:        getEnvBool("MINIO_USE_SSL", false),
		MinioPublicBaseURL: getEnv("MINIO_PUBLIC_BASE_URL", ""),

		StreamLinkTTL: getEnvDuration("STREAM_LINK_TTL", 4*time.Hour),

		JWTSecret: getEnv("JWT_SECRET", "musicsync-dev-secret"),

		ImmediatePreloadCount:  getEnvInt("PRELOAD_IMMEDIATE_COUNT", 3),
		BackgroundPreloadCount: getEnvInt("PRELOAD_BACKGROUND_COUNT", 8),
		MaxConcurrentPreloads:  getEnvInt("PRELOAD_MAX_CONCURRENT", 2),
		URLValidationInterval:  getEnvDuration("PRELOAD_VALIDATION_INTERVAL", 30*time.Minute),

		MinRequestInterval:  getEnvDuration("ORIGIN_MIN_REQUEST_INTERVAL", 100*time.Millisecond),
		RateLimitRetryWait:  getEnvDuration("ORIGIN_RATE_LIMIT_RETRY_WAIT", 2*time.Second),
		RateLimitMaxRetries: getEnvInt("ORIGIN_RATE_LIMIT_MAX_RETRIES", 3),

		LogLevel:   getEnv("LOG_LEVEL", "info"),
		LogPath:    getEnv("LOG_PATH", ""),
		LogMaxSize: getEnvInt("LOG_MAX_SIZE", 100),
	}
}
