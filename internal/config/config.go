package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StorageDisk = "disk"
	StorageS3   = "s3"
)

// Config is the process configuration assembled from the environment.
type Config struct {
	ServerPort string
	// GinMode is passed to gin.SetMode: debug, release or test.
	GinMode string
	DB      *DBConfig

	JWTSecret          string
	JWTExpirationHours int64
	ActivationSecret   string
	ActivationURL      string
	ResetURL           string

	CookieSecure      bool
	CookieDomain      string
	CORSAllowedOrigin string

	InitialAdminEmail  string
	PhoneDefaultRegion string

	AvatarStorage       string
	UploadsDir          string
	S3                  S3Config
	AvatarSweepInterval time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	RabbitMQURL  string
	MailExchange string

	LogLevel  string
	LogFormat string
}

type S3Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	PublicBaseURL   string
}

// LoadDotEnv loads a .env file when one exists. It reports whether a file was read.
func LoadDotEnv() bool {
	return godotenv.Load() == nil
}

// Load reads the configuration from environment variables.
func Load() (*Config, error) {
	dbCfg, err := LoadDBConfig()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ServerPort:         GetString("SERVER_PORT", "8080"),
		GinMode:            GetString("GIN_MODE", "debug"),
		DB:                 dbCfg,
		JWTSecret:          os.Getenv("JWT_SECRET_KEY"),
		JWTExpirationHours: int64(GetInt("JWT_EXPIRATION_HOURS", 24)),
		ActivationSecret:   os.Getenv("ACTIVATION_SECRET"),
		ActivationURL:      GetString("ACTIVATION_URL", "http://localhost:3000/activation/"),
		ResetURL:           GetString("RESET_URL", "http://localhost:3000/reset-password/"),
		CookieSecure:       GetBool("COOKIE_SECURE", false),
		CookieDomain:       GetString("COOKIE_DOMAIN", ""),
		CORSAllowedOrigin:  GetString("CORS_ALLOWED_ORIGIN", "http://localhost:3000"),
		InitialAdminEmail:  strings.ToLower(GetString("INITIAL_ADMIN_EMAIL", "")),
		PhoneDefaultRegion: GetString("PHONE_DEFAULT_REGION", "US"),
		AvatarStorage:      GetString("AVATAR_STORAGE", StorageDisk),
		UploadsDir:         GetString("UPLOADS_DIR", "uploads"),
		S3: S3Config{
			Endpoint:        GetString("S3_ENDPOINT", ""),
			Region:          GetString("S3_REGION", "us-east-1"),
			Bucket:          GetString("S3_BUCKET", ""),
			AccessKeyID:     GetString("S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: GetString("S3_SECRET_ACCESS_KEY", ""),
			UsePathStyle:    GetBool("S3_USE_PATH_STYLE", true),
			PublicBaseURL:   GetString("S3_PUBLIC_BASE_URL", ""),
		},
		AvatarSweepInterval: time.Duration(GetInt("AVATAR_SWEEP_MINUTES", 60)) * time.Minute,
		RedisAddr:           GetString("REDIS_ADDR", ""),
		RedisPassword:       GetString("REDIS_PASSWORD", ""),
		RedisDB:             GetInt("REDIS_DB", 0),
		RabbitMQURL:         GetString("RABBITMQ_URL", ""),
		MailExchange:        GetString("MAIL_EXCHANGE", "account.events"),
		LogLevel:            GetString("LOG_LEVEL", "info"),
		LogFormat:           GetString("LOG_FORMAT", "console"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET_KEY not set in environment")
	}
	if c.ActivationSecret == "" {
		return fmt.Errorf("ACTIVATION_SECRET not set in environment")
	}
	if c.ActivationSecret == c.JWTSecret {
		return fmt.Errorf("ACTIVATION_SECRET must differ from JWT_SECRET_KEY")
	}
	if c.JWTExpirationHours <= 0 {
		return fmt.Errorf("JWT_EXPIRATION_HOURS must be positive")
	}
	switch c.GinMode {
	case "debug", "release", "test":
	default:
		return fmt.Errorf("unknown GIN_MODE %q", c.GinMode)
	}
	if c.AvatarSweepInterval <= 0 {
		return fmt.Errorf("AVATAR_SWEEP_MINUTES must be positive")
	}
	switch c.AvatarStorage {
	case StorageDisk:
	case StorageS3:
		if c.S3.Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when AVATAR_STORAGE=s3")
		}
	default:
		return fmt.Errorf("unknown AVATAR_STORAGE %q", c.AvatarStorage)
	}
	return nil
}

// GetString returns the env value or def when unset.
func GetString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

// GetInt returns the env value parsed as int, or def when unset or invalid.
func GetInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// GetBool returns the env value parsed as bool, or def when unset or invalid.
func GetBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
