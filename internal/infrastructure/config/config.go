package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends
const (
	StoreBackendMemory = "memory"
	StoreBackendMySQL  = "mysql"
	StoreBackendMongo  = "mongo"
)

// CallbackPath プロバイダーに登録するWebhookのパス
const CallbackPath = "/api/payments/callback"

// Config アプリケーション全体の設定
type Config struct {
	Server        ServerConfig
	Provider      ProviderConfig
	Callback      CallbackConfig
	Store         StoreConfig
	Database      DatabaseConfig
	Mongo         MongoConfig
	GRPC          GRPCConfig
	OpenTelemetry OpenTelemetryConfig
	Environment   string
}

// ServerConfig サーバー設定
type ServerConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	StaticDir    string
}

// ProviderConfig 決済プロバイダー設定
type ProviderConfig struct {
	Name          string
	APIKey        string
	BaseURL       string
	PublicBaseURL string
	Timeout       time.Duration
}

// CallbackConfig Webhook受信設定
type CallbackConfig struct {
	SigningSecret string
	// FallbackOldestPending 識別子のないWebhookを最も古いpendingに適用するか
	FallbackOldestPending bool
}

// StoreConfig トランザクションストア設定
type StoreConfig struct {
	Backend       string
	TTL           time.Duration
	SweepInterval time.Duration
}

// DatabaseConfig データベース設定
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// MongoConfig MongoDB設定
type MongoConfig struct {
	URI        string
	Database   string
	Collection string
}

// GRPCConfig gRPC設定
type GRPCConfig struct {
	Enabled bool
}

// OpenTelemetryConfig OpenTelemetry設定
type OpenTelemetryConfig struct {
	Enabled         bool
	ServiceName     string
	ServiceVersion  string
	OTLPEndpoint    string
	OTLPInsecure    bool
	TraceExporter   string // "otlp", "stdout"
	MetricsExporter string // "otlp", "stdout"
}

// Load 設定を読み込む
func Load() (*Config, error) {
	// .envファイルを読み込む（存在しない場合は無視）
	_ = godotenv.Load()

	env := getEnv("ENVIRONMENT", "development")

	cfg := &Config{
		Environment: env,
		Server: ServerConfig{
			Port:         getEnvAsInt("SERVER_PORT", 3000),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			StaticDir:    getEnv("STATIC_DIR", "public"),
		},
		Provider: ProviderConfig{
			Name:    getEnv("PROVIDER_NAME", "lipia"),
			APIKey:  getEnv("LIPIA_API_KEY", ""),
			BaseURL: strings.TrimRight(getEnv("PROVIDER_BASE_URL", "https://lipia-api.kreativelabske.com/api/v2"), "/"),
			// NGROK_URLは旧設定名
			PublicBaseURL: strings.TrimRight(getEnv("PUBLIC_BASE_URL", getEnv("NGROK_URL", "")), "/"),
			Timeout:       getEnvAsDuration("PROVIDER_TIMEOUT", 15*time.Second),
		},
		Callback: CallbackConfig{
			SigningSecret:         getEnv("CALLBACK_SIGNING_SECRET", ""),
			FallbackOldestPending: getEnvAsBool("CALLBACK_FALLBACK_OLDEST_PENDING", true),
		},
		Store: StoreConfig{
			Backend:       strings.ToLower(getEnv("STORE_BACKEND", StoreBackendMemory)),
			TTL:           getEnvAsDuration("STORE_TTL", 24*time.Hour),
			SweepInterval: getEnvAsDuration("STORE_SWEEP_INTERVAL", 10*time.Minute),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvAsInt("DB_PORT", 3306),
			User:            getEnv("DB_USER", "root"),
			Password:        getEnv("DB_PASSWORD", ""),
			Database:        getEnv("DB_NAME", "stk_relay"),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: getEnvAsDuration("DB_CONN_MAX_IDLE_TIME", 10*time.Minute),
		},
		Mongo: MongoConfig{
			URI:        getEnv("MONGO_URI", "mongodb://localhost:27017"),
			Database:   getEnv("MONGO_DATABASE", "stk_relay"),
			Collection: getEnv("MONGO_COLLECTION", "transactions"),
		},
		GRPC: GRPCConfig{
			Enabled: getEnvAsBool("GRPC_ENABLED", false),
		},
		OpenTelemetry: OpenTelemetryConfig{
			Enabled:         getEnvAsBool("OTEL_ENABLED", false),
			ServiceName:     getEnv("OTEL_SERVICE_NAME", "stk-relay"),
			ServiceVersion:  getEnv("OTEL_SERVICE_VERSION", "1.0.0"),
			OTLPEndpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
			OTLPInsecure:    getEnvAsBool("OTEL_EXPORTER_OTLP_INSECURE", true),
			TraceExporter:   getEnv("OTEL_TRACES_EXPORTER", "otlp"),
			MetricsExporter: getEnv("OTEL_METRICS_EXPORTER", "otlp"),
		},
	}

	// 必須設定の検証
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	// 署名鍵が未設定の場合はプロセスごとに生成（インメモリストアと寿命が同じ）
	if cfg.Callback.SigningSecret == "" {
		secret, err := randomSecret()
		if err != nil {
			return nil, fmt.Errorf("failed to generate callback signing secret: %w", err)
		}
		cfg.Callback.SigningSecret = secret
	}

	return cfg, nil
}

// validate 設定の検証
func (c *Config) validate() error {
	if c.Provider.APIKey == "" {
		return fmt.Errorf("LIPIA_API_KEY is required")
	}
	if c.Provider.PublicBaseURL == "" {
		return fmt.Errorf("PUBLIC_BASE_URL is required")
	}
	if _, err := url.ParseRequestURI(c.Provider.PublicBaseURL); err != nil {
		return fmt.Errorf("PUBLIC_BASE_URL is invalid: %w", err)
	}
	if _, err := url.ParseRequestURI(c.Provider.BaseURL); err != nil {
		return fmt.Errorf("PROVIDER_BASE_URL is invalid: %w", err)
	}
	if c.Provider.Timeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be positive")
	}
	if c.Store.TTL <= 0 {
		return fmt.Errorf("STORE_TTL must be positive")
	}
	if c.Store.SweepInterval <= 0 {
		return fmt.Errorf("STORE_SWEEP_INTERVAL must be positive")
	}

	switch c.Store.Backend {
	case StoreBackendMemory:
	case StoreBackendMySQL:
		if c.Database.Host == "" {
			return fmt.Errorf("DB_HOST is required")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("DB_NAME is required")
		}
	case StoreBackendMongo:
		if c.Mongo.URI == "" {
			return fmt.Errorf("MONGO_URI is required")
		}
	default:
		return fmt.Errorf("unsupported STORE_BACKEND: %s", c.Store.Backend)
	}
	return nil
}

// CallbackURL Webhookの受信URLを返す
func (c *ProviderConfig) CallbackURL() string {
	return c.PublicBaseURL + CallbackPath
}

// DSN データベース接続文字列を返す
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.Database,
	)
}

// randomSecret ランダムな署名鍵を生成
func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// getEnv 環境変数を取得（デフォルト値付き）
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt 環境変数を整数として取得
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool 環境変数を真偽値として取得
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration 環境変数を時間として取得
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
