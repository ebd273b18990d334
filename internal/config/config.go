// Package config загружает конфигурацию сервиса: YAML-файл, затем .env и переменные окружения.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config - конфигурация сервиса.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Blog     BlogConfig     `yaml:"blog"`
	Supabase SupabaseConfig `yaml:"supabase"`
	Postgres PostgresConfig `yaml:"postgres"`
	S3       S3Config       `yaml:"s3"`
	Memory   MemoryConfig   `yaml:"memory"`
}

type ServerConfig struct {
	Port           string   `yaml:"port" env:"BLOG_SERVER_PORT"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"BLOG_LOG_LEVEL"`
	Env   string `yaml:"env" env:"BLOG_ENV"`
}

type BlogConfig struct {
	PageSize     int           `yaml:"page_size" env:"BLOG_PAGE_SIZE"`
	Bucket       string        `yaml:"bucket" env:"BLOG_BUCKET"`
	SignedURLTTL time.Duration `yaml:"signed_url_ttl" env:"BLOG_SIGNED_URL_TTL"`
}

type SupabaseConfig struct {
	URL               string        `yaml:"url" env:"BLOG_SUPABASE_URL"`
	AnonKey           string        `yaml:"anon_key" env:"BLOG_SUPABASE_ANON_KEY"`
	Timeout           time.Duration `yaml:"timeout" env:"BLOG_SUPABASE_TIMEOUT"`
	RequestsPerSecond float64       `yaml:"requests_per_second" env:"BLOG_SUPABASE_RPS"`
	MaxRetries        int           `yaml:"max_retries" env:"BLOG_SUPABASE_MAX_RETRIES"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn" env:"BLOG_POSTGRES_DSN"`
}

type S3Config struct {
	Endpoint        string `yaml:"endpoint" env:"BLOG_S3_ENDPOINT"`
	Region          string `yaml:"region" env:"BLOG_S3_REGION"`
	AccessKeyID     string `yaml:"access_key_id" env:"BLOG_S3_ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" env:"BLOG_S3_SECRET_ACCESS_KEY"`
	Bucket          string `yaml:"bucket" env:"BLOG_S3_BUCKET"`
	ForcePathStyle  bool   `yaml:"force_path_style" env:"BLOG_S3_FORCE_PATH_STYLE"`
}

type MemoryConfig struct {
	SigningSecret string `yaml:"signing_secret" env:"BLOG_MEMORY_SIGNING_SECRET"`
	PublicURL     string `yaml:"public_url" env:"BLOG_MEMORY_PUBLIC_URL"`
}

// Default возвращает значения, с которыми работает клиент без файла конфигурации.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080"},
		Log:    LogConfig{Level: "info", Env: "development"},
		Blog: BlogConfig{
			PageSize:     5,
			Bucket:       "blog-images",
			SignedURLTTL: time.Hour,
		},
		Supabase: SupabaseConfig{Timeout: 30 * time.Second, MaxRetries: 3},
		S3:       S3Config{Region: "us-east-1"},
	}
}

// Load читает YAML-файл поверх значений по умолчанию. Отсутствующий файл не ошибка.
// Затем применяются .env.local, .env и переменные окружения BLOG_*.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	LoadDotEnv()

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv загружает .env.local, затем .env. Уже заданные переменные не перезаписываются.
func LoadDotEnv() []string {
	candidates := []string{".env.local", ".env"}
	var loaded []string
	for _, f := range candidates {
		if _, err := os.Stat(f); err == nil {
			loaded = append(loaded, f)
		}
	}
	if len(loaded) > 0 {
		_ = godotenv.Load(loaded...)
	}
	return loaded
}

// Validate проверяет значения после загрузки.
func (c *Config) Validate() error {
	if c.Blog.PageSize < 1 {
		return fmt.Errorf("blog.page_size must be at least 1, got %d", c.Blog.PageSize)
	}
	if c.Blog.Bucket == "" {
		return errors.New("blog.bucket is required")
	}
	if c.Blog.SignedURLTTL <= 0 {
		return fmt.Errorf("blog.signed_url_ttl must be positive, got %s", c.Blog.SignedURLTTL)
	}
	if c.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if c.Supabase.MaxRetries < 0 {
		return fmt.Errorf("supabase.max_retries must not be negative, got %d", c.Supabase.MaxRetries)
	}
	if c.Supabase.RequestsPerSecond < 0 {
		return fmt.Errorf("supabase.requests_per_second must not be negative, got %v", c.Supabase.RequestsPerSecond)
	}
	return nil
}
