package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("defaults without file", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		require.NoError(t, err, "Отсутствующий файл не должен быть ошибкой")
		assert.Equal(t, 5, cfg.Blog.PageSize)
		assert.Equal(t, "blog-images", cfg.Blog.Bucket)
		assert.Equal(t, time.Hour, cfg.Blog.SignedURLTTL)
	})

	t.Run("yaml overrides defaults", func(t *testing.T) {
		path := writeConfig(t, `
server:
  port: "9090"
blog:
  page_size: 10
  signed_url_ttl: 30m
supabase:
  url: https://project.supabase.co
  anon_key: key
`)
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "9090", cfg.Server.Port)
		assert.Equal(t, 10, cfg.Blog.PageSize)
		assert.Equal(t, 30*time.Minute, cfg.Blog.SignedURLTTL)
		assert.Equal(t, "blog-images", cfg.Blog.Bucket, "Незаданные поля сохраняют значения по умолчанию")
		assert.Equal(t, "https://project.supabase.co", cfg.Supabase.URL)
	})

	t.Run("environment overrides yaml", func(t *testing.T) {
		path := writeConfig(t, "blog:\n  page_size: 10\n")
		t.Setenv("BLOG_PAGE_SIZE", "7")
		t.Setenv("BLOG_SUPABASE_ANON_KEY", "env-key")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 7, cfg.Blog.PageSize)
		assert.Equal(t, "env-key", cfg.Supabase.AnonKey)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		_, err := Load(writeConfig(t, "blog: [unclosed"))
		assert.Error(t, err)
	})

	t.Run("validation", func(t *testing.T) {
		_, err := Load(writeConfig(t, "blog:\n  page_size: 0\n"))
		assert.ErrorContains(t, err, "page_size")

		cfg := Default()
		cfg.Blog.Bucket = ""
		assert.ErrorContains(t, cfg.Validate(), "bucket")

		cfg = Default()
		cfg.Blog.SignedURLTTL = -time.Second
		assert.ErrorContains(t, cfg.Validate(), "signed_url_ttl")

		_, err = Load(writeConfig(t, "supabase:\n  max_retries: -1\n"))
		assert.ErrorContains(t, err, "max_retries")

		cfg = Default()
		cfg.Supabase.RequestsPerSecond = -1
		assert.ErrorContains(t, cfg.Validate(), "requests_per_second")
	})
}
