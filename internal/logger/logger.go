// Package logger настраивает общий zerolog-логгер сервиса.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var zlog = zerolog.New(os.Stdout).With().Timestamp().Str("service", "blogclient").Logger()

// Init настраивает логгер: консольный вывод в development, JSON в остальных окружениях.
func Init(env, level string) {
	var w io.Writer

	if env == "development" || env == "dev" {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	} else {
		w = os.Stdout
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	zlog = zerolog.New(w).Level(lvl).With().
		Timestamp().
		Str("service", "blogclient").
		Logger()

	zerolog.TimeFieldFormat = time.RFC3339
}

// Get возвращает общий логгер.
func Get() *zerolog.Logger {
	return &zlog
}

// Component возвращает логгер с полем component.
func Component(name string) zerolog.Logger {
	return zlog.With().Str("component", name).Logger()
}

// Nop - логгер без вывода для тестов.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
