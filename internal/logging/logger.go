package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

type Config struct {
	Level     string
	Format    string
	AddSource bool
	Output    io.Writer
}

var (
	mu            sync.Mutex
	defaultLogger *slog.Logger
)

// Init builds the process logger and installs it as the slog default.
func Init(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level), AddSource: cfg.AddSource}

	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}
	l := slog.New(h.WithAttrs([]slog.Attr{slog.String("service", "docflow")}))

	mu.Lock()
	defaultLogger = l
	mu.Unlock()
	slog.SetDefault(l)
	return l
}

func Get() *slog.Logger {
	mu.Lock()
	l := defaultLogger
	mu.Unlock()
	if l == nil {
		return slog.Default()
	}
	return l
}

func NewModuleLogger(module, component string) *slog.Logger {
	return Get().With(slog.String("module", module), slog.String("component", component))
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
