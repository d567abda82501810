package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/benchrig/internal/infrastructure/config"
)

// Process roles recorded on every entry so that interleaved supervisor and
// worker output can be told apart.
const (
	RoleSupervisor = "supervisor"
	RoleWorker     = "worker"
	RoleServer     = "server"
)

// Logger wraps slog.Logger with benchrig-specific functionality.
//
// It provides structured logging with default fields and level-based filtering.
// *Logger satisfies the small Logger interfaces declared by the locks, shm,
// process, device and experiment packages.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Logger struct {
	*slog.Logger
}

// New creates a new Logger with the specified configuration.
//
// It configures:
//   - Output format (JSON for production, text for development)
//   - Log level filtering
//   - Default fields (service, version, role, pid)
//   - Output destination (stdout, stderr, or discard)
//
// Parameters:
//   - cfg: Logging configuration from benchrig.yaml
//   - version: Application version for default field
//   - role: Process role (RoleSupervisor, RoleWorker, RoleServer)
//
// Returns:
//   - *Logger: Configured logger ready for use
func New(cfg config.LoggingConfig, version, role string) *Logger {
	handler := newHandler(writerFor(cfg.Output), cfg)

	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", "benchrig"),
		slog.String("version", version),
		slog.String("role", role),
		slog.Int("pid", os.Getpid()),
	})

	return &Logger{
		Logger: slog.New(handler),
	}
}

// writerFor maps the configured output name to a writer.
func writerFor(output string) io.Writer {
	switch strings.ToLower(output) {
	case "stderr":
		return os.Stderr
	case "discard", "none":
		return io.Discard
	default:
		return os.Stdout
	}
}

// newHandler builds the slog handler for the configured format.
func newHandler(w io.Writer, cfg config.LoggingConfig) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	}

	if strings.EqualFold(cfg.Format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// parseLevel converts a string log level to slog.Level.
//
// Supported levels: debug, info, warn, error
// Defaults to info if unrecognised.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// With returns a new Logger with additional default attributes.
//
// Example:
//
//	cacheLogger := logger.With("component", "device-cache")
//	cacheLogger.Warn("close failed") // Includes component=device-cache
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(args...),
	}
}

// Component is shorthand for With("component", name).
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}

// Default creates a default logger for use before configuration is loaded.
//
// This logger outputs to stderr in JSON format at info level. Worker stdout
// is captured by the supervisor, so stderr keeps early output readable in
// both roles.
func Default() *Logger {
	return New(config.LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stderr",
	}, "dev", RoleSupervisor)
}

// Discard returns a logger that drops everything. Intended for tests.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}
