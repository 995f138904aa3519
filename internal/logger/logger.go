// Package logger wraps log/slog with the attributes the chat fleet needs to
// correlate events across instances: every record carries the instance id,
// and helpers attach user, room and session scope.
package logger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// instanceID identifies this server instance in logs and bus envelopes.
var instanceID string

func init() {
	instanceID = os.Getenv("INSTANCE_ID")
	if instanceID == "" {
		instanceID = os.Getenv("HOSTNAME")
	}
	if instanceID == "" {
		b := make([]byte, 4)
		rand.Read(b)
		instanceID = hex.EncodeToString(b)
	}
}

// InstanceID returns the id for this server instance.
func InstanceID() string {
	return instanceID
}

// Config holds logger configuration.
type Config struct {
	Level  slog.Level
	Format string // "text" or "json"
}

type contextKey string

const (
	// ContextKeyUserID scopes records to the authenticated user.
	ContextKeyUserID contextKey = "user_id"
	// ContextKeyRoomID scopes records to the active room.
	ContextKeyRoomID contextKey = "room_id"
	// ContextKeySessionID scopes records to the device session.
	ContextKeySessionID contextKey = "session_id"
)

// WithUserID returns a context carrying the user id for log scoping.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ContextKeyUserID, userID)
}

// WithRoomID returns a context carrying the room id for log scoping.
func WithRoomID(ctx context.Context, roomID string) context.Context {
	return context.WithValue(ctx, ContextKeyRoomID, roomID)
}

// Logger wraps slog.Logger.
type Logger struct {
	*slog.Logger
}

// New creates a logger with the given config. JSON output is used in
// production; tint colours local development.
func New(config Config) *Logger {
	if config.Format == "json" {
		opts := &slog.HandlerOptions{
			Level: config.Level,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey {
					return slog.Attr{
						Key:   a.Key,
						Value: slog.StringValue(a.Value.Time().Format(time.RFC3339)),
					}
				}
				return a
			},
		}
		return &Logger{
			Logger: slog.New(slog.NewJSONHandler(os.Stdout, opts)).With(slog.String("instance_id", instanceID)),
		}
	}

	opts := &tint.Options{
		Level:      config.Level,
		TimeFormat: time.Kitchen,
	}
	return &Logger{
		Logger: slog.New(tint.NewHandler(os.Stdout, opts)).With(slog.String("instance_id", instanceID)),
	}
}

// FromConfig maps string settings from the main config to a logger Config.
func FromConfig(logLevel, logFormat string) Config {
	config := Config{
		Level:  slog.LevelInfo,
		Format: "text",
	}

	switch logLevel {
	case "debug":
		config.Level = slog.LevelDebug
	case "info":
		config.Level = slog.LevelInfo
	case "warn":
		config.Level = slog.LevelWarn
	case "error":
		config.Level = slog.LevelError
	}

	if logFormat != "" {
		config.Format = logFormat
	}
	if env := os.Getenv("APP_ENV"); env == "production" {
		config.Format = "json"
	}
	return config
}

// WithContext attaches any user, room or session scope present on ctx.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	log := l.Logger

	if userID, ok := ctx.Value(ContextKeyUserID).(string); ok && userID != "" {
		log = log.With(slog.String("user_id", userID))
	}
	if roomID, ok := ctx.Value(ContextKeyRoomID).(string); ok && roomID != "" {
		log = log.With(slog.String("room_id", roomID))
	}
	if sessionID, ok := ctx.Value(ContextKeySessionID).(string); ok && sessionID != "" {
		log = log.With(slog.String("session_id", sessionID))
	}
	return &Logger{Logger: log}
}

// WithComponent names the subsystem emitting the record.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{Logger: l.With(slog.String("component", component))}
}

// LogError logs err with message and extra attrs.
func (l *Logger) LogError(ctx context.Context, err error, msg string, args ...any) {
	allArgs := append([]any{"error", err}, args...)
	l.WithContext(ctx).Error(msg, allArgs...)
}

// Discard returns a logger that drops everything. Test helper.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
