package log

import (
	"io"
	"log/slog"
	"os"

	runtime "github.com/banzaicloud/logrus-runtime-formatter"
	"github.com/bombsimon/logrusr/v4"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

type Level string

const (
	LevelTrace Level = "trace"
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

var levelVar = &slog.LevelVar{}

// InitLogger will initialize the default slog logger instance, used for
// process level messages before and around the world.
func InitLogger(w io.Writer) {
	if w == nil {
		w = os.Stderr
	}

	levelVar.Set(slog.LevelInfo)

	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: levelVar, AddSource: true}))

	slog.SetDefault(logger)
}

// SetLevel will set the logging level of the default logger at runtime.
func SetLevel(loglevel string) {
	switch Level(loglevel) {
	case LevelDebug, LevelTrace:
		levelVar.Set(slog.LevelDebug)
	case LevelInfo, "":
		levelVar.Set(slog.LevelInfo)
	case LevelWarn:
		levelVar.Set(slog.LevelWarn)
	case LevelError:
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
		slog.Warn("Unknown log level, defaulting to info", "loglevel", loglevel)
	}
}

// ParseLevel maps a configured level to its logrus counterpart, unknown
// values fall back to info.
func ParseLevel(logLevel string) (logrus.Level, bool) {
	switch Level(logLevel) {
	case LevelDebug:
		return logrus.DebugLevel, true
	case LevelTrace:
		return logrus.TraceLevel, true
	case LevelInfo, "":
		return logrus.InfoLevel, true
	case LevelWarn:
		return logrus.WarnLevel, true
	case LevelError:
		return logrus.ErrorLevel, true
	default:
		return logrus.InfoLevel, false
	}
}

// NewLogrusLogger will generate a new logrus logger instance writing JSON
// with the caller's file and line to w.
func NewLogrusLogger(logLevel string, w io.Writer) *logrus.Logger {
	if w == nil {
		w = os.Stdout
	}

	logger := logrus.New()
	logger.SetOutput(w)

	level, ok := ParseLevel(logLevel)
	logger.SetLevel(level)

	if !ok {
		logger.WithField("logLevel", logLevel).Warn("Unknown log level, defaulting to info")
	}

	runtimeFormatter := &runtime.Formatter{
		ChildFormatter: &logrus.JSONFormatter{},
		File:           true,
		Line:           true,
		BaseNameOnly:   true,
	}

	logger.SetFormatter(runtimeFormatter)

	return logger
}

// BridgeOtel routes OpenTelemetry's internal diagnostics through logger.
func BridgeOtel(logger *logrus.Logger) {
	otel.SetLogger(logrusr.New(logger))
}
