package raftstore

import (
	"context"
	"io"
	"log"
	"log/slog"

	"github.com/hashicorp/go-hclog"
)

const levelTrace = slog.LevelDebug - 4

// slogToHcLogger routes hashicorp/raft logging into slog.
func slogToHcLogger(logger *slog.Logger) hclog.Logger {
	return &hclogAdapter{logger: logger}
}

type hclogAdapter struct {
	logger  *slog.Logger
	name    string
	implied []interface{}
}

var _ hclog.Logger = (*hclogAdapter)(nil)

func (a *hclogAdapter) enabled(level slog.Level) bool {
	return a.logger.Enabled(context.Background(), level)
}

func (a *hclogAdapter) Log(level hclog.Level, msg string, args ...interface{}) {
	switch level {
	case hclog.Trace:
		a.Trace(msg, args...)
	case hclog.Debug:
		a.Debug(msg, args...)
	case hclog.Warn:
		a.Warn(msg, args...)
	case hclog.Error:
		a.Error(msg, args...)
	default:
		a.Info(msg, args...)
	}
}

func (a *hclogAdapter) Trace(msg string, args ...interface{}) {
	a.logger.Log(context.Background(), levelTrace, msg, args...)
}

func (a *hclogAdapter) Debug(msg string, args ...interface{}) { a.logger.Debug(msg, args...) }
func (a *hclogAdapter) Info(msg string, args ...interface{})  { a.logger.Info(msg, args...) }
func (a *hclogAdapter) Warn(msg string, args ...interface{})  { a.logger.Warn(msg, args...) }
func (a *hclogAdapter) Error(msg string, args ...interface{}) { a.logger.Error(msg, args...) }

func (a *hclogAdapter) IsTrace() bool { return a.enabled(levelTrace) }
func (a *hclogAdapter) IsDebug() bool { return a.enabled(slog.LevelDebug) }
func (a *hclogAdapter) IsInfo() bool  { return a.enabled(slog.LevelInfo) }
func (a *hclogAdapter) IsWarn() bool  { return a.enabled(slog.LevelWarn) }
func (a *hclogAdapter) IsError() bool { return a.enabled(slog.LevelError) }

func (a *hclogAdapter) ImpliedArgs() []interface{} { return a.implied }

func (a *hclogAdapter) With(args ...interface{}) hclog.Logger {
	implied := append(append([]interface{}(nil), a.implied...), args...)
	return &hclogAdapter{logger: a.logger.With(args...), name: a.name, implied: implied}
}

func (a *hclogAdapter) Name() string { return a.name }

func (a *hclogAdapter) Named(name string) hclog.Logger {
	if a.name != "" {
		name = a.name + "." + name
	}
	return a.ResetNamed(name)
}

func (a *hclogAdapter) ResetNamed(name string) hclog.Logger {
	return &hclogAdapter{logger: a.logger.With("subsystem", name), name: name, implied: a.implied}
}

// SetLevel is a no-op; the slog handler owns the level.
func (a *hclogAdapter) SetLevel(hclog.Level) {}

func (a *hclogAdapter) GetLevel() hclog.Level {
	switch {
	case a.IsTrace():
		return hclog.Trace
	case a.IsDebug():
		return hclog.Debug
	case a.IsInfo():
		return hclog.Info
	case a.IsWarn():
		return hclog.Warn
	case a.IsError():
		return hclog.Error
	default:
		return hclog.Off
	}
}

func (a *hclogAdapter) StandardLogger(*hclog.StandardLoggerOptions) *log.Logger {
	return slog.NewLogLogger(a.logger.Handler(), slog.LevelInfo)
}

func (a *hclogAdapter) StandardWriter(opts *hclog.StandardLoggerOptions) io.Writer {
	return a.StandardLogger(opts).Writer()
}
