// Package logging renders the run's event stream to stderr in the exact
// colorized, microsecond-precision line format of the original tool, with
// an optional rotated file mirror carrying full date and timezone.
package logging

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/nullfs/dupedog/internal/policy"
)

// Level is one of the three event levels the tool emits. It is distinct
// from logrus's own level set; logrus is used here only as the entry
// pipeline, not for its leveling semantics.
type Level int

const (
	LevelError Level = iota
	LevelChange
	LevelFile
)

func (l Level) String() string {
	switch l {
	case LevelError:
		return "Error"
	case LevelChange:
		return "Change"
	case LevelFile:
		return "File"
	default:
		return "Unknown"
	}
}

// logrusLevel has no bearing on filtering here (Logger.emit does its own
// gating); it only selects which logrus.Entry method (Log) is used so the
// AddHook-based file/console fan-out still works.
func (l Level) logrusLevel() logrus.Level {
	switch l {
	case LevelError:
		return logrus.ErrorLevel
	case LevelChange:
		return logrus.WarnLevel
	default:
		return logrus.InfoLevel
	}
}

const fieldLevel = "dupedog_level"
const fieldPath = "path"

// Logger is the sole event sink consulted by the Walker and Linker.
// All three levels (Error, Change, File) pass through the same gate:
// policy.ErrorMode Ignore suppresses every event, not only errors.
type Logger struct {
	onError policy.ErrorMode
	console *logrus.Logger
	file    *logrus.Logger // nil when no --log-file was configured
}

// Option configures an optional file mirror.
type Option func(*Logger)

// WithFile mirrors every emitted event to a lumberjack-rotated file using
// the "%F %H:%M:%S%.6f %Z"-equivalent full timestamp, uncolored.
func WithFile(path string, maxSizeMB, maxBackups, maxAgeDays int) Option {
	return func(l *Logger) {
		fl := logrus.New()
		fl.SetOutput(&lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
			Compress:   true,
		})
		fl.SetFormatter(&fileFormatter{})
		fl.SetLevel(logrus.DebugLevel)
		l.file = fl
	}
}

// New builds a Logger gated by mode, writing colorized lines to stderr.
func New(mode policy.ErrorMode, opts ...Option) *Logger {
	console := logrus.New()
	console.SetOutput(os.Stderr)
	console.SetFormatter(&consoleFormatter{noColor: color.NoColor})
	console.SetLevel(logrus.DebugLevel)

	l := &Logger{onError: mode, console: console}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Errorf logs an Error-level event, optionally naming the path it concerns,
// and terminates the process immediately if the policy is ErrorAbort.
func (l *Logger) Errorf(path, format string, args ...any) {
	l.emit(LevelError, path, fmt.Sprintf(format, args...))
	if l.onError == policy.ErrorAbort {
		os.Exit(1)
	}
}

// Change logs a duplicate-resolution event: a victim being linked to (or
// found equal to, under scan-only) a keeper.
func (l *Logger) Change(path, format string, args ...any) {
	l.emit(LevelChange, path, fmt.Sprintf(format, args...))
}

// File logs a file-level informational event (entered, skipped, etc.).
func (l *Logger) File(path, format string, args ...any) {
	l.emit(LevelFile, path, fmt.Sprintf(format, args...))
}

func (l *Logger) emit(level Level, path, msg string) {
	if l.onError == policy.ErrorIgnore {
		return
	}

	fields := logrus.Fields{fieldLevel: level}
	if path != "" {
		fields[fieldPath] = path
	}

	l.console.WithFields(fields).Log(level.logrusLevel(), msg)
	if l.file != nil {
		l.file.WithFields(fields).Log(level.logrusLevel(), msg)
	}
}

// consoleFormatter renders "[HH:MM:SS.uuuuuu] [Level]: message[ at path]"
// with blue time, and Error=red/Change=yellow/File=cyan level tags.
type consoleFormatter struct {
	noColor bool
}

func (f *consoleFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	level, _ := entry.Data[fieldLevel].(Level)

	timeStr := entry.Time.Format("15:04:05.000000")
	tag := fmt.Sprintf("[%s]", level)

	var timeOut, tagOut string
	if f.noColor {
		timeOut, tagOut = timeStr, tag
	} else {
		timeOut = color.New(color.FgBlue).Sprint(timeStr)
		tagOut = levelColor(level).Sprint(tag)
	}

	line := fmt.Sprintf("[%s] %s: %s", timeOut, tagOut, entry.Message)
	if p, ok := entry.Data[fieldPath]; ok {
		line += fmt.Sprintf(" at %v", p)
	}
	return []byte(line + "\n"), nil
}

func levelColor(l Level) *color.Color {
	switch l {
	case LevelError:
		return color.New(color.FgRed)
	case LevelChange:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgCyan)
	}
}

// fileFormatter renders the uncolored file-mirror line with a full
// date+timezone stamp.
type fileFormatter struct{}

func (f *fileFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	level, _ := entry.Data[fieldLevel].(Level)
	line := fmt.Sprintf("[%s] [%s]: %s",
		entry.Time.Format("2006-01-02 15:04:05.000000 MST"), level, entry.Message)
	if p, ok := entry.Data[fieldPath]; ok {
		line += fmt.Sprintf(" at %v", p)
	}
	return []byte(line + "\n"), nil
}
