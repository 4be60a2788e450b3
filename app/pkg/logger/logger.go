package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
)

type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	DebugLogger *log.Logger
	InfoLogger  *log.Logger
	WarnLogger  *log.Logger
	ErrorLogger *log.Logger

	minLevel atomic.Int32
	logFile  *os.File
)

func init() {
	minLevel.Store(int32(LevelInfo))
}

// ParseLevel maps "debug", "info", "warn" and "error" to a Level; anything else is info.
func ParseLevel(name string) Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func SetLevel(level Level) {
	minLevel.Store(int32(level))
}

func Enabled(level Level) bool {
	return int32(level) >= minLevel.Load()
}

// Init tees the package loggers and the standard logger into a daily file under logDir.
func Init(logDir string, level Level) error {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return err
	}

	path := filepath.Join(logDir, fmt.Sprintf("switchboard_%s.log", time.Now().Format("2006-01-02")))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if logFile != nil {
		_ = logFile.Close()
	}
	logFile = f

	out := io.MultiWriter(os.Stdout, f)
	DebugLogger = log.New(out, "[DEBUG] ", log.Ldate|log.Ltime)
	InfoLogger = log.New(out, "[INFO] ", log.Ldate|log.Ltime)
	WarnLogger = log.New(out, "[WARN] ", log.Ldate|log.Ltime)
	ErrorLogger = log.New(out, "[ERROR] ", log.Ldate|log.Ltime|log.Lshortfile)
	log.SetOutput(out)
	SetLevel(level)
	return nil
}

// Close flushes and releases the log file opened by Init.
func Close() error {
	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	log.SetOutput(os.Stderr)
	return err
}

func Debug(format string, v ...interface{}) {
	write(LevelDebug, DebugLogger, "[DEBUG] ", format, v...)
}

func Info(format string, v ...interface{}) {
	write(LevelInfo, InfoLogger, "[INFO] ", format, v...)
}

func Warn(format string, v ...interface{}) {
	write(LevelWarn, WarnLogger, "[WARN] ", format, v...)
}

func Error(format string, v ...interface{}) {
	write(LevelError, ErrorLogger, "[ERROR] ", format, v...)
}

func write(level Level, l *log.Logger, prefix, format string, v ...interface{}) {
	if !Enabled(level) {
		return
	}
	if l != nil {
		_ = l.Output(3, fmt.Sprintf(format, v...))
		return
	}
	log.Printf(prefix+format, v...)
}
