package logger

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
)

// Level controls which messages are emitted.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	mu       sync.RWMutex
	minLevel = levelFromEnv()
	std      = log.New(os.Stderr, "", log.LstdFlags)
)

func levelFromEnv() Level {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("VENDABOT_LOG_LEVEL"))) {
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

// SetLevel overrides the minimum emitted level.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	minLevel = l
}

// SetOutput redirects log output, mainly for tests.
func SetOutput(w *log.Logger) {
	mu.Lock()
	defer mu.Unlock()
	std = w
}

func enabled(l Level) bool {
	mu.RLock()
	defer mu.RUnlock()
	return l >= minLevel
}

func emit(level, component, msg string, fields map[string]interface{}) {
	line := fmt.Sprintf("%-5s [%s] %s", level, component, msg)
	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
		}
		line += " " + strings.Join(parts, " ")
	}
	mu.RLock()
	out := std
	mu.RUnlock()
	out.Println(line)
}

func DebugC(component, msg string) { DebugCF(component, msg, nil) }

func DebugCF(component, msg string, fields map[string]interface{}) {
	if enabled(LevelDebug) {
		emit("DEBUG", component, msg, fields)
	}
}

func InfoC(component, msg string) { InfoCF(component, msg, nil) }

func InfoCF(component, msg string, fields map[string]interface{}) {
	if enabled(LevelInfo) {
		emit("INFO", component, msg, fields)
	}
}

func WarnC(component, msg string) { WarnCF(component, msg, nil) }

func WarnCF(component, msg string, fields map[string]interface{}) {
	if enabled(LevelWarn) {
		emit("WARN", component, msg, fields)
	}
}

func ErrorC(component, msg string) { ErrorCF(component, msg, nil) }

func ErrorCF(component, msg string, fields map[string]interface{}) {
	if enabled(LevelError) {
		emit("ERROR", component, msg, fields)
	}
}
