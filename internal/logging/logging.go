package logging

import (
	"fmt"
	"log"
	"os"
	"strings"
)

// Logger is a simple leveled logger that writes to the console. Trailing
// arguments are rendered as key=value pairs.
type Logger struct {
	*log.Logger
}

// NewLogger creates a new Logger.
func NewLogger() *Logger {
	return &Logger{
		Logger: log.New(os.Stdout, "", log.LstdFlags),
	}
}

// Info logs an informational message.
func (l *Logger) Info(msg string, args ...any) {
	l.Printf("INFO: %s%s", msg, kv(args))
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, args ...any) {
	l.Printf("WARN: %s%s", msg, kv(args))
}

// Error logs an error message.
func (l *Logger) Error(msg string, args ...any) {
	l.Printf("ERROR: %s%s", msg, kv(args))
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, args ...any) {
	l.Printf("DEBUG: %s%s", msg, kv(args))
}

func kv(args []any) string {
	if len(args) == 0 {
		return ""
	}
	var b strings.Builder
	for i := 0; i+1 < len(args); i += 2 {
		fmt.Fprintf(&b, " %v=%v", args[i], args[i+1])
	}
	if len(args)%2 == 1 {
		fmt.Fprintf(&b, " %v", args[len(args)-1])
	}
	return b.String()
}
