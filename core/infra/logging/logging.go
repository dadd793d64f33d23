package logging

import (
	"fmt"
	"log"
	"strings"
)

// Info logs an informational message with key/value fields.
func Info(component, msg string, kv ...any) {
	log.Printf("[%s] %s%s", strings.ToUpper(component), msg, fields(kv...))
}

// Warn logs a recoverable problem with key/value fields.
func Warn(component, msg string, kv ...any) {
	log.Printf("[%s] WARN %s%s", strings.ToUpper(component), msg, fields(kv...))
}

// Error logs an error with key/value fields.
func Error(component, msg string, kv ...any) {
	log.Printf("[%s] ERROR %s%s", strings.ToUpper(component), msg, fields(kv...))
}

func fields(kv ...any) string {
	if len(kv) == 0 {
		return ""
	}
	if len(kv)%2 != 0 {
		kv = append(kv, "(missing)")
	}
	var b strings.Builder
	for i := 0; i < len(kv); i += 2 {
		b.WriteString(" ")
		b.WriteString(flatten(kv[i]))
		b.WriteString("=")
		b.WriteString(flatten(kv[i+1]))
	}
	return b.String()
}

func flatten(v any) string {
	s, ok := v.(string)
	if !ok {
		s = fmt.Sprintf("%v", v)
	}
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	return strings.TrimSpace(s)
}
