package distributed

import (
	"fmt"
	"log"
)

// Logger prefixes every line with the component it belongs to.
type Logger struct {
	prefix string
	debug  bool
}

func NewLogger(prefix string, debug bool) *Logger {
	return &Logger{prefix: prefix, debug: debug}
}

func (l *Logger) Info(format string, v ...any) {
	log.Printf("%s [INFO] %s", l.prefix, fmt.Sprintf(format, v...))
}

// Debug logs only when the logger was created with debug enabled.
func (l *Logger) Debug(format string, v ...any) {
	if l.debug {
		log.Printf("%s [DEBUG] %s", l.prefix, fmt.Sprintf(format, v...))
	}
}

func (l *Logger) Error(format string, v ...any) {
	log.Printf("%s [ERROR] %s", l.prefix, fmt.Sprintf(format, v...))
}
