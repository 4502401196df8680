package logging

import (
	"io"
	"log"
	"os"
)

var (
	disabled = false
	logger   = log.New(os.Stdout, "", log.LstdFlags)
)

// Disable turns off all logging (used for clean CLI output)
func Disable() {
	disabled = true
}

// Enable turns logging back on
func Enable() {
	disabled = false
}

// SetOutput redirects log output, e.g. to a file in daemon mode
func SetOutput(w io.Writer) {
	logger.SetOutput(w)
}

// Infof logs a formatted info message
func Infof(format string, v ...any) {
	if !disabled {
		logger.Printf(format, v...)
	}
}

// Info logs an info message
func Info(v ...any) {
	if !disabled {
		logger.Println(v...)
	}
}

// Warnf logs a formatted warning message
func Warnf(format string, v ...any) {
	if !disabled {
		logger.Printf("WARN "+format, v...)
	}
}

// Errorf logs a formatted error message
func Errorf(format string, v ...any) {
	if !disabled {
		logger.Printf("ERROR "+format, v...)
	}
}

// Error logs an error message
func Error(v ...any) {
	if !disabled {
		logger.Println(append([]any{"ERROR"}, v...)...)
	}
}

// Debugf logs a formatted debug message when PAGERELAY_DEBUG is set
func Debugf(format string, v ...any) {
	if !disabled && os.Getenv("PAGERELAY_DEBUG") != "" {
		logger.Printf("DEBUG "+format, v...)
	}
}
