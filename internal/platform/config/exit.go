package config

import (
	"fmt"
	"io"
	"os"
)

// exit is swapped in tests that cannot fork a subprocess.
var exit = os.Exit

// Exitf writes a formatted error message to stderr and exits with code 1.
// It is the fatal-exit path shared by command entry points.
func Exitf(format string, args ...any) {
	exitf(os.Stderr, format, args...)
}

func exitf(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, format+"\n", args...)
	exit(1)
}
