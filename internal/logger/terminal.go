package logger

import "os"

// isTerminal reports whether f is attached to a character device. This is
// a portable stand-in for an isatty check and is sufficient to decide
// whether ANSI colors are safe.
func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
