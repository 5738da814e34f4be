// Package testutil holds small helpers shared by the proxy's test suites.
package testutil

import (
	"log"
	"os"
	"strings"
)

// TestLogger is the subset of *testing.T these helpers need, kept as an
// interface so this package never imports "testing" directly.
type TestLogger interface {
	Helper()
	Logf(format string, args ...interface{})
}

// IsTestVerbose reports whether -test.v or GO_TEST_VERBOSE=1 is set.
func IsTestVerbose() bool {
	for _, arg := range os.Args {
		if strings.Contains(arg, "-test.v") || strings.Contains(arg, "test.v") {
			return true
		}
	}
	return os.Getenv("GO_TEST_VERBOSE") == "1"
}

// LogIfVerbose logs through the standard logger, only in verbose mode.
func LogIfVerbose(format string, args ...interface{}) {
	if IsTestVerbose() {
		log.Printf(format, args...)
	}
}

// LogIfVerboseWithTest is LogIfVerbose plus t.Logf, so the line shows up in
// `go test -v` output as well as the standard logger.
func LogIfVerboseWithTest(t TestLogger, format string, args ...interface{}) {
	if !IsTestVerbose() {
		return
	}
	log.Printf(format, args...)
	if t != nil {
		t.Helper()
		t.Logf(format, args...)
	}
}
