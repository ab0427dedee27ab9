package testutil

import (
	"io"
	"os"
	"slices"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

// Log output is discarded unless tests run with -v. Levels stay at trace so
// that trace only branches are still exercised. Test flags are not parsed yet
// when this runs, so the raw arguments are inspected.
func init() {
	logrus.SetLevel(logrus.TraceLevel)
	verbose := slices.ContainsFunc(os.Args[1:], func(arg string) bool {
		return arg == "-test.v" || arg == "-test.v=true" || arg == "-test.v=test2json"
	})
	if !verbose {
		logrus.SetOutput(io.Discard)
	}
}

// CaptureLogs records entries written to the standard logger for the rest of
// the test.
func CaptureLogs(t *testing.T) *logtest.Hook {
	hook := logtest.NewGlobal()
	t.Cleanup(func() {
		logrus.StandardLogger().ReplaceHooks(make(logrus.LevelHooks))
	})
	return hook
}
