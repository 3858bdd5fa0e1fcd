package output

import (
	"fmt"
	"io"

	"github.com/abdul-hamid-achik/specrun/packages/core/event"
)

// Reporter turns state changes into a report. StateChange is never called
// concurrently.
type Reporter interface {
	Header(version string)
	StateChange(sc event.StateChange)
	Finish(summary *Summary) error
}

// Names lists the reporters New accepts.
var Names = []string{"console", "json", "tap", "junit"}

// Options configures New.
type Options struct {
	Verbose bool
	NoColor bool
}

// New returns the reporter registered as name, writing to w.
func New(name string, w io.Writer, opts Options) (Reporter, error) {
	switch name {
	case "", "console":
		return NewConsoleReporter(WithWriter(w), WithVerbose(opts.Verbose), WithNoColor(opts.NoColor)), nil
	case "json":
		return NewJSONReporter(JSONWithWriter(w)), nil
	case "tap":
		return NewTAPReporter(TAPWithWriter(w)), nil
	case "junit":
		return NewJUnitReporter(JUnitWithWriter(w)), nil
	default:
		return nil, fmt.Errorf("unknown reporter %q", name)
	}
}

// displayTitle joins a file and a title the way every reporter shows them.
func displayTitle(sc event.StateChange) string {
	switch {
	case sc.TestFile == "":
		return sc.Title
	case sc.Title == "":
		return sc.TestFile
	default:
		return sc.TestFile + " › " + sc.Title
	}
}

func errMessage(err *event.SerializedError) string {
	if err == nil {
		return ""
	}
	return err.Message
}
