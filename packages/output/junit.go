package output

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/abdul-hamid-achik/specrun/packages/core/event"
)

// JUnitTestSuites is the root element
type JUnitTestSuites struct {
	XMLName    xml.Name         `xml:"testsuites"`
	Name       string           `xml:"name,attr,omitempty"`
	Tests      int              `xml:"tests,attr"`
	Failures   int              `xml:"failures,attr"`
	Errors     int              `xml:"errors,attr"`
	Skipped    int              `xml:"skipped,attr"`
	Time       float64          `xml:"time,attr"`
	Timestamp  string           `xml:"timestamp,attr,omitempty"`
	TestSuites []JUnitTestSuite `xml:"testsuite"`
}

// JUnitTestSuite holds the cases of one test file.
type JUnitTestSuite struct {
	XMLName   xml.Name        `xml:"testsuite"`
	Name      string          `xml:"name,attr"`
	Tests     int             `xml:"tests,attr"`
	Failures  int             `xml:"failures,attr"`
	Errors    int             `xml:"errors,attr"`
	Skipped   int             `xml:"skipped,attr"`
	Time      float64         `xml:"time,attr"`
	TestCases []JUnitTestCase `xml:"testcase"`
}

// JUnitTestCase represents a single test case
type JUnitTestCase struct {
	XMLName   xml.Name      `xml:"testcase"`
	Name      string        `xml:"name,attr"`
	ClassName string        `xml:"classname,attr"`
	Time      float64       `xml:"time,attr"`
	Failure   *JUnitFailure `xml:"failure,omitempty"`
	Error     *JUnitError   `xml:"error,omitempty"`
	Skipped   *JUnitSkipped `xml:"skipped,omitempty"`
	SystemOut string        `xml:"system-out,omitempty"`
}

// JUnitFailure represents a test failure
type JUnitFailure struct {
	Message string `xml:"message,attr,omitempty"`
	Type    string `xml:"type,attr,omitempty"`
	Content string `xml:",chardata"`
}

// JUnitError is a hook failure or an error outside any test.
type JUnitError struct {
	Message string `xml:"message,attr,omitempty"`
	Type    string `xml:"type,attr,omitempty"`
	Content string `xml:",chardata"`
}

// JUnitSkipped represents a skipped test
type JUnitSkipped struct {
	Message string `xml:"message,attr,omitempty"`
}

// JUnitReporter buffers a run and writes it as JUnit XML in Finish.
type JUnitReporter struct {
	writer io.Writer
	order  []string
	suites map[string]*JUnitTestSuite
}

type JUnitOption func(*JUnitReporter)

func NewJUnitReporter(opts ...JUnitOption) *JUnitReporter {
	r := &JUnitReporter{
		writer: os.Stdout,
		suites: make(map[string]*JUnitTestSuite),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func JUnitWithWriter(w io.Writer) JUnitOption {
	return func(r *JUnitReporter) {
		if w != nil {
			r.writer = w
		}
	}
}

func (r *JUnitReporter) Header(version string) {
	// No header needed for JUnit XML
}

func (r *JUnitReporter) suite(file string) *JUnitTestSuite {
	s, ok := r.suites[file]
	if !ok {
		s = &JUnitTestSuite{Name: file}
		r.suites[file] = s
		r.order = append(r.order, file)
	}
	return s
}

func (r *JUnitReporter) StateChange(sc event.StateChange) {
	tc := JUnitTestCase{
		Name:      sc.Title,
		ClassName: sc.TestFile,
		Time:      sc.Duration.Seconds(),
	}
	if len(sc.Logs) > 0 {
		for _, l := range sc.Logs {
			tc.SystemOut += l + "\n"
		}
	}

	switch sc.Type {
	case event.SelectedTest:
		if !sc.Skip && !sc.Todo {
			return
		}
		msg := "skipped"
		if sc.Todo {
			msg = "todo"
		}
		tc.Skipped = &JUnitSkipped{Message: msg}
		s := r.suite(sc.TestFile)
		s.Skipped++
		s.add(tc)
	case event.TestPassed:
		r.suite(sc.TestFile).add(tc)
	case event.TestFailed:
		tc.Failure = &JUnitFailure{
			Message: errMessage(sc.Err),
			Type:    errKind(sc.Err, "AssertionError"),
			Content: errDetail(sc.Err),
		}
		s := r.suite(sc.TestFile)
		s.Failures++
		s.add(tc)
	case event.HookFailed, event.UncaughtException, event.UnhandledRejection, event.InternalError, event.WorkerFailed:
		if tc.Name == "" {
			tc.Name = string(sc.Type)
		}
		tc.Error = &JUnitError{
			Message: errMessage(sc.Err),
			Type:    errKind(sc.Err, string(sc.Type)),
			Content: errDetail(sc.Err),
		}
		s := r.suite(sc.TestFile)
		s.Errors++
		s.add(tc)
	case event.Timeout:
		for _, f := range sc.Files {
			s := r.suite(f)
			s.Errors++
			s.add(JUnitTestCase{
				Name:      "timeout",
				ClassName: f,
				Error: &JUnitError{
					Message: fmt.Sprintf("timed out after %s without any progress", sc.Period),
					Type:    string(event.Timeout),
				},
			})
		}
	}
}

func (s *JUnitTestSuite) add(tc JUnitTestCase) {
	s.Tests++
	s.Time += tc.Time
	s.TestCases = append(s.TestCases, tc)
}

func errKind(err *event.SerializedError, fallback string) string {
	if err == nil || err.Kind == "" {
		return fallback
	}
	return err.Kind
}

func errDetail(err *event.SerializedError) string {
	if err == nil {
		return ""
	}
	detail := err.Message
	if err.Source != nil {
		detail += fmt.Sprintf("\n%s:%d", err.Source.File, err.Source.Line)
	}
	if err.Stack != "" {
		detail += "\n" + err.Stack
	}
	return detail
}

// Finish writes the accumulated JUnit XML output
func (r *JUnitReporter) Finish(summary *Summary) error {
	suites := JUnitTestSuites{
		Name:      "specrun",
		Time:      summary.Duration.Seconds(),
		Timestamp: time.Now().Format(time.RFC3339),
	}
	for _, name := range r.order {
		s := r.suites[name]
		suites.Tests += s.Tests
		suites.Failures += s.Failures
		suites.Errors += s.Errors
		suites.Skipped += s.Skipped
		suites.TestSuites = append(suites.TestSuites, *s)
	}

	fmt.Fprintf(r.writer, "<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n")
	encoder := xml.NewEncoder(r.writer)
	encoder.Indent("", "  ")
	return encoder.Encode(suites)
}
