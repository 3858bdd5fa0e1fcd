// Package output provides reporters for displaying test runs.
//
// Supported output formats:
//   - Console: Human-readable colored terminal output, written as the run progresses
//   - JSON: One JSON object per state change, followed by a summary line
//   - TAP: Test Anything Protocol format
//   - JUnit: JUnit XML format for CI integration
//
// Reporters receive state changes one at a time. Formats that need the
// whole run before writing anything buffer until Finish.
package output
