package cmd

// Exit codes for specrun CLI
const (
	// ExitSuccess indicates all tests passed
	ExitSuccess = 0

	// ExitTestFailure indicates a test, hook or worker failed, or the run timed out
	ExitTestFailure = 1

	// ExitDeclarationError indicates a test file could not be loaded
	ExitDeclarationError = 2

	// ExitConfigError indicates a configuration error
	ExitConfigError = 3

	// ExitNoFiles indicates there was nothing to run
	ExitNoFiles = 4

	// ExitUsageError indicates invalid CLI usage
	ExitUsageError = 64

	// ExitInterrupted indicates the run was stopped by a signal
	ExitInterrupted = 130
)
