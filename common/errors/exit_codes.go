package errors

type ExitCode int

const (
	GenericFailureExitCode ExitCode = 1

	UsageFailureExitCode  ExitCode = 64
	ConfigFailureExitCode ExitCode = 78

	// State store
	StoreUnavailableExitCode ExitCode = 80
	SessionNotFoundExitCode  ExitCode = 81

	// Session lifecycle
	SessionExpiredExitCode    ExitCode = 90
	SessionTerminatedExitCode ExitCode = 91
	CollectTimeoutExitCode    ExitCode = 92

	// Worker agent
	LaunchFailureExitCode ExitCode = 100
	QuotaFailureExitCode  ExitCode = 101
)
