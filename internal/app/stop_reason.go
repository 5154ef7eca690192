package app

// StopReason is logged when the app shuts down.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopUserQuit   StopReason = "user_quit"
	StopCommandEnd StopReason = "command_done"
	StopFatalError StopReason = "fatal_error"
)
