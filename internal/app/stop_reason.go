package app

// StopReason is recorded in the shutdown log line.
type StopReason string

const (
	StopUnknown     StopReason = "unknown"
	StopSIGINT      StopReason = "sigint"
	StopSIGTERM     StopReason = "sigterm"
	StopFatalError  StopReason = "fatal_error"
	StopAppStop     StopReason = "app_stop"
	StopAppDetached StopReason = "app_detached"
)
