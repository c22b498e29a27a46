package httpserver

const (
	ErrInvalidJSON    = "invalid json"
	ErrMissingID      = "missing id"
	ErrMissingAccount = "missing account"
	ErrInvalidLimit   = "invalid limit"
	ErrDependency     = "dependency error"
	ErrNotFound       = "not found"
	ErrRunning        = "campaign is sending"
	ErrNotRunning     = "campaign is not running"
	ErrConflict       = "campaign is not pending"
	ErrStreaming      = "streaming unsupported"
)
