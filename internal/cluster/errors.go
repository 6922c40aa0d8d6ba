package cluster

import "fmt"

// ConfigError reports an invalid backend selection, a malformed argument, or
// scheduler output whose shape is not recognized. It is never retried.
type ConfigError struct {
	Backend Backend
	Field   string
	Value   string
	Message string
}

func (e ConfigError) Error() string {
	prefix := "config error"
	if e.Backend != "" {
		prefix = fmt.Sprintf("config error (%s)", e.Backend)
	}
	if e.Value != "" {
		return fmt.Sprintf("%s: %s=%s: %s", prefix, e.Field, e.Value, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", prefix, e.Field, e.Message)
}

// SubmissionError reports that the backend's submission tool kept failing
// after the retry budget was spent.
type SubmissionError struct {
	Backend  Backend
	Tool     string
	Attempts int
	Err      error
}

func (e SubmissionError) Error() string {
	return fmt.Sprintf("%s: %s failed after %d attempts: %v", e.Backend, e.Tool, e.Attempts, e.Err)
}

func (e SubmissionError) Unwrap() error { return e.Err }
