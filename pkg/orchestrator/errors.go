package orchestrator

import "fmt"

// ConnectivityError reports a failed health check or sandbox command against
// the remote service. The health monitor's restart policy reacts to these.
type ConnectivityError struct {
	Endpoint string
	Err      error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("connectivity error (%s): %v", e.Endpoint, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }
