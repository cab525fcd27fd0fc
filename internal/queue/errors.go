package queue

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrLeaseLost means the job is no longer processing under the caller's attempt,
	// usually because its lease expired and another worker reclaimed it.
	ErrLeaseLost = errors.New("job lease lost")
	// ErrJobNotFound is returned by Get for unknown ids.
	ErrJobNotFound = errors.New("job not found")
	// ErrEmptyJobName rejects handlers or jobs without a name.
	ErrEmptyJobName = errors.New("job name cannot be empty")
	// ErrNilHandler rejects nil handler registrations.
	ErrNilHandler = errors.New("handler cannot be nil")
	// ErrLeaseExpiredOnFinalAttempt is recorded on jobs failed by the stale sweep.
	ErrLeaseExpiredOnFinalAttempt = errors.New("lease expired after final attempt")
)

// UnsupportedJobError is raised when a claimed job has no registered handler.
type UnsupportedJobError struct {
	Name      string
	Available []string
}

func (e *UnsupportedJobError) Error() string {
	available := append([]string(nil), e.Available...)
	sort.Strings(available)
	return fmt.Sprintf("no handler registered for %q (available: %s)", e.Name, strings.Join(available, ", "))
}
