package pipeline

import (
	"errors"

	"insight-pipeline/internal/connector"
	"insight-pipeline/internal/models"
	"insight-pipeline/internal/queue"
	"insight-pipeline/internal/store"
)

// IsPermanent reports whether retrying err cannot succeed: bad connector configuration,
// invalid fetched data, malformed job payloads, workspace mismatches and missing rows.
func IsPermanent(err error) bool {
	return connector.IsPermanent(err) ||
		errors.Is(err, ErrInvalidPayload) ||
		errors.Is(err, ErrWorkspaceMismatch) ||
		errors.Is(err, store.ErrNotFound)
}

// TransientOnly is a retry policy that fails permanent errors on the first attempt.
func TransientOnly(_ models.Job, err error) bool {
	return !IsPermanent(err)
}

// RetryPolicy selects queue.RetryAlways when permanent errors should still be retried and
// TransientOnly otherwise.
func RetryPolicy(retryPermanent bool) queue.RetryPolicy {
	if retryPermanent {
		return queue.RetryAlways
	}
	return TransientOnly
}
