package llmtask

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/fyrsmithlabs/batchd/internal/credential"
)

// statusOverloaded is Anthropic's "overloaded" response code.
const statusOverloaded = 529

// Classify maps an API call error onto a credential outcome.
func Classify(err error) credential.Outcome {
	if err == nil {
		return credential.OutcomeSuccess
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.StatusCode)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return credential.OutcomeTransientExhausted
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return credential.OutcomeTransientExhausted
	}
	if errors.Is(err, context.Canceled) {
		return credential.OutcomeTaskFailed
	}
	// Connection resets and truncated bodies say nothing about the task.
	return credential.OutcomeTransientExhausted
}

func classifyStatus(code int) credential.Outcome {
	switch {
	case code == http.StatusTooManyRequests:
		return credential.OutcomeRateLimited
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return credential.OutcomeHardFailure
	case code == statusOverloaded, code >= 500, code == http.StatusRequestTimeout:
		return credential.OutcomeTransientExhausted
	case code >= 400:
		return credential.OutcomeTaskFailed
	default:
		return credential.OutcomeTransientExhausted
	}
}
