// Package llmtask provides batch task units that call the Anthropic
// Messages API with the credential leased for each attempt.
//
// A unit resolves the leased ref to its secret through a Keyring, sends
// the task prompt, writes the response to <results>/<task>.md and returns
// that path as the result reference. API failures are classified so the
// credential coordinator can act on them:
//
//	429                   RateLimited
//	529, 5xx, timeouts    TransientExhausted
//	401, 403              HardFailure
//	other 4xx             TaskFailed
package llmtask
