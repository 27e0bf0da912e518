// Package errors provides the error handling conventions shared by the Reef
// packages.
//
// # Classification
//
// Errors fall into three classes: Transient (temporary, retryable), Invalid
// (bad input, do not retry) and Fatal (stop processing). Classify inspects
// ClassifiedError wrappers first and falls back to the known sentinels.
//
// # Kinds
//
// Bus operations report one of a closed set of kinds: invalid-argument,
// unknown-channel, unknown-recipient, missing-recipient-keys, not-connected,
// connection-failure, publish-failure, integrity-failure, decode-failure and
// handler-failure. Each kind has a sentinel (ErrInvalidArgument and so on)
// and KindOf maps any wrapped error back to its kind:
//
//	if err := r.Send(ctx, req); errors.Is(err, errors.ErrUnknownChannel) {
//	    // create the channel first
//	}
//
// # Wrapping
//
// All wrapping follows "component.method: action failed: cause":
//
//	return errors.WrapTransient(err, "Reef", "Initialize", "transport connect")
//
// Kindf and Invalidf build a new error for a sentinel with a formatted detail.
package errors
