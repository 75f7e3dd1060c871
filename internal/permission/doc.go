// Package permission turns an ask decision into an exchange with a human
// operator.
//
// A Negotiator keeps one pending Request per suspended tool call, keyed by a
// ULID request ID. The UI lists them with Pending, shows the preview blocks
// and answers with Respond:
//
//	outcome := negotiator.Request(ctx, call.ID, "Bash", args, blocks)
//	if !outcome.Answer.Granted() {
//		// denied or canceled
//	}
//
//	// elsewhere, when the operator clicks
//	err := negotiator.Respond(requestID, permission.AllowAlways)
//
// Answers:
//   - allow-once: the call runs, nothing is remembered
//   - allow-always: the call runs and a session-granted policy is added to
//     the policy store, so later calls of the same tool skip the question;
//     a Persister, when configured, also writes it to the policy file
//   - deny: the call is refused
//
// Canceling the caller's context or calling CancelAll resolves pending
// requests as denied with Canceled set. Requests never time out on their own.
//
// Every request publishes permission.requested and permission.resolved on
// the event bus.
package permission
