// Package dispatch routes inbound cloud traffic to device handlers.
//
// Deliveries are wrapped in a tagged Event and looked up by Kind:
//
//   - Direct methods by name. Unknown names answer 404 "Error unknown command".
//   - Desired properties by key. Handled keys are acknowledged through the
//     reported side of the twin with {value, ac: 200, ad: "completed", av: version}.
//     Unhandled keys are logged unless Config.AckUnhandled is set.
//   - One-way messages by their "method-name" property. Known methods are
//     completed, unknown ones rejected so the transport can redeliver or
//     dead-letter them.
//
// Handlers run on session delivery goroutines. Panics are contained and
// turned into a 500 result, a missing ack, or a rejection.
package dispatch
