package protocol

// This package implements the framing used between the VegSecAI desktop
// client and the recognition server. Everything travels over a single
// persistent TLS connection.
//
// There are three kinds of frame:
//
// - `Token`   - A short UTF-8 text value (request types, usernames,
//               passwords, hashes, questions, response strings). One
//               token per send, one Read call per token on the receiver.
//               There is no length prefix and no delimiter.
// - `Block`   - A raw binary payload preceded by a 4-byte big-endian
//               length. Used for image upload. The 4 header bytes may
//               instead be the literal ASCII sentinel `#bye`, which means
//               the client is ending its authenticated session.
// - `History` - A stream of pipe-delimited text records, each terminated
//               by the sentinel `END_HISTORY`. Literal `|` characters in
//               user-supplied fields are escaped to `&#124;` so every
//               wire-level record carries exactly three delimiters.
//
// === Request types
//
// - `signup`          - username, password, email tokens follow, then a
//                       verification code token after the server prompt
// - `login`           - username and password tokens follow; on success
//                       the connection enters the authenticated image loop
// - `forgot_password` - email token follows; on success the client sends
//                       username, reset token and new password tokens
// - `get_history`     - username token follows; the server streams history
//                       records and closes
//
// === A note on token framing
//
// Token framing relies on each send arriving intact at the paired Read on
// the other side. TCP does not guarantee message boundaries, so a token
// split or coalesced in flight corrupts the exchange. This matches the
// behavior of the system this protocol is compatible with; do not "fix" it
// here by adding delimiters, that would change the wire format.
