// Package errors provides standardized error handling patterns for Qollective components.
//
// # Kinds
//
// Every error that crosses a transport boundary carries a Kind describing what failed:
//
//	KindConfig           bad TLS paths, invalid verification mode, conflicting limits
//	KindTLS              handshake or certificate failures
//	KindTransport        connect/send/receive failures
//	KindTimeout          a deadline was reached
//	KindNoResponders     nobody is subscribed to a request subject
//	KindConnectionClosed the peer closed a stream mid-request
//	KindValidation       payload too large, unknown URL scheme, malformed frame
//	KindProtocol         unknown frame tag
//	KindSerialization    encoding failed
//	KindDeserialization  decoding failed
//	KindNotFound         discovery found nothing
//	KindCapacity         registry full
//	KindCancelled        the caller gave up
//
// Check kinds with errors.Is against the sentinels, or with KindOf:
//
//	if errors.Is(err, errors.ErrTimeout) { ... }
//	switch errors.KindOf(err) { ... }
//
// WithKind never replaces an existing kind, so the most specific kind set at the source
// survives every layer above it.
//
// # Classification
//
// Kinds map onto the retry classes Transient, Invalid and Fatal. The Wrap family keeps the
// "component.method: action failed: %w" format:
//
//	errors.WrapTransient(err, "Client", "Connect", "dial")
//	errors.WrapInvalid(err, "Config", "Validate", "parse verify mode")
//	errors.WrapFatal(err, "tlsutil", "LoadServer", "load certificate")
package errors
