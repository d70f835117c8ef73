// Package session owns connection policy shared by the code server and the
// dev client.
//
// Ownership boundary:
// - handshake and I/O timeouts
// - dial retry/backoff primitives
// - transport security (TLS/mTLS) validation and tls.Config builders
// - alternate transport names negotiated through ChooseTransport
package session
