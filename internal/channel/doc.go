// Package channel owns one duplex protocol connection.
//
// Ownership boundary:
// - connection, buffered codec streams and their teardown
// - the endpoint's reference tables and ref factory
// - FreeValue flushing, tied to request and return sends
// - remote death classification
package channel
