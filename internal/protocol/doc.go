// Package protocol owns the channel wire contract and parsing primitives.
//
// Ownership boundary:
// - big-endian primitive and string codec
// - tagged Value union and object reference encoding
// - typed message records and their framing
package protocol
