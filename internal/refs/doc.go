// Package refs owns the per-endpoint reference tables.
//
// Ownership boundary:
//   - ExposedTable: handles minted for this side's own objects (slot arena,
//     free-list, identity map)
//   - RemoteTable: proxies for handles minted by the peer, with pending-free
//     tracking driven by explicit release or garbage collection
package refs
