// Package vault defines the key-vault contract and the aggregator that scans
// an ordered list of vaults for one service. Lookups return the first real
// key found in load order; writes fan out to every writable vault except the
// one that served the lookup. Backends live in the subpackages.
package vault
