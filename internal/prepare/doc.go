// Package prepare is the license orchestrator. Prepare resolves every
// content key a track needs, trying the loaded vaults first and falling back
// to a CDM license roundtrip, then fans newly learned keys back out to the
// vaults. A shared display state collects one row group per protection
// header so concurrent track workers render a single coherent table.
package prepare
