package keys

// MergePreferVault combines the keys a license roundtrip produced with the
// keys already sourced from vaults for the same resolution pass.
//
// Some license servers return blanked-out (all-zero) keys for KIDs the
// service knows but will not serve, which would otherwise clobber a correct
// key a vault already held. The merge therefore runs in two passes: license
// keys are admitted only when non-zero, then vault keys are re-applied on
// top so a vault-sourced key always wins.
func MergePreferVault(fromVaults, fromLicense map[KeyID]ContentKey) map[KeyID]ContentKey {
	merged := make(map[KeyID]ContentKey, len(fromVaults)+len(fromLicense))
	for kid, key := range fromLicense {
		if key.IsZero() {
			continue
		}
		merged[kid] = key
	}
	for kid, key := range fromVaults {
		if key.IsZero() {
			continue
		}
		merged[kid] = key
	}
	return merged
}
