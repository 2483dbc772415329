package domain

// Diff computes the set difference between the persisted state of a collection and its desired in-memory state.
// Members are identified by the key function. The desired collection is deduplicated by key, so calling Diff
// with an unchanged collection always yields two empty slices.
//
// added contains the desired members that are not persisted yet, removed contains the persisted members that
// are no longer desired. The order of the input slices is preserved.
func Diff[T any, K comparable](persisted, desired []T, key func(T) K) (added, removed []T) {
	persistedKeys := make(map[K]struct{}, len(persisted))
	for _, p := range persisted {
		persistedKeys[key(p)] = struct{}{}
	}

	desiredKeys := make(map[K]struct{}, len(desired))
	for _, d := range desired {
		k := key(d)
		if _, seen := desiredKeys[k]; seen {
			continue // duplicate in memory
		}
		desiredKeys[k] = struct{}{}

		if _, ok := persistedKeys[k]; !ok {
			added = append(added, d)
		}
	}

	for _, p := range persisted {
		if _, ok := desiredKeys[key(p)]; !ok {
			removed = append(removed, p)
		}
	}

	return added, removed
}
