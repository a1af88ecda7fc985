package manifest

// LocksConflict reports whether two lock sets may not run concurrently.
// A write conflicts with any read or write of the same resource; read-read never conflicts.
func LocksConflict(left, right Locks) bool {
	leftWrites := toSet(left.Writes)
	rightWrites := toSet(right.Writes)

	for resource := range leftWrites {
		if _, ok := rightWrites[resource]; ok {
			return true
		}
	}
	for _, resource := range right.Reads {
		if _, ok := leftWrites[resource]; ok {
			return true
		}
	}
	for _, resource := range left.Reads {
		if _, ok := rightWrites[resource]; ok {
			return true
		}
	}
	return false
}

// MergeLocks returns the normalized union of the provided lock sets.
func MergeLocks(locks ...Locks) Locks {
	var reads, writes []string
	for _, lock := range locks {
		reads = append(reads, lock.Reads...)
		writes = append(writes, lock.Writes...)
	}
	return NormalizeLocks(Locks{Reads: reads, Writes: writes})
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, value := range values {
		set[value] = struct{}{}
	}
	return set
}
