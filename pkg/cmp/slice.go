package cmp

func SliceEq[T comparable](a []T, b []T) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func SliceEqWith[T any, U any](a []T, b []U, pred func(a T, b U) bool) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !pred(a[i], b[i]) {
			return false
		}
	}
	return true
}

// SliceContentEq is true when a and b hold the same values,
// ignoring order. Duplicates are counted.
func SliceContentEq[T comparable](a []T, b []T) bool {
	if len(a) != len(b) {
		return false
	}
	counts := map[T]int{}
	for _, v := range a {
		counts[v] += 1
	}
	for _, v := range b {
		counts[v] -= 1
		if counts[v] < 0 {
			return false
		}
	}
	return true
}
