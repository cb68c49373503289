package utils

// apply mapper for each value in sli, and return mapped slice.
func Map[T any, R any](sli []T, mapper func(v T) R) []R {
	ret := make([]R, len(sli))
	for i, v := range sli {
		ret[i] = mapper(v)
	}
	return ret
}

// Filter returns a new slice holding the values where predicator is true.
//
// The order of values is preserved.
func Filter[T any](vs []T, predicator func(T) bool) []T {
	filtered := []T{}
	for _, v := range vs {
		if predicator(v) {
			filtered = append(filtered, v)
		}
	}
	return filtered
}

// First finds the first value matching predicator.
//
// # Returns
//
// - T: the found value. Zero value when not found.
//
// - bool: true when found.
func First[T any](sli []T, predicator func(T) bool) (T, bool) {
	for _, v := range sli {
		if predicator(v) {
			return v, true
		}
	}
	return *new(T), false
}

// ToMap converts a slice to a map keyed by getkey.
//
// When keys collide, the later value wins.
func ToMap[T any, K comparable](sli []T, getkey func(v T) K) map[K]T {
	ret := map[K]T{}
	for _, v := range sli {
		ret[getkey(v)] = v
	}
	return ret
}

func KeysOf[T any, K comparable](m map[K]T) []K {
	ret := make([]K, 0, len(m))
	for k := range m {
		ret = append(ret, k)
	}
	return ret
}

func ValuesOf[T any, K comparable](m map[K]T) []T {
	ret := make([]T, 0, len(m))
	for _, v := range m {
		ret = append(ret, v)
	}
	return ret
}

// Sorted returns a sorted copy of sli. sli itself is kept unchanged.
func Sorted[T any](sli []T, less func(a, b T) bool) []T {
	ret := make([]T, len(sli))
	copy(ret, sli)

	for i := 1; i < len(ret); i++ {
		for j := i; 0 < j && less(ret[j], ret[j-1]); j-- {
			ret[j], ret[j-1] = ret[j-1], ret[j]
		}
	}
	return ret
}
