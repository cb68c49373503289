package utils

func Default[T any](p *T, d T) T {
	if p != nil {
		return *p
	}
	return d
}

func ZeroUnless[T any](p *T) T {
	if p != nil {
		return *p
	}
	return *new(T)
}
