package lock

// deleteFirst removes the first occurrence of item from s, preserving order.
func deleteFirst[T comparable](s []T, item T) []T {
	for i, v := range s {
		if v == item {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}
