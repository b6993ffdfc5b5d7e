package util

// ValidHandle reports whether a normalized handle is acceptable: 3-64
// characters of lowercase letters, digits, and hyphens.
func ValidHandle(handle string) bool {
	if len(handle) < 3 || len(handle) > 64 {
		return false
	}
	for _, r := range handle {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
		default:
			return false
		}
	}
	return true
}
