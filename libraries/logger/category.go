package logger

// Categories are lowercase tokens; anything else is logged as "invalid_category".
func validCategory(category string) bool {
	if category == "" {
		return false
	}
	for i := 0; i < len(category); i++ {
		c := category[i]
		if c >= 'A' && c <= 'Z' {
			return false
		}
		if c == ' ' || c == '\t' || c == '\n' {
			return false
		}
	}
	return true
}
