package task

import "strings"

// NormalizeIdentifier folds a contact identifier into the form used for matching:
// "@Name" -> "name", emails lowercased, "+1 (555) 010-0199" -> "5550100199".
func NormalizeIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return ""
	}
	if strings.HasPrefix(identifier, "@") {
		return strings.ToLower(strings.TrimSpace(identifier[1:]))
	}
	if strings.Contains(identifier, "@") {
		return strings.ToLower(identifier)
	}
	if digits, ok := phoneDigits(identifier); ok {
		if len(digits) == 11 && digits[0] == '1' {
			return digits[1:]
		}
		return digits
	}
	return strings.ToLower(identifier)
}

// phoneDigits accepts only phone punctuation around at least ten digits.
func phoneDigits(identifier string) (string, bool) {
	var b strings.Builder
	for _, r := range identifier {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' || r == '-' || r == '.' || r == '(' || r == ')' || r == ' ':
		default:
			return "", false
		}
	}
	digits := b.String()
	if len(digits) < 10 {
		return "", false
	}
	return digits, true
}
