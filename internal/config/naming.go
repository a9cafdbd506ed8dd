package config

import (
	"strings"
	"unicode"
)

// NamingStyle is a file-stem or identifier casing convention.
type NamingStyle string

const (
	SnakeCase  NamingStyle = "snake_case"
	KebabCase  NamingStyle = "kebab-case"
	PascalCase NamingStyle = "PascalCase"
	CamelCase  NamingStyle = "camelCase"
)

// ValidNamingStyle reports whether s is one of the recognized styles.
func ValidNamingStyle(s NamingStyle) bool {
	switch s {
	case SnakeCase, KebabCase, PascalCase, CamelCase:
		return true
	}
	return false
}

// splitWords breaks an identifier in any supported convention into its
// lowercase word parts. "UserProfileCard", "user_profile_card",
// "user-profile-card" and "userProfileCard" all yield
// ["user", "profile", "card"].
func splitWords(s string) []string {
	var words []string
	var cur strings.Builder

	flush := func() {
		if cur.Len() > 0 {
			words = append(words, strings.ToLower(cur.String()))
			cur.Reset()
		}
	}

	runes := []rune(s)
	for i, r := range runes {
		switch {
		case r == '_' || r == '-' || r == ' ':
			flush()
		case unicode.IsUpper(r):
			// Start a new word on a lower→upper boundary, and on the last
			// upper of an acronym run ("HTTPServer" → "http", "server").
			if i > 0 {
				prev := runes[i-1]
				next := rune(0)
				if i+1 < len(runes) {
					next = runes[i+1]
				}
				if unicode.IsLower(prev) || unicode.IsDigit(prev) ||
					(unicode.IsUpper(prev) && next != 0 && unicode.IsLower(next)) {
					flush()
				}
			}
			cur.WriteRune(r)
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return words
}

// ConvertStem rewrites a file stem into the target naming style.
func ConvertStem(stem string, style NamingStyle) string {
	words := splitWords(stem)
	if len(words) == 0 {
		return stem
	}
	switch style {
	case SnakeCase:
		return strings.Join(words, "_")
	case KebabCase:
		return strings.Join(words, "-")
	case PascalCase:
		var b strings.Builder
		for _, w := range words {
			b.WriteString(title(w))
		}
		return b.String()
	case CamelCase:
		var b strings.Builder
		for i, w := range words {
			if i == 0 {
				b.WriteString(w)
			} else {
				b.WriteString(title(w))
			}
		}
		return b.String()
	}
	return stem
}

func title(w string) string {
	if w == "" {
		return w
	}
	return strings.ToUpper(w[:1]) + w[1:]
}
