package registry

import "strings"

// matchGlob implements the registry pattern semantics: '*' matches
// any run of characters except '/'; '**' matches across '/'; '?' matches
// exactly one character other than '/'; every other character matches
// literally.
func matchGlob(pattern, key string) bool {
	return matchGlobBytes([]rune(pattern), []rune(key))
}

func matchGlobBytes(p, s []rune) bool {
	for len(p) > 0 {
		switch {
		case len(p) >= 2 && p[0] == '*' && p[1] == '*':
			p = p[2:]
			if len(p) == 0 {
				return true
			}
			for i := 0; i <= len(s); i++ {
				if matchGlobBytes(p, s[i:]) {
					return true
				}
			}
			return false
		case p[0] == '*':
			p = p[1:]
			if len(p) == 0 {
				return !strings.ContainsRune(string(s), '/')
			}
			for i := 0; i <= len(s); i++ {
				if i > 0 && s[i-1] == '/' {
					break
				}
				if matchGlobBytes(p, s[i:]) {
					return true
				}
			}
			return false
		case p[0] == '?':
			if len(s) == 0 || s[0] == '/' {
				return false
			}
			p, s = p[1:], s[1:]
		default:
			if len(s) == 0 || s[0] != p[0] {
				return false
			}
			p, s = p[1:], s[1:]
		}
	}
	return len(s) == 0
}
