package runners

import "strings"

// shCmd wraps script as an in-container /bin/sh -c invocation.
func shCmd(script string) []string {
	return []string{"/bin/sh", "-c", script}
}

// shQuote single-quotes s for safe embedding in a POSIX shell command,
// escaping any embedded single quotes.
func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// pyQuote renders s as a Python string literal suitable for embedding
// inside a double-quoted `sh -c "python3 -c \"...\""` argument: besides the
// Python-level escapes, it also escapes '$' and '`' so the shell doesn't
// expand or substitute them before python3 ever sees the source.
func pyQuote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"', '\\', '$', '`':
			b.WriteByte('\\')
			b.WriteRune(r)
		case '\n':
			b.WriteString(`\n`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}
