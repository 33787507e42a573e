// Package security masks credentials in output and validates identifiers
// that arrive from outside the process.
package security

import (
	"io"
	"net/url"
	"regexp"
	"strings"
)

// sensitivePatterns match a secret's name followed by its value. The value
// is the second group.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)((?:apca-api-key-id|apca-api-secret-key|api[_-]?key|api[_-]?secret|secret[_-]?key|jwt[_-]?secret|access[_-]?token|password)"?\s*[=:]\s*"?)([^\s"',}]+)`),
	regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9_\-\.=]+)`),
}

// MaskCredential keeps the ends of a long secret and stars the rest.
func MaskCredential(value string) string {
	if len(value) == 0 {
		return ""
	}
	if len(value) <= 4 {
		return strings.Repeat("*", len(value))
	}
	if len(value) <= 8 {
		return value[:2] + strings.Repeat("*", len(value)-2)
	}
	return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
}

// MaskString masks every secret value found in s.
func MaskString(s string) string {
	for _, pattern := range sensitivePatterns {
		s = pattern.ReplaceAllStringFunc(s, func(match string) string {
			parts := pattern.FindStringSubmatch(match)
			return parts[1] + MaskCredential(parts[2])
		})
	}
	return s
}

// MaskURL hides user info, the query string and the last path segment, where
// webhook services keep their tokens.
func MaskURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return MaskCredential(raw)
	}
	path := u.EscapedPath()
	if i := strings.LastIndex(path, "/"); i >= 0 && i < len(path)-1 {
		path = path[:i+1] + MaskCredential(path[i+1:])
	}
	masked := u.Scheme + "://" + u.Host + path
	if u.RawQuery != "" {
		masked += "?***"
	}
	return masked
}

// RedactingWriter masks secrets in every write before passing it on.
type RedactingWriter struct {
	w io.Writer
}

// NewRedactingWriter wraps w.
func NewRedactingWriter(w io.Writer) *RedactingWriter {
	return &RedactingWriter{w: w}
}

// Write masks p and reports the original length so callers see a full write.
func (r *RedactingWriter) Write(p []byte) (int, error) {
	masked := MaskString(string(p))
	if _, err := io.WriteString(r.w, masked); err != nil {
		return 0, err
	}
	return len(p), nil
}
