package filetransfer

import "strings"

const maxFileNameLen = 255

// SanitizeFileName strips everything that could make a received name
// dangerous to write to disk: path separators, parent references, control
// bytes and NUL. The result is never empty.
func SanitizeFileName(name string) string {
	var sb strings.Builder
	for _, r := range name {
		switch {
		case r == '/' || r == '\\':
			sb.WriteByte('_')
		case r < 0x20 || r == 0x7F:
			// drop control bytes entirely
		default:
			sb.WriteRune(r)
		}
	}
	out := sb.String()
	for strings.Contains(out, "..") {
		out = strings.ReplaceAll(out, "..", ".")
	}
	out = strings.Trim(out, ". ")
	if out == "" {
		out = "unnamed"
	}
	if len(out) > maxFileNameLen {
		out = out[:maxFileNameLen]
	}
	return out
}
