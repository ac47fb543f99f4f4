package outbox

import (
	"strings"
	"unicode/utf8"
)

// lastErrorText renders a delivery failure for Record.LastError. Joined handler
// errors are flattened onto one line with "; ". The text is cut to limit bytes
// on a rune boundary; a negative limit keeps it whole.
func lastErrorText(err error, limit int) string {
	if err == nil {
		return ""
	}
	msg := strings.Join(strings.FieldsFunc(err.Error(), func(r rune) bool { return r == '\n' }), "; ")
	if limit < 0 || len(msg) <= limit {
		return msg
	}
	msg = msg[:limit]
	for msg != "" {
		r, size := utf8.DecodeLastRuneInString(msg)
		if r != utf8.RuneError || size > 1 {
			break
		}
		msg = msg[:len(msg)-size]
	}
	return msg
}
