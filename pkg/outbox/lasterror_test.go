package outbox

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLastErrorText(t *testing.T) {
	t.Parallel()

	joined := errors.Join(
		&HandlerError{Handler: "a", Index: 0, Err: errors.New("boom")},
		&HandlerError{Handler: "b", Index: 1, Err: errors.New("bang")},
	)
	cases := []struct {
		name  string
		err   error
		limit int
		want  string
	}{
		{"nil", nil, 10, ""},
		{"cut", errors.New("hello world"), 5, "hello"},
		{"fits", errors.New("short"), 64, "short"},
		{"zero limit", errors.New("short"), 0, ""},
		{"unlimited", errors.New("hello world"), -1, "hello world"},
		{"rune boundary", errors.New("привет"), 5, "пр"},
		{"joined", joined, -1, "handler #0 (a): boom; handler #1 (b): bang"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, lastErrorText(tc.err, tc.limit))
		})
	}
}
