package server

import "testing"

func TestShouldSkipJWT(t *testing.T) {
	t.Parallel()

	cases := []struct {
		path string
		want bool
	}{
		{path: "/ping", want: true},
		{path: "/health", want: true},
		{path: "/telegram/webhook/bot-1", want: true},
		{path: "/uploads/photo/abc.jpg", want: true},
		{path: "/telegram/webhook", want: false},
		{path: "/dialogs", want: false},
		{path: "/bots", want: false},
		{path: "/events/ws", want: false},
	}

	for _, tc := range cases {
		got := shouldSkipJWT(tc.path)
		if got != tc.want {
			t.Fatalf("path=%q want=%v got=%v", tc.path, tc.want, got)
		}
	}
}
