package urlresolve

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	t.Parallel()

	const base = "https://www.example.com/auction/3921/lot/12"
	tests := []struct {
		name   string
		raw    string
		base   string
		want   string
		wantOK bool
	}{
		{name: "protocol relative", raw: "//cdn.example.com/a.jpg", base: base, want: "https://cdn.example.com/a.jpg", wantOK: true},
		{name: "protocol relative cache buster", raw: "//cdn.example.com/a.jpg?1699999999", base: "", want: "https://cdn.example.com/a.jpg", wantOK: true},
		{name: "root relative", raw: "/images/lot12.jpg", base: base, want: "https://www.example.com/images/lot12.jpg", wantOK: true},
		{name: "path relative", raw: "img/12.jpg", base: base, want: "https://www.example.com/auction/3921/lot/img/12.jpg", wantOK: true},
		{name: "absolute", raw: "http://other.example.org/x.png", base: base, want: "http://other.example.org/x.png", wantOK: true},
		{name: "query kept verbatim", raw: "/img.php?id=5&sig=a%2Fb=", base: base, want: "https://www.example.com/img.php?id=5&sig=a%2Fb=", wantOK: true},
		{name: "cache buster dropped", raw: "https://cdn.example.com/x.jpg?998877", base: base, want: "https://cdn.example.com/x.jpg", wantOK: true},
		{name: "token query kept", raw: "https://cdn.example.com/x.jpg?token=abc123", base: base, want: "https://cdn.example.com/x.jpg?token=abc123", wantOK: true},
		{name: "empty query dropped", raw: "/x.jpg?", base: base, want: "https://www.example.com/x.jpg", wantOK: true},
		{name: "surrounding space", raw: "  /a.jpg \n", base: base, want: "https://www.example.com/a.jpg", wantOK: true},
		{name: "empty", raw: "", base: base},
		{name: "data uri", raw: "data:image/png;base64,AAAA", base: base},
		{name: "relative without base", raw: "a.jpg", base: ""},
		{name: "unsupported scheme", raw: "ftp://example.com/a.jpg", base: base},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := Resolve(tt.raw, tt.base)
			require.Equal(t, tt.wantOK, ok)
			require.Equal(t, tt.want, got)
		})
	}
}
