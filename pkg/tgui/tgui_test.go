package tgui

import "testing"

func TestHTMLHelpers(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		got  H
		want string
	}{
		{"escape", Esc(`a < b & "c"`), `a &lt; b &amp; &#34;c&#34;`},
		{"bold", B("x<y"), "<b>x&lt;y</b>"},
		{"italic", I("bye"), "<i>bye</i>"},
		{"link keeps inner markup", Link("https://e.x/?a=1&b=2", B("T")), `<a href="https://e.x/?a=1&amp;b=2"><b>T</b></a>`},
		{"field", Field("k", "v>1"), "<b>k</b>: v&gt;1"},
		{"join skips blanks", JoinH(" | ", B("a"), "", " ", B("b")), "<b>a</b> | <b>b</b>"},
		{"join nothing", JoinH(", "), ""},
	}
	for _, tc := range cases {
		if tc.got.String() != tc.want {
			t.Fatalf("%s: got %q want %q", tc.name, tc.got, tc.want)
		}
	}
}
