package tgui

import "testing"

func TestEscapingHelpers(t *testing.T) {
	cases := []struct {
		got  H
		want string
	}{
		{B("Tom & Jerry"), "<b>Tom &amp; Jerry</b>"},
		{S("<19.99>"), "<s>&lt;19.99&gt;</s>"},
		{Link("Game \"Page\"", "https://x/?a=1&b=2"), `<a href="https://x/?a=1&amp;b=2">Game &#34;Page&#34;</a>`},
		{JoinH(" | ", B("a"), "", Esc("b")), "<b>a</b> | b"},
	}
	for i, tc := range cases {
		if tc.got.String() != tc.want {
			t.Fatalf("case %d: %q, want %q", i, tc.got, tc.want)
		}
	}
}

func TestTruncRunes(t *testing.T) {
	if got := TruncRunes("привет мир", 6); got != "привет…" {
		t.Fatalf("got %q", got)
	}
	if got := TruncRunes("short", 10); got != "short" {
		t.Fatalf("got %q", got)
	}
	if TruncRunes("x", 0) != "" {
		t.Fatal("n=0 kept text")
	}
}
