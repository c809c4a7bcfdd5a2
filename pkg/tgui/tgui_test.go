package tgui

import (
	"errors"
	"strings"
	"testing"
)

func TestEsc(t *testing.T) {
	if got := Esc(`<b>"Tom & Jerry"</b>`).String(); got != "&lt;b&gt;&#34;Tom &amp; Jerry&#34;&lt;/b&gt;" {
		t.Fatalf("Esc=%q", got)
	}
	if got := B("a<b"); got != "<b>a&lt;b</b>" {
		t.Fatalf("B=%q", got)
	}
	if got := EscJoin(", ", []string{"Ann", "<Bo>"}); got != "Ann, &lt;Bo&gt;" {
		t.Fatalf("EscJoin=%q", got)
	}
	if got := JoinH(" | ", B("x"), "", Code("y")); got != "<b>x</b> | <code>y</code>" {
		t.Fatalf("JoinH=%q", got)
	}
}

func TestTruncRunes(t *testing.T) {
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello", 4, "hell…"},
		{"héllo", 2, "hé…"},
		{"x", 0, ""},
	}
	for _, tc := range cases {
		if got := TruncRunes(tc.in, tc.n); got != tc.want {
			t.Errorf("TruncRunes(%q,%d)=%q want %q", tc.in, tc.n, got, tc.want)
		}
	}
	if got := FirstLine("\n  Sunday practice \nbring water", 8); got != "Sunday p…" {
		t.Fatalf("FirstLine=%q", got)
	}
}

func TestData(t *testing.T) {
	d := Data("rsvp", "7", "yes")
	if d != "rsvp:7:yes" {
		t.Fatalf("Data=%q", d)
	}
	action, payload, ok := SplitData(d, "rsvp")
	if !ok || action != "7" || payload != "yes" {
		t.Fatalf("SplitData=(%q,%q,%v)", action, payload, ok)
	}
	if _, _, ok := SplitData("other:7:yes", "rsvp"); ok {
		t.Fatal("foreign prefix accepted")
	}
	if Data("menu", "open", "") != "menu:open" {
		t.Fatal("empty payload should drop separator")
	}
	if err := CheckData(strings.Repeat("a", MaxCallbackDataLen+1)); !errors.Is(err, ErrCallbackDataTooLong) {
		t.Fatalf("CheckData=%v", err)
	}
}

func TestInline(t *testing.T) {
	kb := NewInline().Row(Btn("YES", "rsvp:1:yes"), Btn("NO", "rsvp:1:no")).Row(Btn("Help", "menu:help"))
	if kb.Len() != 2 {
		t.Fatalf("rows=%d", kb.Len())
	}
	m := kb.Markup()
	if len(m.InlineKeyboard) != 2 || m.InlineKeyboard[0][1].Data != "rsvp:1:no" {
		t.Fatalf("markup=%+v", m.InlineKeyboard)
	}
	if kb.Err() != nil {
		t.Fatalf("Err=%v", kb.Err())
	}
	if NewInline().Markup() != nil {
		t.Fatal("empty keyboard should have no markup")
	}

	bad := NewInline().Row(Btn("X", strings.Repeat("x", MaxCallbackDataLen+1)))
	if !errors.Is(bad.Err(), ErrCallbackDataTooLong) {
		t.Fatalf("Err=%v", bad.Err())
	}
}
