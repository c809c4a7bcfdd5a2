package attendance

import (
	"errors"
	"testing"

	"rollcall/internal/model"
)

func TestParseReply(t *testing.T) {
	cases := []struct {
		name   string
		text   string
		active []int64
		id     int64
		choice model.Choice
		ok     bool
	}{
		{"explicit id", "YES 7", []int64{7, 8}, 7, model.ChoiceYes, true},
		{"lowercase", "no 12", nil, 12, model.ChoiceNo, true},
		{"bare single active", "Yes", []int64{3}, 3, model.ChoiceYes, true},
		{"bare ambiguous", "NO", []int64{3, 4}, 0, model.ChoiceNo, true},
		{"bare none active", "yes", nil, 0, model.ChoiceYes, true},
		{"not an answer", "hello there", []int64{1}, 0, "", false},
		{"bad id", "YES abc", []int64{1}, 0, "", false},
		{"zero id", "YES 0", []int64{1}, 0, "", false},
		{"too many words", "yes 1 please", []int64{1}, 0, "", false},
		{"empty", "   ", []int64{1}, 0, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id, choice, ok := ParseReply(tc.text, tc.active)
			if ok != tc.ok || id != tc.id || choice != tc.choice {
				t.Fatalf("ParseReply(%q)=(%d,%q,%v) want (%d,%q,%v)", tc.text, id, choice, ok, tc.id, tc.choice, tc.ok)
			}
		})
	}
}

func TestChoiceData(t *testing.T) {
	data := EncodeChoiceData(7, model.ChoiceNo)
	if data != "rsvp:7:no" {
		t.Fatalf("encoded=%q", data)
	}
	if !IsChoiceData(data) {
		t.Fatalf("IsChoiceData(%q)=false", data)
	}
	id, c, err := DecodeChoiceData(data)
	if err != nil || id != 7 || c != model.ChoiceNo {
		t.Fatalf("decode=(%d,%q,%v)", id, c, err)
	}

	if _, _, err := DecodeChoiceData("rsvp:7:maybe"); !errors.Is(err, ErrInvalidChoice) {
		t.Fatalf("want ErrInvalidChoice, got %v", err)
	}
	for _, bad := range []string{"", "rsvp:x:yes", "other:7:yes", "rsvp:7"} {
		if _, _, err := DecodeChoiceData(bad); err == nil {
			t.Fatalf("DecodeChoiceData(%q) want error", bad)
		}
	}
}
