package normalize

import "testing"

func TestClean(t *testing.T) {
	cases := []struct{ in, want string }{
		{"  It’s <b>here</b>  ", "It's bhere/b"},
		{"line one\n\n  line two", "line one line two"},
		{"carriage\r\nreturn", "carriage return"},
		{"tabs\t\n\tand spaces", "tabs and spaces"},
		{"keeps  double  spaces", "keeps  double  spaces"},
		{"\n\n", ""},
	}
	for _, tc := range cases {
		if got := Clean(tc.in); got != tc.want {
			t.Fatalf("Clean(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestCleanIdempotent(t *testing.T) {
	inputs := []string{
		"Chapter 1 — The ’Beginning’\r\n\r\n<i>Once</i> upon a time.\n",
		"   ",
		"already clean text",
		"a \n b \t\n c",
	}
	for _, in := range inputs {
		once := Clean(in)
		if twice := Clean(once); twice != once {
			t.Fatalf("Clean not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}

func TestExpandNumbers(t *testing.T) {
	got := ExpandNumbers("In 1999 there were 3 cats and 21 dogs.", "en")
	want := "In one thousand, nine hundred and ninety-nine there were three cats and twenty-one dogs."
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestExpandNumbersLeavesMixedTokens(t *testing.T) {
	got := ExpandNumbers("Call 5pm or room A12, version 2", "en-US")
	if got != "Call 5pm or room A12, version two" {
		t.Fatalf("unexpected expansion %q", got)
	}
}

func TestExpandNumbersUnicodeBoundaries(t *testing.T) {
	cases := []struct{ in, want string }{
		{"café2", "café2"},
		{"1º lugar", "1º lugar"},
		{"año 2 días", "año two días"},
		{"«3»", "«three»"},
		{"x_4", "x_4"},
	}
	for _, tc := range cases {
		if got := ExpandNumbers(tc.in, "en"); got != tc.want {
			t.Fatalf("ExpandNumbers(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestCleanFoldsUnicodeSpaceAroundBreaks(t *testing.T) {
	if got := Clean("x\u00a0\ny"); got != "x y" {
		t.Fatalf("expected NBSP folded with the line break, got %q", got)
	}
	if got := Clean("a\u3000\n\u2003b"); got != "a b" {
		t.Fatalf("expected ideographic and em spaces folded, got %q", got)
	}
	if got := Clean("keep\u00a0nbsp"); got != "keep\u00a0nbsp" {
		t.Fatalf("NBSP without a line break must stay, got %q", got)
	}
}

func TestExpandNumbersNoLanguage(t *testing.T) {
	in := "Page 42"
	if got := ExpandNumbers(in, ""); got != in {
		t.Fatalf("expected no-op without language, got %q", got)
	}
	if got := ExpandNumbers(in, "xx-invalid-tag-!!"); got != in {
		t.Fatalf("expected no-op for invalid tag, got %q", got)
	}
	if got := ExpandNumbers(in, "ja"); got != in {
		t.Fatalf("expected no-op for unsupported language, got %q", got)
	}
}

func TestExpandNumbersOverflow(t *testing.T) {
	in := "id 123456789012345678901234567890"
	if got := ExpandNumbers(in, "en"); got != in {
		t.Fatalf("expected overflowing run left as digits, got %q", got)
	}
}

func TestEnglish(t *testing.T) {
	cases := []struct {
		n    uint64
		want string
	}{
		{0, "zero"},
		{7, "seven"},
		{15, "fifteen"},
		{40, "forty"},
		{99, "ninety-nine"},
		{100, "one hundred"},
		{101, "one hundred and one"},
		{1000, "one thousand"},
		{1001, "one thousand and one"},
		{1100, "one thousand, one hundred"},
		{1234, "one thousand, two hundred and thirty-four"},
		{2000000, "two million"},
		{1000020, "one million and twenty"},
	}
	for _, tc := range cases {
		if got := English(tc.n); got != tc.want {
			t.Fatalf("English(%d) = %q, want %q", tc.n, got, tc.want)
		}
	}
}

func TestPrepare(t *testing.T) {
	if got := Prepare("Top 10\nreasons", "en"); got != "Top ten reasons" {
		t.Fatalf("unexpected prepared text %q", got)
	}
}
