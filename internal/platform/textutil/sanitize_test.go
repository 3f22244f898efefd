package textutil

import "testing"

func TestPlainText(t *testing.T) {
	cases := map[string]string{
		"":                                    "",
		"   ":                                 "",
		"Left  Tokyo\n hub":                   "Left Tokyo hub",
		"<b>Arrived</b> at <i>depot</i>":      "Arrived at depot",
		"<script>alert(1)</script>Delivered":  "Delivered",
		"Tom & Jerry's parcel":                "Tom & Jerry's parcel",
		"<a href=\"https://x\">track</a> now": "track now",
	}
	for input, want := range cases {
		if got := PlainText(input); got != want {
			t.Fatalf("PlainText(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestPlainTextPtr(t *testing.T) {
	if PlainTextPtr(nil) != nil {
		t.Fatalf("expected nil for nil input")
	}
	blank := " <br/> "
	if PlainTextPtr(&blank) != nil {
		t.Fatalf("expected nil when nothing remains")
	}
	value := " Osaka "
	got := PlainTextPtr(&value)
	if got == nil || *got != "Osaka" {
		t.Fatalf("unexpected result %v", got)
	}
}

func TestExceedsRunes(t *testing.T) {
	if ExceedsRunes("東京都", 3) {
		t.Fatalf("three runes should fit a limit of three")
	}
	if !ExceedsRunes("東京都港区", 3) {
		t.Fatalf("expected limit exceeded")
	}
	if ExceedsRunes("anything", 0) {
		t.Fatalf("zero limit disables the check")
	}
}
