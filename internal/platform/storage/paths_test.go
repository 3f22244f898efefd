package storage

import "testing"

func TestTimelineArchivePath(t *testing.T) {
	path, err := TimelineArchivePath(" ord_01HX ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path != "orders/ord_01HX/timeline.json" {
		t.Fatalf("unexpected path %s", path)
	}
}

func TestTimelineArchivePathRejectsInvalidSegment(t *testing.T) {
	for _, id := range []string{"", "../ord", "ord/1", `ord\1`} {
		if _, err := TimelineArchivePath(id); err == nil {
			t.Fatalf("expected error for %q", id)
		}
	}
}
