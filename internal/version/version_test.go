package version

import (
	"strings"
	"testing"
)

func TestGet(t *testing.T) {
	info := Get()
	switch {
	case info.Version == "":
		t.Error("version should not be empty")
	case info.Commit == "":
		t.Error("commit should not be empty")
	case info.Date == "":
		t.Error("date should not be empty")
	}
}

func TestString(t *testing.T) {
	s := Info{Version: "1.2.3", Commit: "abc", Date: "2026-01-01"}.String()
	for _, part := range []string{"version=1.2.3", "commit=abc", "date=2026-01-01"} {
		if !strings.Contains(s, part) {
			t.Errorf("String() = %q, missing %q", s, part)
		}
	}
}

func TestFields(t *testing.T) {
	fields := Info{Version: "1.2.3", Commit: "abc", Date: "today"}.Fields()
	if fields["version"] != "1.2.3" || fields["commit"] != "abc" || fields["built"] != "today" {
		t.Fatalf("unexpected fields: %v", fields)
	}
}
