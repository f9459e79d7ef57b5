package catalog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefault_Valid(t *testing.T) {
	items := Default()
	if len(items) != 16 {
		t.Fatalf("len(Default()) = %d, want 16", len(items))
	}
	if err := Validate(items); err != nil {
		t.Fatalf("Validate(Default()): %v", err)
	}
	if items[0].DestinationKey != "clash-rules/geoip.dat" {
		t.Fatalf("first item = %q, order changed", items[0].DestinationKey)
	}
	if items[len(items)-1].DestinationKey != "clash-rules/applications.txt" {
		t.Fatalf("last item = %q, order changed", items[len(items)-1].DestinationKey)
	}
}

func TestDefault_ReturnsCopy(t *testing.T) {
	a := Default()
	a[0].DestinationKey = "mutated"
	if Default()[0].DestinationKey == "mutated" {
		t.Fatal("Default() must not share its backing array")
	}
}

func TestDir(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"clash-rules/direct.txt", "clash-rules"},
		{"a/b/c.dat", "a/b"},
		{"top.txt", "."},
	}
	for _, tt := range tests {
		if got := (ResourceItem{DestinationKey: tt.key}).Dir(); got != tt.want {
			t.Fatalf("Dir(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestDirs_FirstSeenOrder(t *testing.T) {
	items := []ResourceItem{
		{DestinationKey: "b/1.txt"},
		{DestinationKey: "a/1.txt"},
		{DestinationKey: "b/2.txt"},
	}
	got := Dirs(items)
	if strings.Join(got, ",") != "b,a" {
		t.Fatalf("Dirs = %v, want [b a]", got)
	}
	if d := Dirs(Default()); len(d) != 1 || d[0] != "clash-rules" {
		t.Fatalf("Dirs(Default()) = %v", d)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name  string
		items []ResourceItem
		want  string
	}{
		{"empty", nil, "no resources"},
		{"missing url", []ResourceItem{{DestinationKey: "a/b.txt"}}, "resource 0"},
		{"bad scheme", []ResourceItem{{SourceURL: "ftp://example.com/x", DestinationKey: "a/x"}}, "http or https"},
		{"absolute key", []ResourceItem{{SourceURL: "https://example.com/x", DestinationKey: "/a/x"}}, "relative"},
		{"traversal", []ResourceItem{{SourceURL: "https://example.com/x", DestinationKey: "a/../x"}}, "dot segments"},
		{"duplicate", []ResourceItem{
			{SourceURL: "https://example.com/x", DestinationKey: "a/x"},
			{SourceURL: "https://example.com/y", DestinationKey: "a/x"},
		}, "already used by resource 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.items)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q should contain %q", err, tt.want)
			}
		})
	}
}

func TestParse(t *testing.T) {
	doc := `
resources:
  - url: https://example.com/rules/direct.txt
    key: rules/direct.txt
  - url: https://example.com/geo/geoip.dat
    key: geo/geoip.dat
`
	items, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(items) != 2 || items[1].DestinationKey != "geo/geoip.dat" {
		t.Fatalf("items = %+v", items)
	}
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	doc := "resources:\n  - url: https://example.com/a\n    key: a/b\n    bucket: other\n"
	if _, err := Parse([]byte(doc)); err == nil {
		t.Fatal("unknown fields should be rejected")
	}
}

func TestParse_Empty(t *testing.T) {
	if _, err := Parse([]byte("  \n")); err == nil {
		t.Fatal("empty document should be rejected")
	}
}

func TestLoadFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(p, []byte("resources:\n  - url: https://example.com/a.txt\n    key: x/a.txt\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	items, err := LoadFile(p)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(items) != 1 || items[0].Dir() != "x" {
		t.Fatalf("items = %+v", items)
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("missing file should error")
	}
}
