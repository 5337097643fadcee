package instructions

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instructions.txt")
	if err := os.WriteFile(path, []byte("\n  Answer briefly.  \n"), 0o644); err != nil {
		t.Fatal(err)
	}

	res := Load(path)
	if res.Defaulted {
		t.Fatal("expected file contents, got default")
	}
	if res.Text != "Answer briefly." {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if res.Source != path {
		t.Fatalf("unexpected source %q", res.Source)
	}
}

func TestLoadFallsBack(t *testing.T) {
	dir := t.TempDir()
	blank := filepath.Join(dir, "blank.txt")
	if err := os.WriteFile(blank, []byte("   \n\t"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := map[string]string{
		"missing":  filepath.Join(dir, "nope.txt"),
		"blank":    blank,
		"no path":  "",
		"is a dir": dir,
	}
	for name, path := range tests {
		t.Run(name, func(t *testing.T) {
			res := Load(path)
			if !res.Defaulted || res.Source != SourceDefault {
				t.Fatalf("expected default, got %+v", res)
			}
			if !strings.Contains(res.Text, "KNOWLEDGE BASE AVAILABLE:") {
				t.Fatalf("default text lacks knowledge base block: %q", res.Text)
			}
		})
	}
}
