package reader

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestReadPlainText(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	content := "Line one.\n\nLine two with 42 units."
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	doc, err := New(nil).Read(path)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if doc.Name != "notes.txt" {
		t.Errorf("Name = %q, want notes.txt", doc.Name)
	}
	if doc.Text != content {
		t.Errorf("Text = %q, want original content", doc.Text)
	}
	if doc.SourceURI != path {
		t.Errorf("SourceURI = %q, want %q", doc.SourceURI, path)
	}
}

func TestReadInvalidUTF8Coerced(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.txt")
	if err := os.WriteFile(path, []byte{'o', 'k', 0xff, 0xfe, '!'}, 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	doc, err := New(nil).Read(path)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if doc.Text == "" {
		t.Error("Text is empty")
	}
	for _, r := range doc.Text {
		if r == 0xFFFD {
			return // replacement character present, as expected
		}
	}
	t.Error("invalid bytes were not replaced")
}

func TestReadUnsupportedFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.png")
	if err := os.WriteFile(path, []byte{0x89, 'P', 'N', 'G'}, 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	_, err := New(nil).Read(path)
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("error = %v, want ErrUnsupportedFormat", err)
	}
}

func TestSupported(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"doc.txt", true},
		{"doc.md", true},
		{"doc.PDF", true},
		{"doc.docx", true},
		{"doc.odt", true},
		{"doc.png", false},
		{"doc", false},
	}
	for _, tt := range tests {
		if got := Supported(tt.path); got != tt.want {
			t.Errorf("Supported(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}
