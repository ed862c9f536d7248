// Package reader provides document readers that turn files of supported
// formats into UTF-8 text for the extraction pipeline.
package reader

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/lu4p/cat"

	"github.com/veridata/fact-extract/pkg/logger"
)

// ErrUnsupportedFormat indicates the file extension has no reader.
var ErrUnsupportedFormat = errors.New("unsupported document format")

// Document is the reader's output: the extracted text plus the name the
// pipeline identifies the document by.
type Document struct {
	Name      string
	Text      string
	SourceURI string
}

// Reader extracts text from document files.
type Reader struct {
	log *logger.Logger
}

// New creates a document reader.
func New(log *logger.Logger) *Reader {
	if log == nil {
		log = logger.Default()
	}
	return &Reader{log: log.WithComponent("reader")}
}

// Supported reports whether the file extension has a reader.
func Supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md", ".pdf", ".docx", ".odt":
		return true
	}
	return false
}

// Read extracts the text of the file at path.
func (r *Reader) Read(path string) (*Document, error) {
	ext := strings.ToLower(filepath.Ext(path))

	var text string
	var err error
	switch ext {
	case ".txt", ".md":
		text, err = readPlain(path)
	case ".pdf":
		text, err = readPDF(path)
	case ".docx", ".odt":
		// cat handles the OOXML/ODF container formats.
		text, err = cat.File(path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	r.log.Debug("document read", "path", path, "text_len", len(text))

	return &Document{
		Name:      filepath.Base(path),
		Text:      text,
		SourceURI: path,
	}, nil
}

// readPlain returns the file content, coercing invalid UTF-8.
func readPlain(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(content) {
		return strings.ToValidUTF8(string(content), "�"), nil
	}
	return string(content), nil
}

// readPDF extracts the plain text of every page.
func readPDF(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("open PDF: %w", err)
	}

	var buf bytes.Buffer
	numPages := r.NumPage()
	for i := 1; i <= numPages; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("extract page %d: %w", i, err)
		}
		buf.WriteString(text)
		if i < numPages {
			buf.WriteByte('\n')
		}
	}
	return buf.String(), nil
}
