// Package document loads the text of documents to evaluate and manages the
// processed directory.
package document

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// ProcessedDir is the directory, next to the source, that receives evaluated documents.
const ProcessedDir = "processed"

var (
	ErrUnsupported = errors.New("unsupported document type")
	ErrEmpty       = errors.New("document has no text")
)

var (
	textExtensions   = []string{".txt", ".text", ".md"}
	binaryExtensions = []string{".pdf", ".doc", ".docx"}
)

// Document is the normalized text of one source file.
type Document struct {
	Path string
	Text string
}

// Stem returns the file name without extension.
func (d Document) Stem() string {
	base := filepath.Base(d.Path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Supported reports whether the file can be loaded as text.
func Supported(path string) bool {
	return slices.Contains(textExtensions, strings.ToLower(filepath.Ext(path)))
}

// Recognized reports whether the file is a document at all, loadable or not.
func Recognized(path string) bool {
	return Supported(path) || slices.Contains(binaryExtensions, strings.ToLower(filepath.Ext(path)))
}

// Load reads the file and returns its NFC-normalized text.
func Load(path string) (Document, error) {
	if !Supported(path) {
		return Document{}, fmt.Errorf("load %s: %w", path, ErrUnsupported)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read %s: %w", path, err)
	}
	if !utf8.Valid(data) {
		return Document{}, fmt.Errorf("load %s: file is not valid UTF-8", path)
	}

	text := norm.NFC.String(string(data))
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.TrimSpace(text)
	if text == "" {
		return Document{}, fmt.Errorf("load %s: %w", path, ErrEmpty)
	}

	return Document{Path: path, Text: text}, nil
}

// List returns the recognized documents directly inside dir, sorted by name.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read directory %s: %w", dir, err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if Recognized(entry.Name()) {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	slices.Sort(files)
	return files, nil
}

// PreferredName turns a name found in the results into a file-safe name.
// The fallback is used when the name is empty after sanitizing.
func PreferredName(name, fallback string) string {
	if safe := sanitize(name); safe != "" {
		return safe
	}
	if safe := sanitize(fallback); safe != "" {
		return safe
	}
	return "document"
}

func sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' || r == '-' || r == '_' {
			b.WriteRune(r)
		}
	}
	return strings.ReplaceAll(strings.TrimSpace(b.String()), " ", "_")
}

// MoveProcessed moves the file into the processed directory next to it,
// adding a numeric suffix when the name is taken. It returns the new path.
func MoveProcessed(path string) (string, error) {
	dir := filepath.Join(filepath.Dir(path), ProcessedDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}

	base := filepath.Base(path)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	dest := filepath.Join(dir, base)
	for i := 1; ; i++ {
		if _, err := os.Stat(dest); errors.Is(err, os.ErrNotExist) {
			break
		} else if err != nil {
			return "", fmt.Errorf("stat %s: %w", dest, err)
		}
		dest = filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, i, ext))
	}

	if err := os.Rename(path, dest); err != nil {
		return "", fmt.Errorf("move %s: %w", path, err)
	}
	return dest, nil
}
