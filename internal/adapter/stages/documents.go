package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/text/unicode/norm"

	"github.com/advocai/caseflow/internal/domain/werr"
)

// DocumentReader extracts the text of a case document (denial letter or
// policy document) referenced by the intake request.
type DocumentReader interface {
	ExtractText(ctx context.Context, ref string) (string, error)
}

// StatuteLibrary provides the statute corpus the regulatory stage analyzes
// denials against.
type StatuteLibrary interface {
	Load(ctx context.Context) (string, error)
}

// FileDocumentReader reads case documents from the filesystem. Extracted
// text is NFC-normalized so insurer documents with decomposed accents
// compare and prompt consistently.
type FileDocumentReader struct {
	fs afero.Fs
}

// NewFileDocumentReader creates a filesystem-backed document reader.
func NewFileDocumentReader(fs afero.Fs) *FileDocumentReader {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &FileDocumentReader{fs: fs}
}

func (r *FileDocumentReader) ExtractText(ctx context.Context, ref string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := afero.ReadFile(r.fs, ref)
	if err != nil {
		return "", werr.Wrap(werr.CategoryInvalidInput, fmt.Errorf("read document %s: %w", ref, err))
	}
	text := strings.TrimSpace(norm.NFC.String(string(data)))
	if text == "" {
		return "", werr.New(werr.CategoryInvalidInput, "document %s is empty", ref)
	}
	return text, nil
}

// FileStatuteLibrary loads the statute corpus from a single file
// (e.g. data/knowledge/statutes.md). A missing corpus is not fatal;
// the regulatory stage analyzes with an empty library and says so.
type FileStatuteLibrary struct {
	fs   afero.Fs
	path string
}

// NewFileStatuteLibrary creates a filesystem-backed statute library.
func NewFileStatuteLibrary(fs afero.Fs, path string) *FileStatuteLibrary {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &FileStatuteLibrary{fs: fs, path: path}
}

func (l *FileStatuteLibrary) Load(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	exists, err := afero.Exists(l.fs, l.path)
	if err != nil {
		return "", fmt.Errorf("check statutes file: %w", err)
	}
	if !exists {
		return "", nil
	}
	data, err := afero.ReadFile(l.fs, l.path)
	if err != nil {
		return "", fmt.Errorf("read statutes file %s: %w", l.path, err)
	}
	return norm.NFC.String(string(data)), nil
}
