// Package extract turns uploaded documents into plain text for the model.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gen2brain/go-fitz"
	"golang.org/x/sync/errgroup"
)

// File is one uploaded file held in memory.
type File struct {
	Name      string
	MediaType string
	Data      []byte
}

// Kind of text a file can yield.
type Kind string

const (
	KindNone Kind = ""
	KindPDF  Kind = "PDF"
	KindDOCX Kind = "DOCX"
	KindText Kind = "Text File"
)

// maxConcurrent bounds how many documents are parsed at once.
const maxConcurrent = 4

// KindOf picks the extractor by file extension first, then by media type.
func KindOf(name, mediaType string) Kind {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".pdf"):
		return KindPDF
	case strings.HasSuffix(lower, ".docx"):
		return KindDOCX
	case strings.HasPrefix(mediaType, "text/"):
		return KindText
	default:
		return KindNone
	}
}

// PDF returns the text of every page, concatenated.
func PDF(data []byte) (string, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return "", fmt.Errorf("failed to open PDF: %w", err)
	}
	defer doc.Close()

	var sb strings.Builder
	for i := 0; i < doc.NumPage(); i++ {
		text, err := doc.Text(i)
		if err != nil {
			return "", fmt.Errorf("failed to read PDF page %d: %w", i+1, err)
		}
		sb.WriteString(text)
	}
	return sb.String(), nil
}

// Text decodes data as UTF-8, replacing invalid sequences.
func Text(data []byte) string {
	return strings.ToValidUTF8(string(data), "�")
}

// Section renders the text of one file with its header. Files that carry no
// extractable text return "" and a nil error.
func Section(f File) (string, error) {
	var (
		kind = KindOf(f.Name, f.MediaType)
		text string
		err  error
	)
	switch kind {
	case KindPDF:
		text, err = PDF(f.Data)
	case KindDOCX:
		text, err = DOCX(f.Data)
	case KindText:
		text = Text(f.Data)
	default:
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("\n\n--- Content from %s: %s ---\n%s\n", kind, f.Name, text), nil
}

// FailedSection is the placeholder used when a file could not be read.
func FailedSection(name string) string {
	return fmt.Sprintf("\n\n--- Could not extract text from %s ---\n", name)
}

// ExtractAll extracts every file concurrently and joins the sections in
// upload order. A failing file becomes a placeholder; the batch never fails.
// Files not yet started when ctx is done are left out.
func ExtractAll(ctx context.Context, files []File) string {
	sections := make([]string, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrent)
	for i, f := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			section, err := Section(f)
			if err != nil {
				slog.Warn("document extraction failed", "file", f.Name, "error", err)
				section = FailedSection(f.Name)
			}
			sections[i] = section
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		slog.Warn("document extraction cancelled", "files", len(files), "error", err)
	}

	return strings.TrimSpace(strings.Join(sections, ""))
}
