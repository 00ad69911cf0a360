package record

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/internal/httpclient"
)

// MaxSourceBytes caps how much of a file or response body a loader reads
const MaxSourceBytes = 16 << 20

// DefaultFetchTimeout bounds URL fetches
const DefaultFetchTimeout = 30 * time.Second

// Loader produces a record from a source: a file path or, for loaders that
// support it, an http(s) URL
type Loader interface {
	Load(ctx context.Context, source string) (Record, error)
}

// LoadError reports a source that could not be turned into a record
type LoadError struct {
	Source string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %v", e.Source, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

func loadError(source string, err error) error {
	return &LoadError{Source: source, Err: err}
}

// ForPath picks a loader by file extension: .html/.htm, .md/.markdown, .pdf,
// and plain text for everything else. URLs are loaded as HTML unless the
// path ends in .pdf.
func ForPath(source string) Loader {
	ext := strings.ToLower(filepath.Ext(source))
	if ext == ".pdf" {
		return NewPDF()
	}
	if isURL(source) {
		return NewHTML()
	}
	switch ext {
	case ".html", ".htm", ".xhtml":
		return NewHTML()
	case ".md", ".markdown":
		return NewMarkdown()
	}
	return NewText()
}

// Load reads source with the loader ForPath picks
func Load(ctx context.Context, source string) (Record, error) {
	return ForPath(source).Load(ctx, source)
}

// LoadAll loads every source, stopping at the first failure
func LoadAll(ctx context.Context, sources []string) ([]Record, error) {
	out := make([]Record, 0, len(sources))
	for _, src := range sources {
		r, err := Load(ctx, src)
		if err != nil {
			return out, err
		}
		out = append(out, r)
	}
	return out, nil
}

func isURL(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

// readFile reads a local file, bounded by MaxSourceBytes
func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(errors.ErrNotFound, err.Error())
		}
		return nil, err
	}
	defer f.Close()
	return readBounded(f)
}

// fetch GETs a URL through the SSRF-safer client
func fetch(ctx context.Context, client *httpclient.SaferClient, url string) ([]byte, error) {
	resp, err := client.Get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := errors.Newf("GET %s: status %d", url, resp.StatusCode)
		if resp.StatusCode == http.StatusNotFound {
			err = errors.Mark(err, errors.ErrNotFound)
		}
		return nil, err
	}
	return readBounded(resp.Body)
}

func readBounded(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxSourceBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > MaxSourceBytes {
		return nil, errors.NewInvalidRequestError("source exceeds %d bytes", MaxSourceBytes)
	}
	return data, nil
}
