package record

import (
	"bytes"
	"context"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/internal/httpclient"
)

// Metadata keys set by the PDF loader
const (
	MetaPages = "pages"
	MetaPage  = "page"
)

// PDF extracts the text layer of a PDF, local or remote. Scanned pages
// without text come out empty.
type PDF struct {
	httpClient *httpclient.SaferClient
}

// NewPDF creates a PDF loader. Remote files are fetched through the
// SSRF-safer client.
func NewPDF() *PDF {
	return &PDF{httpClient: httpclient.New(DefaultFetchTimeout)}
}

// WithHTTPClient returns a copy of the loader fetching through client
func (p *PDF) WithHTTPClient(client *httpclient.SaferClient) *PDF {
	c := *p
	c.httpClient = client
	return &c
}

// Load implements Loader. Pages are joined with a blank line.
func (p *PDF) Load(ctx context.Context, source string) (Record, error) {
	pages, meta, err := p.read(ctx, source)
	if err != nil {
		return Record{}, loadError(source, err)
	}
	var nonEmpty []string
	for _, text := range pages {
		if text != "" {
			nonEmpty = append(nonEmpty, text)
		}
	}
	return New(strings.Join(nonEmpty, "\n\n"), meta), nil
}

// LoadPages returns one record per page, numbered from 1 under MetaPage
func (p *PDF) LoadPages(ctx context.Context, source string) ([]Record, error) {
	pages, meta, err := p.read(ctx, source)
	if err != nil {
		return nil, loadError(source, err)
	}
	out := make([]Record, len(pages))
	for i, text := range pages {
		out[i] = New(text, meta).With(MetaPage, i+1)
	}
	return out, nil
}

func (p *PDF) read(ctx context.Context, source string) ([]string, map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	var (
		data []byte
		err  error
	)
	if isURL(source) {
		data, err = fetch(ctx, p.httpClient, source)
	} else {
		data, err = readFile(source)
	}
	if err != nil {
		return nil, nil, err
	}

	pages, title, err := ParsePDF(data)
	if err != nil {
		return nil, nil, err
	}
	meta := map[string]any{
		MetaFormat: "pdf",
		MetaSource: source,
		MetaPages:  len(pages),
	}
	if title != "" {
		meta[MetaTitle] = title
		meta[MetaHeader] = title
	}
	return pages, meta, nil
}

// ParsePDF returns the trimmed text of each page and the document title
// from the info dictionary, if any. Malformed documents are an
// invalid-request error.
func ParsePDF(data []byte) (pages []string, title string, err error) {
	// the parser panics on some malformed object graphs
	defer func() {
		if r := recover(); r != nil {
			pages, title = nil, ""
			err = errors.Mark(errors.Newf("malformed PDF: %v", r), errors.ErrInvalidRequest)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, "", errors.Mark(errors.Wrap(err, "failed to parse PDF"), errors.ErrInvalidRequest)
	}

	n := reader.NumPage()
	pages = make([]string, 0, n)
	for i := 1; i <= n; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, "", errors.Mark(errors.Wrapf(err, "failed to extract text from page %d", i), errors.ErrInvalidRequest)
		}
		pages = append(pages, strings.TrimSpace(text))
	}

	title = strings.TrimSpace(reader.Trailer().Key("Info").Key("Title").Text())
	return pages, title, nil
}
