package record

import (
	"bytes"
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/internal/httpclient"
)

// Default selectors
const (
	DefaultContentSelectors = "main, article, div.content"
	DefaultHeaderSelectors  = "header, nav"
)

// MetaTags is the metadata key holding <meta name=... content=...> pairs
const MetaTags = "meta"

// HTML extracts readable text from an HTML page, local or remote
type HTML struct {
	selectors  string
	httpClient *httpclient.SaferClient
}

// NewHTML creates an HTML loader with the default content selectors.
// Remote pages are fetched through the SSRF-safer client.
func NewHTML() *HTML {
	return &HTML{
		selectors:  DefaultContentSelectors,
		httpClient: httpclient.New(DefaultFetchTimeout),
	}
}

// WithSelectors returns a copy of the loader using other content selectors
func (h *HTML) WithSelectors(selectors string) *HTML {
	c := *h
	c.selectors = selectors
	return &c
}

// WithHTTPClient returns a copy of the loader fetching through client
func (h *HTML) WithHTTPClient(client *httpclient.SaferClient) *HTML {
	c := *h
	c.httpClient = client
	return &c
}

// Load implements Loader
func (h *HTML) Load(ctx context.Context, source string) (Record, error) {
	var (
		data []byte
		err  error
	)
	if isURL(source) {
		data, err = fetch(ctx, h.httpClient, source)
	} else {
		data, err = readFile(source)
	}
	if err != nil {
		return Record{}, loadError(source, err)
	}

	r, err := h.Parse(data)
	if err != nil {
		return Record{}, loadError(source, err)
	}
	return r.With(MetaSource, source), nil
}

// Parse builds a record from an HTML document
func (h *HTML) Parse(data []byte) (Record, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return Record{}, errors.Wrap(err, "failed to parse HTML")
	}
	doc.Find("script, style, noscript, template").Remove()

	meta := map[string]any{}
	doc.Find("meta[name]").Each(func(_ int, sel *goquery.Selection) {
		name, _ := sel.Attr("name")
		content, ok := sel.Attr("content")
		if name != "" && ok {
			meta[name] = content
		}
	})

	header := joinText(doc.Find(DefaultHeaderSelectors), DefaultHeaderSelectors)

	content := doc.Find(h.selectors)
	var text string
	if content.Length() > 0 {
		text = joinText(content, h.selectors)
	} else {
		body := doc.Find("body").Clone()
		body.Find(DefaultHeaderSelectors + ", footer").Remove()
		text = collapse(body.Text())
	}

	metadata := map[string]any{MetaFormat: "html"}
	if title := collapse(doc.Find("title").First().Text()); title != "" {
		metadata[MetaTitle] = title
	}
	if header != "" {
		metadata[MetaHeader] = header
	}
	if len(meta) > 0 {
		metadata[MetaTags] = meta
	}
	return New(text, metadata), nil
}

// joinText collapses the text of each selected element, one per line.
// Nested matches (an article inside main) are only counted once.
func joinText(sel *goquery.Selection, selector string) string {
	var parts []string
	sel.Each(func(_ int, s *goquery.Selection) {
		if s.ParentsFiltered(selector).Length() > 0 {
			return
		}
		if t := collapse(s.Text()); t != "" {
			parts = append(parts, t)
		}
	})
	return strings.Join(parts, "\n")
}

// collapse squeezes runs of whitespace into single spaces
func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
