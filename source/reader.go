// Package source reads the public intervention table over HTTP and returns
// its body rows as raw cell strings.
package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const maxBodyBytes = 8 << 20

// ErrBodyTooLarge is wrapped when a response is longer than Config.MaxBodyBytes.
var ErrBodyTooLarge = errors.New("response body too large")

type Config struct {
	URL        string
	UserAgent  string
	TableIndex int
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration
	MaxBackoff time.Duration
	// MaxBodyBytes caps the page size; a longer page fails the fetch. Zero means 8 MiB.
	MaxBodyBytes int64
}

// Reader fetches one snapshot per call. It holds no state between calls.
type Reader struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

func NewReader(cfg Config, logger *slog.Logger) (*Reader, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("source url is required")
	}
	if cfg.TableIndex < 0 {
		return nil, fmt.Errorf("table index must not be negative")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = maxBodyBytes
	}
	if cfg.MaxBackoff < cfg.Backoff {
		cfg.MaxBackoff = cfg.Backoff
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Reader{
		cfg:    cfg,
		client: NewHTTPClient(cfg.Timeout),
		logger: logger.With("component", "source"),
	}, nil
}

// Fetch downloads the page and returns the data rows of the configured table
// in document order. Transient HTTP failures are retried inside one call.
func (r *Reader) Fetch(ctx context.Context) ([][]string, error) {
	var body []byte
	attempt := 0
	err := Retry(ctx, 1+r.cfg.MaxRetries, r.cfg.Backoff, r.cfg.MaxBackoff, func() error {
		attempt++
		b, err := r.get(ctx)
		if err != nil {
			r.logger.Debug("fetch attempt failed", "attempt", attempt, "err", err)
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		var fe *FetchError
		if errors.As(err, &fe) {
			return nil, fe
		}
		return nil, &FetchError{Kind: classify(err), URL: r.cfg.URL, Err: err}
	}

	rows, err := ExtractRows(bytes.NewReader(body), r.cfg.TableIndex)
	if err != nil {
		return nil, &FetchError{Kind: KindTableNotFound, URL: r.cfg.URL, Err: err}
	}
	r.logger.Debug("fetched", "rows", len(rows), "bytes", len(body), "attempts", attempt)
	return rows, nil
}

func (r *Reader) get(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.URL, nil)
	if err != nil {
		return nil, permanent(&FetchError{Kind: KindUnreachable, URL: r.cfg.URL, Err: err})
	}
	if r.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", r.cfg.UserAgent)
	}
	req.Header.Set("Accept", "text/html")

	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, permanent(&FetchError{Kind: classify(ctx.Err()), URL: r.cfg.URL, Err: ctx.Err()})
		}
		return nil, &FetchError{Kind: classify(err), URL: r.cfg.URL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		fe := &FetchError{Kind: KindUnreachable, URL: r.cfg.URL, StatusCode: resp.StatusCode}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, fe
		}
		return nil, permanent(fe)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, r.cfg.MaxBodyBytes+1))
	if err != nil {
		return nil, &FetchError{Kind: classify(err), URL: r.cfg.URL, Err: err}
	}
	if int64(len(b)) > r.cfg.MaxBodyBytes {
		return nil, permanent(&FetchError{Kind: KindUnreachable, URL: r.cfg.URL,
			Err: fmt.Errorf("%w: more than %d bytes", ErrBodyTooLarge, r.cfg.MaxBodyBytes)})
	}
	return b, nil
}

// ErrNoTable is wrapped by ExtractRows when the document has fewer tables than requested.
var ErrNoTable = errors.New("table not found")

// ExtractRows parses an HTML document and returns the <td> texts of every row
// of the index-th table. Header rows made only of <th> cells are skipped, and
// rows of nested tables belong to the nested table.
func ExtractRows(r io.Reader, index int) ([][]string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	var tables []*html.Node
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Table {
			tables = append(tables, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	if index >= len(tables) {
		return nil, fmt.Errorf("%w: want index %d, document has %d", ErrNoTable, index, len(tables))
	}

	rows := [][]string{}
	for _, tr := range tableRows(tables[index]) {
		var cells []string
		for c := tr.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && c.DataAtom == atom.Td {
				cells = append(cells, nodeText(c))
			}
		}
		if len(cells) == 0 {
			continue
		}
		rows = append(rows, cells)
	}
	return rows, nil
}

func tableRows(table *html.Node) []*html.Node {
	var out []*html.Node
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			switch c.DataAtom {
			case atom.Table:
				continue
			case atom.Tr:
				out = append(out, c)
			case atom.Thead, atom.Tbody, atom.Tfoot:
				walk(c)
			}
		}
	}
	walk(table)
	return out
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch {
		case n.Type == html.TextNode:
			b.WriteString(n.Data)
		case n.Type == html.ElementNode && n.DataAtom == atom.Br:
			b.WriteString(" ")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}
