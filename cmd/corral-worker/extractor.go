package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/corralhq/corral/pkg/contracts"
	"github.com/corralhq/corral/pkg/fault"
)

// extractorClient speaks JSON over HTTP to the extraction sidecar, which
// wraps the PDF rasterizer and the LLM provider behind four endpoints.
// It backs both the page classifier and the document extractor; every
// document it returns still crosses the schema gate in pkg/extract.
type extractorClient struct {
	base string
	http *http.Client
}

func newExtractorClient(base string) *extractorClient {
	return &extractorClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 5 * time.Minute},
	}
}

func (c *extractorClient) PageCount(ctx context.Context, pdfPath string) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	q := url.Values{"pdf": {pdfPath}}
	if err := c.get(ctx, "/v1/pages/count?"+q.Encode(), &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

func (c *extractorClient) PageText(ctx context.Context, pdfPath string, page int) (string, error) {
	var out struct {
		Text string `json:"text"`
	}
	q := url.Values{"pdf": {pdfPath}, "page": {strconv.Itoa(page)}}
	if err := c.get(ctx, "/v1/pages/text?"+q.Encode(), &out); err != nil {
		return "", err
	}
	return out.Text, nil
}

func (c *extractorClient) ExtractStatement(ctx context.Context, pdfPath string, pages []int, prompt string) (contracts.StatementDocument, error) {
	var doc contracts.StatementDocument
	in := map[string]any{"pdf": pdfPath, "pages": pages, "prompt": prompt}
	err := c.post(ctx, "/v1/extract/statement", in, &doc)
	return doc, err
}

func (c *extractorClient) ExtractInvoice(ctx context.Context, pdfPath string, page int, prompt string) (contracts.InvoiceDocument, error) {
	var doc contracts.InvoiceDocument
	in := map[string]any{"pdf": pdfPath, "page": page, "prompt": prompt}
	err := c.post(ctx, "/v1/extract/invoice", in, &doc)
	return doc, err
}

func (c *extractorClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *extractorClient) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

// do maps sidecar responses onto the fault taxonomy the retry policies key
// on: 429 is rate limited, 404 is a missing source document, 4xx input
// rejections are terminal, everything else is transient.
func (c *extractorClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fault.Transient("extractor "+req.URL.Path, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fault.RateLimited(retryAfter(resp), fmt.Errorf("extractor %s: %s", req.URL.Path, resp.Status))
	case resp.StatusCode == http.StatusNotFound:
		return &fault.NotFoundError{Kind: "pdf", Key: req.URL.Path}
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &fault.ValidationError{Reason: fmt.Sprintf("extractor %s: %s", resp.Status, strings.TrimSpace(string(msg)))}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fault.Transient("extractor "+req.URL.Path, fmt.Errorf("unexpected status %s", resp.Status))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fault.Transient("extractor "+req.URL.Path, err)
	}
	return nil
}

func retryAfter(resp *http.Response) time.Duration {
	if s := resp.Header.Get("Retry-After"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return 5 * time.Second
}
