// Package extract is the extraction boundary: page classification, prompt
// selection, the opaque extractor contract, the document schema gate, and the
// artifact cache that makes re-extraction after a crash cheap. The actual
// LLM call lives behind the Extractor interface and is never seen here.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/corralhq/corral/pkg/artifact"
	"github.com/corralhq/corral/pkg/canonical"
	"github.com/corralhq/corral/pkg/contracts"
)

// Extractor is the consumed document-extraction contract.
type Extractor interface {
	ExtractStatement(ctx context.Context, pdfPath string, pages []int, prompt string) (contracts.StatementDocument, error)
	ExtractInvoice(ctx context.Context, pdfPath string, page int, prompt string) (contracts.InvoiceDocument, error)
}

// PageTexter supplies raw page text for classification. Backed by the
// rasterizer/pdftext collaborator outside the core.
type PageTexter interface {
	PageCount(ctx context.Context, pdfPath string) (int, error)
	PageText(ctx context.Context, pdfPath string, page int) (string, error)
}

// SafeInvoiceNumber strips every character outside [A-Za-z0-9_-] from an
// invoice number for use as an artifact filename segment.
func SafeInvoiceNumber(number string) string {
	var b strings.Builder
	for _, r := range number {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// StatementPath is the artifact path of a family's statement document.
func StatementPath(family contracts.FeedlotFamily) string {
	return family.Slug() + "/statement.json"
}

// PathAllocator assigns invoice artifact paths, suffixing collisions with the
// page index so two invoices sharing a sanitized number never overwrite each
// other. One allocator lives for the duration of a package run.
type PathAllocator struct {
	used map[string]struct{}
}

// NewPathAllocator returns an empty allocator.
func NewPathAllocator() *PathAllocator {
	return &PathAllocator{used: make(map[string]struct{})}
}

// InvoicePath returns the artifact path for an invoice extracted from the
// given zero-based page index.
func (a *PathAllocator) InvoicePath(family contracts.FeedlotFamily, invoiceNumber string, pageIndex int) string {
	safe := SafeInvoiceNumber(invoiceNumber)
	if safe == "" {
		safe = fmt.Sprintf("page_%d", pageIndex+1)
	}
	if _, taken := a.used[safe]; taken {
		safe = fmt.Sprintf("%s_page_%d", safe, pageIndex+1)
	}
	a.used[safe] = struct{}{}
	return family.Slug() + "/invoices/" + safe + ".json"
}

// Claim marks a filename stem as taken, used when existing artifacts are
// discovered before fresh allocations.
func (a *PathAllocator) Claim(name string) {
	a.used[name] = struct{}{}
}

// StatementResult is one statement extraction outcome. Cached reports whether
// an existing artifact was reused instead of calling the extractor.
type StatementResult struct {
	Ref    contracts.DataReference
	Doc    contracts.StatementDocument
	Cached bool
}

// InvoiceResult is one invoice extraction outcome.
type InvoiceResult struct {
	Ref    contracts.DataReference
	Doc    contracts.InvoiceDocument
	Cached bool
}

// Service runs extractions through the schema gate and the artifact cache.
type Service struct {
	extractor Extractor
	artifacts artifact.Store
	schemas   *contracts.SchemaSet
	useCache  bool
}

// NewService builds the extraction service. With useCache, an artifact
// already present at the target path that parses, passes the schema gate, and
// carries a compatible schema version is reused without an extractor call.
func NewService(extractor Extractor, artifacts artifact.Store, schemas *contracts.SchemaSet, useCache bool) *Service {
	return &Service{extractor: extractor, artifacts: artifacts, schemas: schemas, useCache: useCache}
}

// ExtractStatement produces the family statement document at its canonical
// artifact path.
func (s *Service) ExtractStatement(ctx context.Context, family contracts.FeedlotFamily, pdfPath string, pages []int) (StatementResult, error) {
	path := StatementPath(family)
	if s.useCache {
		if doc, ref, ok := s.cachedStatement(ctx, path); ok {
			return StatementResult{Ref: ref, Doc: doc, Cached: true}, nil
		}
	}

	doc, err := s.extractor.ExtractStatement(ctx, pdfPath, pages, StatementPrompt(family))
	if err != nil {
		return StatementResult{}, err
	}
	doc.SchemaVersion = contracts.DocumentSchemaVersion

	raw, err := canonical.Marshal(doc)
	if err != nil {
		return StatementResult{}, err
	}
	if err := s.schemas.ValidateStatement(raw); err != nil {
		return StatementResult{}, err
	}
	ref, err := s.artifacts.PutJSON(ctx, path, doc)
	if err != nil {
		return StatementResult{}, err
	}
	return StatementResult{Ref: ref, Doc: doc}, nil
}

// ExtractInvoice produces one invoice document. pageIndex is the zero-based
// position of the page among the package's invoice pages; the artifact path
// comes from the supplied allocator so collisions are suffixed stably. With
// caching, an existing invoice artifact for the same source page short-
// circuits the extractor call.
func (s *Service) ExtractInvoice(ctx context.Context, family contracts.FeedlotFamily, pdfPath string, page, pageIndex int, alloc *PathAllocator) (InvoiceResult, error) {
	if s.useCache {
		if cached, ref, name, ok := s.cachedInvoiceByPage(ctx, family, page); ok {
			alloc.Claim(name)
			return InvoiceResult{Ref: ref, Doc: cached, Cached: true}, nil
		}
	}

	doc, err := s.extractor.ExtractInvoice(ctx, pdfPath, page, InvoicePrompt(family))
	if err != nil {
		return InvoiceResult{}, err
	}
	doc.SchemaVersion = contracts.DocumentSchemaVersion
	if doc.Page == 0 {
		doc.Page = page
	}

	path := alloc.InvoicePath(family, doc.InvoiceNumber, pageIndex)
	raw, err := canonical.Marshal(doc)
	if err != nil {
		return InvoiceResult{}, err
	}
	if err := s.schemas.ValidateInvoice(raw); err != nil {
		return InvoiceResult{}, err
	}
	ref, err := s.artifacts.PutJSON(ctx, path, doc)
	if err != nil {
		return InvoiceResult{}, err
	}
	return InvoiceResult{Ref: ref, Doc: doc}, nil
}

// cachedStatement loads an existing statement artifact if it passes the gate.
// Any failure falls through to a fresh extraction.
func (s *Service) cachedStatement(ctx context.Context, path string) (contracts.StatementDocument, contracts.DataReference, bool) {
	raw, ref, err := s.artifacts.ReadPath(ctx, path)
	if err != nil {
		return contracts.StatementDocument{}, contracts.DataReference{}, false
	}
	if err := s.schemas.ValidateStatement(raw); err != nil {
		return contracts.StatementDocument{}, contracts.DataReference{}, false
	}
	var doc contracts.StatementDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return contracts.StatementDocument{}, contracts.DataReference{}, false
	}
	if !contracts.CompatibleSchemaVersion(doc.SchemaVersion) {
		return contracts.StatementDocument{}, contracts.DataReference{}, false
	}
	return doc, ref, true
}

// cachedInvoiceByPage scans the family's invoice artifacts for one extracted
// from the given source page. The fourth return is the artifact's filename
// stem, claimed in the allocator so later fresh extractions do not collide.
func (s *Service) cachedInvoiceByPage(ctx context.Context, family contracts.FeedlotFamily, page int) (contracts.InvoiceDocument, contracts.DataReference, string, bool) {
	paths, err := s.artifacts.List(ctx, family.Slug()+"/invoices")
	if err != nil {
		return contracts.InvoiceDocument{}, contracts.DataReference{}, "", false
	}
	for _, path := range paths {
		raw, ref, err := s.artifacts.ReadPath(ctx, path)
		if err != nil {
			continue
		}
		if err := s.schemas.ValidateInvoice(raw); err != nil {
			continue
		}
		var doc contracts.InvoiceDocument
		if err := json.Unmarshal(raw, &doc); err != nil {
			continue
		}
		if doc.Page != page || !contracts.CompatibleSchemaVersion(doc.SchemaVersion) {
			continue
		}
		name := strings.TrimSuffix(path[strings.LastIndexByte(path, '/')+1:], ".json")
		return doc, ref, name, true
	}
	return contracts.InvoiceDocument{}, contracts.DataReference{}, "", false
}
