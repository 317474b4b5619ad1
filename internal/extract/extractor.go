// Package extract implements the per-source page extractors. Each extractor
// understands exactly one site shape and turns fetched pages into candidate
// records plus a pagination hint.
package extract

import (
	"bytes"
	"fmt"

	"github.com/PuerkitoBio/goquery"

	"github.com/bizharvest/bizharvest/internal/engine"
)

// Config holds the knobs shared by the extractors.
type Config struct {
	DirectoryBaseURL string
	WebSearchBaseURL string
	RegistryBaseURL  string
	// SecondaryConcurrency bounds the fan-out of detail and contact fetches.
	SecondaryConcurrency int
	// RegistryPageSize is the listing count per registry page, used to derive
	// the total page count from the reported record total.
	RegistryPageSize int
	// ScrollPasses is how many feed scrolls each directory page adds.
	ScrollPasses int
	// MaxStablePages is how many consecutive zero-new pages the directory
	// tolerates before reporting exhaustion.
	MaxStablePages int
}

func (c Config) withDefaults() Config {
	if c.SecondaryConcurrency < 1 {
		c.SecondaryConcurrency = 4
	}
	if c.RegistryPageSize < 1 {
		c.RegistryPageSize = 12
	}
	if c.ScrollPasses < 1 {
		c.ScrollPasses = 3
	}
	if c.MaxStablePages < 1 {
		c.MaxStablePages = 2
	}
	return c
}

func parseDocument(page engine.PageContent) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, fmt.Errorf("parse page %s: %w", page.URL, err)
	}
	return doc, nil
}
