package models

import (
	"time"
)

// ProductInfo is location-invariant metadata, fetched once per run.
type ProductInfo struct {
	ASIN      string    `json:"asin"`
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	Brand     string    `json:"brand,omitempty"`
	Category  string    `json:"category,omitempty"`
	ScrapedAt time.Time `json:"scraped_at"`
}

func NewProductInfo(asin, url string) *ProductInfo {
	return &ProductInfo{
		ASIN:      asin,
		URL:       url,
		ScrapedAt: time.Now(),
	}
}

func (p *ProductInfo) Validate() []string {
	var errors []string

	if p.ASIN == "" {
		errors = append(errors, "ASIN is required")
	}

	if p.Title == "" {
		errors = append(errors, "Title is required")
	}

	return errors
}
