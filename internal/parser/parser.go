package parser

import (
	"time"

	"github.com/maltedev/amazon-offer-crawler/internal/models"
)

// Parser extracts structured data from amazon.com markup.
type Parser interface {
	ParseOffers(html string, today time.Time) (*Listing, error)
	ParseProduct(html string, asin string, url string) (*models.ProductInfo, error)
}

// Listing is the parsed result of one all-offers page.
type Listing struct {
	Offers []models.Offer
	// PrimeFilter is true when the page offers a prime-only filter.
	PrimeFilter bool
}
