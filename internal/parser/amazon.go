package parser

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/maltedev/amazon-offer-crawler/internal/models"
)

type AmazonParser struct {
	offerSelectors    []string
	deliverySelectors []string
	buyBoxSelectors   []string
	brandPrefixes     []string
	logger            *slog.Logger
}

func NewAmazonParser() *AmazonParser {
	return &AmazonParser{
		offerSelectors: []string{
			"#aod-pinned-offer",
			"#aod-offer",
		},
		// fastest promise first, then the primary one
		deliverySelectors: []string{
			`span[data-csa-c-content-id="DEXUnifiedCXSDM"]`,
			`span[data-csa-c-content-id="DEXUnifiedCXPDM"]`,
		},
		buyBoxSelectors: []string{
			`input[name="submit.addToCart"]`,
			`[data-aod-atc-action]`,
		},
		brandPrefixes: []string{
			"Brand: ",
			"Visit the ",
		},
		logger: slog.Default().With("component", "parser"),
	}
}

// ParseProduct extracts the location-invariant metadata from a detail page.
func (p *AmazonParser) ParseProduct(html string, asin string, url string) (*models.ProductInfo, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	product := models.NewProductInfo(asin, url)
	product.Title = p.extractTitle(doc)
	product.Brand = p.extractBrand(doc)
	product.Category = p.extractCategory(doc)

	if problems := product.Validate(); len(problems) > 0 {
		return product, fmt.Errorf("incomplete product page: %s", strings.Join(problems, ", "))
	}

	return product, nil
}

func (p *AmazonParser) extractTitle(doc *goquery.Document) string {
	return strings.TrimSpace(doc.Find("#productTitle").Text())
}

func (p *AmazonParser) extractBrand(doc *goquery.Document) string {
	brand := strings.TrimSpace(doc.Find("#bylineInfo").Text())
	for _, prefix := range p.brandPrefixes {
		brand = strings.TrimPrefix(brand, prefix)
	}
	brand = strings.TrimSuffix(brand, " Store")
	return strings.TrimSpace(brand)
}

func (p *AmazonParser) extractCategory(doc *goquery.Document) string {
	breadcrumb := doc.Find("#wayfinding-breadcrumbs_feature_div .a-list-item").Last().Text()
	return strings.TrimSpace(breadcrumb)
}
