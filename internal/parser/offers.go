package parser

import (
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/maltedev/amazon-offer-crawler/internal/delivery"
	"github.com/maltedev/amazon-offer-crawler/internal/models"
)

const (
	// FirstPartySellerID is the merchant id amazon.com uses for its own offers.
	FirstPartySellerID = "ATVPDKIKX0DER"
	// FirstPartySellerName is the canonical name reported for first-party offers.
	FirstPartySellerName = "Amazon.com"
)

var priceCharsRe = regexp.MustCompile(`[^0-9.,]`)

// ParseOffers reads the all-offers fragment into offers. The pinned offer that
// renders an add-to-cart control is the buy box winner; there may be none.
func (p *AmazonParser) ParseOffers(html string, today time.Time) (*Listing, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	listing := &Listing{
		PrimeFilter: doc.Find("#aod-filter-list i.a-icon-prime, #aod-filter-list .a-icon-prime").Length() > 0,
	}

	var offers []models.Offer
	for _, selector := range p.offerSelectors {
		pinned := selector == "#aod-pinned-offer"
		doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
			offer, ok := p.parseOffer(s, today)
			if !ok {
				return
			}
			offer.BuyBoxWinner = pinned && p.hasAddToCart(s)
			offers = append(offers, offer)
		})
	}

	listing.Offers = Dedupe(offers)
	return listing, nil
}

func (p *AmazonParser) parseOffer(s *goquery.Selection, today time.Time) (models.Offer, bool) {
	var offer models.Offer

	price, ok := p.extractOfferPrice(s)
	if !ok {
		return offer, false
	}
	offer.Price = price

	offer.SellerID, offer.SellerName = p.extractSeller(s)
	offer.Prime = s.Find("i.a-icon-prime").Length() > 0

	text, shipping := p.extractDelivery(s)
	offer.ShippingCost = shipping
	offer.TotalPrice = roundCents(offer.Price + offer.ShippingCost)
	offer.DeliveryEstimate = text

	if text != "" {
		est, err := delivery.Normalize(text, today)
		if err != nil {
			p.logger.Debug("delivery estimate not normalized", "text", text, "error", err)
		} else {
			earliest, latest := est.EarliestDays, est.LatestDays
			offer.EarliestDays = &earliest
			offer.LatestDays = &latest
			if est.Window != "" {
				window := est.Window
				offer.DeliveryWindow = &window
			}
		}
	}

	return offer, true
}

func (p *AmazonParser) extractOfferPrice(s *goquery.Selection) (float64, bool) {
	priceBlock := s.Find(".a-price:not(.a-text-price)").First()
	if priceBlock.Length() == 0 {
		return 0, false
	}

	if offscreen := strings.TrimSpace(priceBlock.Find(".a-offscreen").First().Text()); offscreen != "" {
		if v, err := ParsePrice(offscreen); err == nil {
			return v, true
		}
	}

	whole := strings.TrimSpace(priceBlock.Find(".a-price-whole").First().Text())
	if whole == "" {
		return 0, false
	}
	whole = strings.TrimRight(whole, ".,")
	fraction := strings.TrimSpace(priceBlock.Find(".a-price-fraction").First().Text())
	if fraction == "" {
		fraction = "00"
	}

	v, err := ParsePrice(whole + "." + fraction)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (p *AmazonParser) extractSeller(s *goquery.Selection) (*string, *string) {
	soldBy := s.Find("#aod-offer-soldBy")
	if soldBy.Length() == 0 {
		return nil, nil
	}

	var id, name string
	if link := soldBy.Find("a.a-link-normal").First(); link.Length() > 0 {
		name = strings.TrimSpace(link.Text())
		if label, ok := link.Attr("aria-label"); ok && strings.TrimSpace(label) != "" {
			name = strings.TrimSpace(strings.SplitN(label, ". ", 2)[0])
		}
		if href, ok := link.Attr("href"); ok {
			id = sellerIDFromHref(href)
		}
	} else {
		name = strings.TrimSpace(soldBy.Find(".a-col-right .a-size-small").First().Text())
	}

	if id == FirstPartySellerID || isFirstPartyName(name) {
		canonical := FirstPartySellerName
		return nil, &canonical
	}

	var idPtr, namePtr *string
	if id != "" {
		idPtr = &id
	}
	if name != "" {
		namePtr = &name
	}
	return idPtr, namePtr
}

func (p *AmazonParser) extractDelivery(s *goquery.Selection) (string, float64) {
	promise := s.Find(".aod-delivery-promise")
	if promise.Length() == 0 {
		promise = s
	}

	for _, selector := range p.deliverySelectors {
		block := promise.Find(selector).First()
		if block.Length() == 0 {
			continue
		}

		text := strings.TrimSpace(block.Find("span.a-text-bold").First().Text())
		if text == "" {
			text = strings.TrimSpace(block.AttrOr("data-csa-c-delivery-time", ""))
		}

		shipping := 0.0
		if raw := strings.TrimSpace(block.AttrOr("data-csa-c-delivery-price", "")); raw != "" && !strings.EqualFold(raw, "free") {
			if v, err := ParsePrice(raw); err == nil {
				shipping = v
			}
		}
		return text, shipping
	}

	return "", 0
}

func (p *AmazonParser) hasAddToCart(s *goquery.Selection) bool {
	for _, selector := range p.buyBoxSelectors {
		if s.Find(selector).Length() > 0 {
			return true
		}
	}
	return false
}

func sellerIDFromHref(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return u.Query().Get("seller")
}

func isFirstPartyName(name string) bool {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "amazon.com", "amazon":
		return true
	}
	return false
}

// ParsePrice converts a currency string into a number. Thousand separators are
// stripped; the last separator followed by exactly two digits is the decimal point.
func ParsePrice(s string) (float64, error) {
	cleaned := priceCharsRe.ReplaceAllString(s, "")
	if cleaned == "" {
		return 0, fmt.Errorf("no digits in price %q", s)
	}

	decimal := -1
	if i := strings.LastIndexAny(cleaned, ".,"); i >= 0 && len(cleaned)-i-1 == 2 {
		decimal = i
	}

	var b strings.Builder
	for i, r := range cleaned {
		switch {
		case i == decimal:
			b.WriteByte('.')
		case r == '.' || r == ',':
		default:
			b.WriteRune(r)
		}
	}

	v, err := strconv.ParseFloat(b.String(), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid price %q: %w", s, err)
	}
	return v, nil
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
