package parser

import (
	"math"
	"strconv"
	"strings"

	"github.com/maltedev/amazon-offer-crawler/internal/models"
)

// Dedupe collapses offers that share seller identity and price.
func Dedupe(offers []models.Offer) []models.Offer {
	return MergeOffers(offers, nil)
}

// MergeOffers combines the unfiltered view with the prime-only view of the same
// location. An offer is prime when the prime view lists the same seller at the
// same price; offers only the prime view revealed are appended. The unfiltered
// view decides the buy box.
func MergeOffers(all, fast []models.Offer) []models.Offer {
	merged := make([]models.Offer, 0, len(all)+len(fast))
	index := make(map[string]int, len(all)+len(fast))

	add := func(o models.Offer) {
		key := dedupeKey(&o)
		if i, ok := index[key]; ok {
			merged[i] = prefer(merged[i], o)
			return
		}
		index[key] = len(merged)
		merged = append(merged, o)
	}

	for _, o := range all {
		add(o)
	}
	for _, o := range fast {
		o.Prime = true
		o.BuyBoxWinner = false
		add(o)
	}

	enforceSingleWinner(merged)
	return merged
}

func dedupeKey(o *models.Offer) string {
	return o.SellerKey() + "|" + strconv.FormatInt(int64(math.Round(o.Price*100)), 10)
}

// prefer keeps the record with the more complete delivery estimate and
// carries the prime and buy box flags over from either side.
func prefer(a, b models.Offer) models.Offer {
	keep := a
	if completeness(&b) > completeness(&a) {
		keep = b
	}
	keep.Prime = a.Prime || b.Prime
	keep.BuyBoxWinner = a.BuyBoxWinner || b.BuyBoxWinner
	return keep
}

func completeness(o *models.Offer) int {
	score := len(strings.TrimSpace(o.DeliveryEstimate))
	if o.DeliveryWindow != nil {
		score += 100
	}
	if o.HasDaySpan() {
		score += 1000
	}
	return score
}

func enforceSingleWinner(offers []models.Offer) {
	seen := false
	for i := range offers {
		if !offers[i].BuyBoxWinner {
			continue
		}
		if seen {
			offers[i].BuyBoxWinner = false
		}
		seen = true
	}
}
