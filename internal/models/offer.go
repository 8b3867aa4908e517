package models

import (
	"time"
)

const (
	LocationStatusSuccess = "success"
	LocationStatusFailed  = "failed"
)

// Offer is one seller's listing for an ASIN as seen from one delivery location.
type Offer struct {
	SellerID         *string `json:"seller_id"`
	SellerName       *string `json:"seller_name"`
	Price            float64 `json:"price"`
	ShippingCost     float64 `json:"shipping_cost"`
	TotalPrice       float64 `json:"total_price"`
	Prime            bool    `json:"prime"`
	DeliveryEstimate string  `json:"delivery_estimate"`
	DeliveryWindow   *string `json:"delivery_window,omitempty"`
	EarliestDays     *int    `json:"earliest_days"`
	LatestDays       *int    `json:"latest_days"`
	BuyBoxWinner     bool    `json:"buy_box_winner"`
}

// SellerKey identifies the seller for de-duplication. First-party offers have no id.
func (o *Offer) SellerKey() string {
	if o.SellerID != nil && *o.SellerID != "" {
		return "id:" + *o.SellerID
	}
	if o.SellerName != nil {
		return "name:" + *o.SellerName
	}
	return "unknown"
}

// HasDaySpan reports whether the delivery estimate was normalized.
func (o *Offer) HasDaySpan() bool {
	return o.EarliestDays != nil && o.LatestDays != nil
}

// LocationResult holds everything captured for one zip code.
type LocationResult struct {
	ASIN        string    `json:"asin"`
	ZipCode     string    `json:"zip_code"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	ErrorType   string    `json:"error_type,omitempty"`
	Offers      []Offer   `json:"offers"`
	PrimeFilter bool      `json:"prime_filter_available"`
	Attempts    int       `json:"attempts"`
	CapturedAt  time.Time `json:"timestamp"`
}

func (r *LocationResult) Succeeded() bool {
	return r.Status == LocationStatusSuccess
}

// BuyBoxWinner returns the featured offer, if any.
func (r *LocationResult) BuyBoxWinner() *Offer {
	for i := range r.Offers {
		if r.Offers[i].BuyBoxWinner {
			return &r.Offers[i]
		}
	}
	return nil
}

// RunResult is the aggregate returned for one crawl request.
type RunResult struct {
	RunID                   string           `json:"run_id"`
	ASIN                    string           `json:"asin"`
	Product                 *ProductInfo     `json:"product,omitempty"`
	Results                 []LocationResult `json:"results"`
	TotalLocationsProcessed int              `json:"total_locations_processed"`
	SuccessfulLocations     int              `json:"successful_locations"`
	FailedLocations         int              `json:"failed_locations"`
	StartedAt               time.Time        `json:"started_at"`
	DurationMS              int64            `json:"duration_ms"`
}

// Tally recomputes the location counters from Results.
func (r *RunResult) Tally() {
	r.TotalLocationsProcessed = len(r.Results)
	r.SuccessfulLocations = 0
	r.FailedLocations = 0
	for i := range r.Results {
		if r.Results[i].Succeeded() {
			r.SuccessfulLocations++
		} else {
			r.FailedLocations++
		}
	}
}

// OfferRow is the flat record handed to the warehouse loader.
type OfferRow struct {
	ASIN             string    `json:"asin"`
	ZipCode          string    `json:"zip_code"`
	SellerID         *string   `json:"seller_id"`
	SellerName       *string   `json:"seller_name"`
	Price            float64   `json:"price"`
	ShippingCost     float64   `json:"shipping_cost"`
	TotalPrice       float64   `json:"total_price"`
	Prime            bool      `json:"prime"`
	DeliveryEstimate string    `json:"delivery_estimate"`
	EarliestDays     *int      `json:"earliest_days"`
	LatestDays       *int      `json:"latest_days"`
	BuyBoxWinner     bool      `json:"buy_box_winner"`
	Timestamp        time.Time `json:"timestamp"`
}

// Rows flattens successful locations into one row per offer.
func (r *RunResult) Rows() []OfferRow {
	var rows []OfferRow
	for _, loc := range r.Results {
		if !loc.Succeeded() {
			continue
		}
		for _, o := range loc.Offers {
			rows = append(rows, OfferRow{
				ASIN:             loc.ASIN,
				ZipCode:          loc.ZipCode,
				SellerID:         o.SellerID,
				SellerName:       o.SellerName,
				Price:            o.Price,
				ShippingCost:     o.ShippingCost,
				TotalPrice:       o.TotalPrice,
				Prime:            o.Prime,
				DeliveryEstimate: o.DeliveryEstimate,
				EarliestDays:     o.EarliestDays,
				LatestDays:       o.LatestDays,
				BuyBoxWinner:     o.BuyBoxWinner,
				Timestamp:        loc.CapturedAt,
			})
		}
	}
	return rows
}
