package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/maltedev/amazon-offer-crawler/internal/models"
)

var offerColumns = []string{
	"run_id", "asin", "zip_code", "seller_id", "seller_name",
	"price", "shipping_cost", "total_price", "prime", "delivery_estimate",
	"earliest_days", "latest_days", "buy_box_winner", "captured_at",
}

// OfferRepository writes flattened offer rows to amazon_offer_details.
type OfferRepository struct{}

func NewOfferRepository() *OfferRepository {
	return &OfferRepository{}
}

// InsertWithTx bulk-loads rows with COPY inside tx and returns the number written.
func (r *OfferRepository) InsertWithTx(ctx context.Context, tx pgx.Tx, runID uuid.UUID, rows []models.OfferRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	n, err := tx.CopyFrom(ctx,
		pgx.Identifier{"amazon_offer_details"},
		offerColumns,
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			return offerValues(runID, &rows[i]), nil
		}),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to copy offer rows: %w", err)
	}

	return n, nil
}

func offerValues(runID uuid.UUID, row *models.OfferRow) []any {
	return []any{
		runID,
		row.ASIN,
		row.ZipCode,
		row.SellerID,
		row.SellerName,
		row.Price,
		row.ShippingCost,
		row.TotalPrice,
		row.Prime,
		row.DeliveryEstimate,
		row.EarliestDays,
		row.LatestDays,
		row.BuyBoxWinner,
		row.Timestamp,
	}
}
