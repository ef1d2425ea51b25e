package reports

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/distribution_backend/config"
	"bitbucket.org/mmdatafocus/distribution_backend/utils"
	"github.com/shopspring/decimal"
)

type ReturnsReportResponse struct {
	ProductId     int             `json:"productId"`
	ProductName   string          `json:"productName"`
	FromShops     decimal.Decimal `json:"fromShops"`
	BackToPool    decimal.Decimal `json:"backToPool"`
	StillInBins   decimal.Decimal `json:"stillInBins"`
	ShopDocuments int             `json:"shopDocuments"`
	PoolDocuments int             `json:"poolDocuments"`
}

const reportDateLayout = "2006-01-02"

// ParseReportPeriod turns from/to query strings into an inclusive UTC day
// range. Empty strings widen the respective bound.
func ParseReportPeriod(from string, to string) (time.Time, time.Time, error) {
	start := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Now().UTC().Add(24 * time.Hour)

	if from != "" {
		t, err := time.Parse(reportDateLayout, from)
		if err != nil {
			return start, end, utils.NewValidationError("invalid from date, expected YYYY-MM-DD")
		}
		start = t
	}
	if to != "" {
		t, err := time.Parse(reportDateLayout, to)
		if err != nil {
			return start, end, utils.NewValidationError("invalid to date, expected YYYY-MM-DD")
		}
		end = t.Add(24 * time.Hour)
	}
	if end.Before(start) {
		return start, end, utils.NewValidationError("to date is before from date")
	}
	return start, end, nil
}

// GetReturnsReport aggregates backward movement per product over a period:
// what shops sent back, what managers handed back to the pool, and what is
// still sitting in return bins right now.
func GetReturnsReport(ctx context.Context, from string, to string) ([]*ReturnsReportResponse, error) {

	start, end, err := ParseReportPeriod(from, to)
	if err != nil {
		return nil, err
	}

	sql := `
SELECT
    p.id AS product_id,
    p.name AS product_name,
    COALESCE(sr.qty, 0) AS from_shops,
    COALESCE(mr.qty, 0) AS back_to_pool,
    COALESCE(bins.qty, 0) AS still_in_bins,
    COALESCE(sr.docs, 0) AS shop_documents,
    COALESCE(mr.docs, 0) AS pool_documents
FROM products p
LEFT JOIN (
    SELECT sri.product_id, SUM(sri.quantity) AS qty, COUNT(DISTINCT sr.id) AS docs
    FROM shop_return_items sri
    JOIN shop_returns sr ON sr.id = sri.return_id
    WHERE sr.created_at >= @start AND sr.created_at < @end
    GROUP BY sri.product_id
) AS sr ON sr.product_id = p.id
LEFT JOIN (
    SELECT mri.product_id, SUM(mri.quantity) AS qty, COUNT(DISTINCT mr.id) AS docs
    FROM manager_return_items mri
    JOIN manager_returns mr ON mr.id = mri.return_id
    WHERE mr.created_at >= @start AND mr.created_at < @end
    GROUP BY mri.product_id
) AS mr ON mr.product_id = p.id
LEFT JOIN (
    SELECT product_id, SUM(quantity) AS qty
    FROM manager_stocks
    WHERE is_return_bin = 1
    GROUP BY product_id
) AS bins ON bins.product_id = p.id
WHERE COALESCE(sr.qty, 0) + COALESCE(mr.qty, 0) + COALESCE(bins.qty, 0) > 0
ORDER BY p.name;
`

	var results []*ReturnsReportResponse
	db := config.GetDB()
	err = db.WithContext(ctx).
		Raw(sql, map[string]interface{}{"start": start, "end": end}).
		Scan(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
