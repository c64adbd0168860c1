package catalog

import "time"

// Product captures the subset of product data exposed via the public API
// layer and referenced by escrows.
type Product struct {
	ID          string
	SellerID    string
	Name        string
	Description string
	Price       float64
	Category    string
	Stock       int
	CreatedAt   time.Time
}
