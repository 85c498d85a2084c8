package model

import "time"

// PriceRecord is a USD price shared through the distributed cache. The
// observation time travels with it so a reader can judge freshness.
type PriceRecord struct {
	USD        float64   `json:"usd"`
	Source     string    `json:"source"`
	ObservedAt time.Time `json:"observed_at"`
}
