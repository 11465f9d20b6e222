// Package activity persists suspicious-activity records for the report layer.
package activity

import (
	"context"
	"time"
)

// Record is one suspicious-activity observation.
type Record struct {
	ID        string    `json:"id"`
	Identity  string    `json:"identity"`
	IP        string    `json:"ip"`
	Campaign  string    `json:"campaign"`
	Reason    string    `json:"reason"`
	RiskScore int       `json:"riskScore"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists suspicious activities for audit and reporting.
type Store interface {
	Record(ctx context.Context, rec *Record) error
	ListRecent(ctx context.Context, limit int) ([]*Record, error)
	// ListBefore returns records strictly older than the (before, beforeID)
	// position, most recent first. Used for cursor pagination.
	ListBefore(ctx context.Context, before time.Time, beforeID string, limit int) ([]*Record, error)
	CountSince(ctx context.Context, since time.Time) (int, error)
}
