package generic

import (
	"context"
	"time"
)

// =============================================================================
// PRODUCT RECORDS - Stored product configuration documents
// =============================================================================

// ProductRecord is a stored product document. ConfigJSON is parsed by the
// factory package; stores treat it as opaque.
type ProductRecord struct {
	Code       ProductCode
	Name       string
	Line       ProductLine
	ConfigJSON string
	Version    int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type ProductStore interface {
	// SaveProduct upserts by code and bumps Version on update.
	SaveProduct(ctx context.Context, p ProductRecord) error
	GetProduct(ctx context.Context, code ProductCode) (ProductRecord, error)
	// ListProducts returns every product ordered by code.
	ListProducts(ctx context.Context) ([]ProductRecord, error)
	DeleteProduct(ctx context.Context, code ProductCode) error
}

// =============================================================================
// BATCH RUNS - One record per scheduled or manual accrual run
// =============================================================================

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunCancelled RunStatus = "cancelled"
	RunFailed    RunStatus = "failed"
)

type BatchRun struct {
	ID     string
	AsOf   Date
	Status RunStatus

	Processed int
	Charged   int
	Skipped   int
	Failed    int

	// FailedProducts lists products escalated for missing or invalid rules.
	FailedProducts []ProductCode
	Error          string

	StartedAt   time.Time
	CompletedAt *time.Time
}

type RunStore interface {
	// SaveRun upserts by ID.
	SaveRun(ctx context.Context, r BatchRun) error
	// ListRuns returns the most recent runs first; limit <= 0 means all.
	ListRuns(ctx context.Context, limit int) ([]BatchRun, error)
}
