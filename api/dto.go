/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY AND DATES:
  Amounts are decimal strings ("15000"), never floats. Dates are
  "YYYY-MM-DD"; an empty string means "no date".

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/product.go: ProductJSON type
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/delinquency-engine/batch"
	"github.com/warp/delinquency-engine/engine"
	"github.com/warp/delinquency-engine/factory"
	"github.com/warp/delinquency-engine/generic"
	"github.com/warp/delinquency-engine/latefee"
)

// =============================================================================
// INSTALLMENTS
// =============================================================================

type StatusDTO struct {
	Code int    `json:"code"`
	Name string `json:"name"`
}

func toStatusDTO(s generic.StatusCode) StatusDTO {
	return StatusDTO{Code: int(s), Name: s.String()}
}

type InstallmentDTO struct {
	ID                  string          `json:"id"`
	LoanID              string          `json:"loan_id"`
	Product             string          `json:"product"`
	ProductLine         string          `json:"product_line,omitempty"`
	Number              int             `json:"number"`
	DueDate             string          `json:"due_date"`
	PaidDate            string          `json:"paid_date,omitempty"`
	DueAmount           decimal.Decimal `json:"due_amount"`
	Principal           decimal.Decimal `json:"principal"`
	Interest            decimal.Decimal `json:"interest"`
	LateFee             decimal.Decimal `json:"late_fee"`
	Status              StatusDTO       `json:"status"`
	LateFeeTiersApplied int             `json:"late_fee_tiers_applied"`
	Excluded            bool            `json:"excluded"`
}

func toInstallmentDTO(i generic.Installment) InstallmentDTO {
	return InstallmentDTO{
		ID:                  string(i.ID),
		LoanID:              string(i.LoanID),
		Product:             string(i.Product),
		ProductLine:         string(i.ProductLine),
		Number:              i.Number,
		DueDate:             i.DueDate.String(),
		PaidDate:            i.PaidDate.String(),
		DueAmount:           i.DueAmount,
		Principal:           i.Principal,
		Interest:            i.Interest,
		LateFee:             i.LateFee,
		Status:              toStatusDTO(i.Status),
		LateFeeTiersApplied: i.LateFeeTiersApplied,
		Excluded:            i.Excluded,
	}
}

// ClassificationDTO is the reporting view returned by the classification
// endpoint. DPD is null when the installment has no due date.
type ClassificationDTO struct {
	InstallmentID string    `json:"installment_id"`
	Today         string    `json:"today"`
	DPD           *int      `json:"dpd"`
	Status        StatusDTO `json:"status"`
	Bucket        int       `json:"bucket"`
	Changed       bool      `json:"changed"`
}

func toClassificationDTO(c engine.Classification, today generic.Date) ClassificationDTO {
	dto := ClassificationDTO{
		InstallmentID: string(c.InstallmentID),
		Today:         today.String(),
		Status:        toStatusDTO(c.Status),
		Bucket:        c.Bucket,
		Changed:       c.Changed,
	}
	if c.DPDKnown {
		dpd := c.DPD
		dto.DPD = &dpd
	}
	return dto
}

// AccrueRequest is the body of POST /api/installments/{id}/accrue. An
// empty Today means the server's current date.
type AccrueRequest struct {
	Today string `json:"today"`
}

type AccrualDTO struct {
	InstallmentID string          `json:"installment_id"`
	Today         string          `json:"today"`
	FeeApplied    decimal.Decimal `json:"fee_applied"`
	NewDueAmount  decimal.Decimal `json:"new_due_amount"`
	BlockedUntil  string          `json:"blocked_until,omitempty"`
	TiersApplied  int             `json:"tiers_applied"`
	TiersTotal    int             `json:"tiers_total"`
	Stop          string          `json:"stop,omitempty"`
	Waived        bool            `json:"waived"`
	Events        []FeeEventDTO   `json:"events"`
}

func toAccrualDTO(res latefee.Result, today generic.Date) AccrualDTO {
	events := make([]FeeEventDTO, len(res.Events))
	for i, ev := range res.Events {
		events[i] = toFeeEventDTO(ev)
	}
	return AccrualDTO{
		InstallmentID: string(res.InstallmentID),
		Today:         today.String(),
		FeeApplied:    res.FeeApplied,
		NewDueAmount:  res.NewDueAmount,
		BlockedUntil:  res.BlockedUntil.String(),
		TiersApplied:  res.TiersApplied,
		TiersTotal:    res.TiersTotal,
		Stop:          string(res.Stop),
		Waived:        res.Waived,
		Events:        events,
	}
}

type FeeEventDTO struct {
	ID             string          `json:"id"`
	Tier           int             `json:"tier"`
	DPDThreshold   int             `json:"dpd_threshold"`
	FeePct         decimal.Decimal `json:"fee_pct"`
	Amount         decimal.Decimal `json:"amount"`
	DueBefore      decimal.Decimal `json:"due_before"`
	DueAfter       decimal.Decimal `json:"due_after"`
	AccruedOn      string          `json:"accrued_on"`
	Sequence       int             `json:"sequence"`
	IdempotencyKey string          `json:"idempotency_key"`
}

func toFeeEventDTO(ev generic.FeeEvent) FeeEventDTO {
	return FeeEventDTO{
		ID:             string(ev.ID),
		Tier:           ev.Tier,
		DPDThreshold:   ev.DPDThreshold,
		FeePct:         ev.FeePct,
		Amount:         ev.Amount,
		DueBefore:      ev.DueBefore,
		DueAfter:       ev.DueAfter,
		AccruedOn:      ev.AccruedOn.String(),
		Sequence:       ev.Sequence,
		IdempotencyKey: ev.IdempotencyKey,
	}
}

type StatusTransitionDTO struct {
	From     StatusDTO `json:"from"`
	To       StatusDTO `json:"to"`
	At       string    `json:"at"`
	Reason   string    `json:"reason"`
	Sequence int       `json:"sequence"`
}

func toStatusTransitionDTO(t generic.StatusTransition) StatusTransitionDTO {
	return StatusTransitionDTO{
		From:     toStatusDTO(t.From),
		To:       toStatusDTO(t.To),
		At:       t.At.String(),
		Reason:   t.Reason,
		Sequence: t.Sequence,
	}
}

// CreateBlockRequest suppresses accrual on an installment through
// valid_until. Reason is "manual" or "dispute"; promise blocks are created
// by the accrual itself.
type CreateBlockRequest struct {
	Reason     string `json:"reason"`
	ValidUntil string `json:"valid_until"`
}

type BlockDTO struct {
	ID            string `json:"id"`
	InstallmentID string `json:"installment_id"`
	Reason        string `json:"reason"`
	ValidUntil    string `json:"valid_until"`
	PromiseID     string `json:"promise_id,omitempty"`
}

func toBlockDTO(b generic.LateFeeBlock) BlockDTO {
	return BlockDTO{
		ID:            string(b.ID),
		InstallmentID: string(b.InstallmentID),
		Reason:        string(b.Reason),
		ValidUntil:    b.ValidUntil.String(),
		PromiseID:     string(b.PromiseID),
	}
}

// =============================================================================
// PRODUCTS
// =============================================================================

// ProductDTO represents a product in API responses.
type ProductDTO struct {
	Code        string              `json:"code"`
	Name        string              `json:"name"`
	ProductLine string              `json:"product_line"`
	Config      factory.ProductJSON `json:"config"`
	Version     int                 `json:"version"`
	UpdatedAt   string              `json:"updated_at,omitempty"`
}

// =============================================================================
// BATCH RUNS
// =============================================================================

// TriggerRunRequest is the body of POST /api/batch/runs. An empty Today
// means the server's current date.
type TriggerRunRequest struct {
	Today string `json:"today"`
}

type RunReportDTO struct {
	*batch.Report
	Today string `json:"today"`
}

type BatchRunDTO struct {
	ID             string   `json:"id"`
	AsOf           string   `json:"as_of"`
	Status         string   `json:"status"`
	Processed      int      `json:"processed"`
	Charged        int      `json:"charged"`
	Skipped        int      `json:"skipped"`
	Failed         int      `json:"failed"`
	FailedProducts []string `json:"failed_products"`
	Error          string   `json:"error,omitempty"`
	StartedAt      string   `json:"started_at"`
	CompletedAt    string   `json:"completed_at,omitempty"`
}

func toBatchRunDTO(r generic.BatchRun) BatchRunDTO {
	failed := make([]string, len(r.FailedProducts))
	for i, p := range r.FailedProducts {
		failed[i] = string(p)
	}
	dto := BatchRunDTO{
		ID:             r.ID,
		AsOf:           r.AsOf.String(),
		Status:         string(r.Status),
		Processed:      r.Processed,
		Charged:        r.Charged,
		Skipped:        r.Skipped,
		Failed:         r.Failed,
		FailedProducts: failed,
		Error:          r.Error,
		StartedAt:      r.StartedAt.Format(time.RFC3339),
	}
	if r.CompletedAt != nil {
		dto.CompletedAt = r.CompletedAt.Format(time.RFC3339)
	}
	return dto
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	// Today is the date to pass to classification and accrual to see the
	// scenario's expected outcome.
	Today         string `json:"today"`
	InstallmentID string `json:"installment_id"`
	Expect        string `json:"expect"`
}

// LoadScenarioRequest is the request to load a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is returned for every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
