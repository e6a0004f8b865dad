package mysql

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/delinquency-engine/generic"
)

// =============================================================================
// ROW MODELS
// =============================================================================
// Dates are stored as "2006-01-02" strings ('' when missing) so range
// filters compare lexicographically on every dialect.

type loanRow struct {
	ID                string          `gorm:"primaryKey;size:64;column:id"`
	CustomerID        string          `gorm:"size:64;column:customer_id"`
	Product           string          `gorm:"size:32;column:product"`
	ProductLine       string          `gorm:"size:64;column:product_line"`
	Status            string          `gorm:"size:16;column:status"`
	LoanAmount        decimal.Decimal `gorm:"type:decimal(20,2);column:loan_amount"`
	FeeIneligible     bool            `gorm:"column:fee_ineligible"`
	NewLoanIneligible bool            `gorm:"column:new_loan_ineligible"`
	EverBucket5       bool            `gorm:"column:ever_bucket5"`
	LegacyUnlinked    bool            `gorm:"column:legacy_unlinked"`
	UpdatedAt         time.Time       `gorm:"column:updated_at"`
}

func (loanRow) TableName() string { return "loans" }

type installmentRow struct {
	ID                  string          `gorm:"primaryKey;size:64;column:id"`
	LoanID              string          `gorm:"size:64;index:idx_installments_loan,priority:1;column:loan_id"`
	Product             string          `gorm:"size:32;index:idx_installments_product_due,priority:1;column:product"`
	ProductLine         string          `gorm:"size:64;column:product_line"`
	Number              int             `gorm:"index:idx_installments_loan,priority:2;column:number"`
	DueDate             string          `gorm:"size:10;index:idx_installments_product_due,priority:2;column:due_date"`
	DueAmount           decimal.Decimal `gorm:"type:decimal(20,2);column:due_amount"`
	PaidAmount          decimal.Decimal `gorm:"type:decimal(20,2);column:paid_amount"`
	PaidDate            string          `gorm:"size:10;column:paid_date"`
	Principal           decimal.Decimal `gorm:"type:decimal(20,2);column:principal"`
	PaidPrincipal       decimal.Decimal `gorm:"type:decimal(20,2);column:paid_principal"`
	Interest            decimal.Decimal `gorm:"type:decimal(20,2);column:interest"`
	PaidInterest        decimal.Decimal `gorm:"type:decimal(20,2);column:paid_interest"`
	LateFee             decimal.Decimal `gorm:"type:decimal(20,2);column:late_fee"`
	PaidLateFee         decimal.Decimal `gorm:"type:decimal(20,2);column:paid_late_fee"`
	Status              int             `gorm:"column:status"`
	StatusAtPayment     int             `gorm:"column:status_at_payment"`
	LateFeeTiersApplied int             `gorm:"column:late_fee_tiers_applied"`
	Excluded            bool            `gorm:"column:excluded"`
	UpdatedAt           time.Time       `gorm:"column:updated_at"`
}

func (installmentRow) TableName() string { return "installments" }

type feeEventRow struct {
	ID             string          `gorm:"primaryKey;size:64;column:id"`
	InstallmentID  string          `gorm:"size:64;uniqueIndex:idx_fee_events_sequence,priority:1;column:installment_id"`
	LoanID         string          `gorm:"size:64;column:loan_id"`
	Product        string          `gorm:"size:32;column:product"`
	Tier           int             `gorm:"column:tier"`
	DPDThreshold   int             `gorm:"column:dpd_threshold"`
	FeePct         decimal.Decimal `gorm:"type:decimal(9,4);column:fee_pct"`
	Amount         decimal.Decimal `gorm:"type:decimal(20,2);column:amount"`
	DueBefore      decimal.Decimal `gorm:"type:decimal(20,2);column:due_before"`
	DueAfter       decimal.Decimal `gorm:"type:decimal(20,2);column:due_after"`
	AccruedOn      string          `gorm:"size:10;column:accrued_on"`
	Sequence       int             `gorm:"uniqueIndex:idx_fee_events_sequence,priority:2;column:sequence"`
	IdempotencyKey string          `gorm:"size:160;uniqueIndex;column:idempotency_key"`
	CreatedAt      time.Time       `gorm:"column:created_at"`
}

func (feeEventRow) TableName() string { return "fee_events" }

type statusTransitionRow struct {
	InstallmentID string    `gorm:"primaryKey;size:64;column:installment_id"`
	Sequence      int       `gorm:"primaryKey;autoIncrement:false;column:sequence"`
	LoanID        string    `gorm:"size:64;column:loan_id"`
	FromStatus    int       `gorm:"column:from_status"`
	ToStatus      int       `gorm:"column:to_status"`
	At            string    `gorm:"size:10;column:at"`
	Reason        string    `gorm:"size:255;column:reason"`
	CreatedAt     time.Time `gorm:"column:created_at"`
}

func (statusTransitionRow) TableName() string { return "status_history" }

type blockRow struct {
	ID            string    `gorm:"primaryKey;size:64;column:id"`
	InstallmentID string    `gorm:"size:64;index;column:installment_id"`
	Reason        string    `gorm:"size:32;column:reason"`
	ValidUntil    string    `gorm:"size:10;column:valid_until"`
	PromiseID     string    `gorm:"size:64;column:promise_id"`
	CreatedAt     time.Time `gorm:"column:created_at"`
}

func (blockRow) TableName() string { return "late_fee_blocks" }

type promiseRow struct {
	ID            string    `gorm:"primaryKey;size:64;column:id"`
	LoanID        string    `gorm:"size:64;index;column:loan_id"`
	InstallmentID string    `gorm:"size:64;column:installment_id"`
	PromiseDate   string    `gorm:"size:10;column:promise_date"`
	Status        string    `gorm:"size:16;column:status"`
	ParentID      string    `gorm:"size:64;column:parent_id"`
	CreatedAt     time.Time `gorm:"column:created_at"`
}

func (promiseRow) TableName() string { return "promises" }

type productRow struct {
	Code        string    `gorm:"primaryKey;size:32;column:code"`
	Name        string    `gorm:"size:128;column:name"`
	ProductLine string    `gorm:"size:64;column:product_line"`
	ConfigJSON  string    `gorm:"type:text;column:config_json"`
	Version     int       `gorm:"column:version"`
	CreatedAt   time.Time `gorm:"column:created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at"`
}

func (productRow) TableName() string { return "products" }

type batchRunRow struct {
	ID                 string     `gorm:"primaryKey;size:64;column:id"`
	AsOf               string     `gorm:"size:10;column:as_of"`
	Status             string     `gorm:"size:16;column:status"`
	Processed          int        `gorm:"column:processed"`
	Charged            int        `gorm:"column:charged"`
	Skipped            int        `gorm:"column:skipped"`
	Failed             int        `gorm:"column:failed"`
	FailedProductsJSON string     `gorm:"type:text;column:failed_products_json"`
	Error              string     `gorm:"type:text;column:error"`
	StartedAt          time.Time  `gorm:"index;column:started_at"`
	CompletedAt        *time.Time `gorm:"column:completed_at"`
}

func (batchRunRow) TableName() string { return "batch_runs" }

func allModels() []any {
	return []any{
		&loanRow{}, &installmentRow{}, &feeEventRow{}, &statusTransitionRow{},
		&blockRow{}, &promiseRow{}, &productRow{}, &batchRunRow{},
	}
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func parseDate(s string) generic.Date {
	d, _ := generic.ParseDate(s)
	return d
}

func toLoanRow(l generic.Loan) loanRow {
	status := l.Status
	if status == "" {
		status = generic.LoanCurrent
	}
	return loanRow{
		ID:                string(l.ID),
		CustomerID:        string(l.CustomerID),
		Product:           string(l.Product),
		ProductLine:       string(l.ProductLine),
		Status:            string(status),
		LoanAmount:        l.LoanAmount,
		FeeIneligible:     l.FeeIneligible,
		NewLoanIneligible: l.NewLoanIneligible,
		EverBucket5:       l.EverEnteredBucket5,
		LegacyUnlinked:    l.LegacyUnlinked,
	}
}

func (r loanRow) toDomain() generic.Loan {
	return generic.Loan{
		ID:                 generic.LoanID(r.ID),
		CustomerID:         generic.CustomerID(r.CustomerID),
		Product:            generic.ProductCode(r.Product),
		ProductLine:        generic.ProductLine(r.ProductLine),
		Status:             generic.LoanStatus(r.Status),
		LoanAmount:         r.LoanAmount,
		FeeIneligible:      r.FeeIneligible,
		NewLoanIneligible:  r.NewLoanIneligible,
		EverEnteredBucket5: r.EverBucket5,
		LegacyUnlinked:     r.LegacyUnlinked,
		UpdatedAt:          r.UpdatedAt,
	}
}

func toInstallmentRow(i generic.Installment) installmentRow {
	return installmentRow{
		ID:                  string(i.ID),
		LoanID:              string(i.LoanID),
		Product:             string(i.Product),
		ProductLine:         string(i.ProductLine),
		Number:              i.Number,
		DueDate:             i.DueDate.String(),
		DueAmount:           i.DueAmount,
		PaidAmount:          i.PaidAmount,
		PaidDate:            i.PaidDate.String(),
		Principal:           i.Principal,
		PaidPrincipal:       i.PaidPrincipal,
		Interest:            i.Interest,
		PaidInterest:        i.PaidInterest,
		LateFee:             i.LateFee,
		PaidLateFee:         i.PaidLateFee,
		Status:              int(i.Status),
		StatusAtPayment:     int(i.StatusAtPayment),
		LateFeeTiersApplied: i.LateFeeTiersApplied,
		Excluded:            i.Excluded,
	}
}

func (r installmentRow) toDomain() generic.Installment {
	return generic.Installment{
		ID:                  generic.InstallmentID(r.ID),
		LoanID:              generic.LoanID(r.LoanID),
		Product:             generic.ProductCode(r.Product),
		ProductLine:         generic.ProductLine(r.ProductLine),
		Number:              r.Number,
		DueDate:             parseDate(r.DueDate),
		DueAmount:           r.DueAmount,
		PaidAmount:          r.PaidAmount,
		PaidDate:            parseDate(r.PaidDate),
		Principal:           r.Principal,
		PaidPrincipal:       r.PaidPrincipal,
		Interest:            r.Interest,
		PaidInterest:        r.PaidInterest,
		LateFee:             r.LateFee,
		PaidLateFee:         r.PaidLateFee,
		Status:              generic.StatusCode(r.Status),
		StatusAtPayment:     generic.StatusCode(r.StatusAtPayment),
		LateFeeTiersApplied: r.LateFeeTiersApplied,
		Excluded:            r.Excluded,
		UpdatedAt:           r.UpdatedAt,
	}
}

func toFeeEventRow(ev generic.FeeEvent) feeEventRow {
	return feeEventRow{
		ID:             string(ev.ID),
		InstallmentID:  string(ev.InstallmentID),
		LoanID:         string(ev.LoanID),
		Product:        string(ev.Product),
		Tier:           ev.Tier,
		DPDThreshold:   ev.DPDThreshold,
		FeePct:         ev.FeePct,
		Amount:         ev.Amount,
		DueBefore:      ev.DueBefore,
		DueAfter:       ev.DueAfter,
		AccruedOn:      ev.AccruedOn.String(),
		Sequence:       ev.Sequence,
		IdempotencyKey: ev.IdempotencyKey,
		CreatedAt:      ev.CreatedAt,
	}
}

func (r feeEventRow) toDomain() generic.FeeEvent {
	return generic.FeeEvent{
		ID:             generic.FeeEventID(r.ID),
		InstallmentID:  generic.InstallmentID(r.InstallmentID),
		LoanID:         generic.LoanID(r.LoanID),
		Product:        generic.ProductCode(r.Product),
		Tier:           r.Tier,
		DPDThreshold:   r.DPDThreshold,
		FeePct:         r.FeePct,
		Amount:         r.Amount,
		DueBefore:      r.DueBefore,
		DueAfter:       r.DueAfter,
		AccruedOn:      parseDate(r.AccruedOn),
		Sequence:       r.Sequence,
		IdempotencyKey: r.IdempotencyKey,
		CreatedAt:      r.CreatedAt,
	}
}

func (r statusTransitionRow) toDomain() generic.StatusTransition {
	return generic.StatusTransition{
		InstallmentID: generic.InstallmentID(r.InstallmentID),
		LoanID:        generic.LoanID(r.LoanID),
		From:          generic.StatusCode(r.FromStatus),
		To:            generic.StatusCode(r.ToStatus),
		At:            parseDate(r.At),
		Reason:        r.Reason,
		Sequence:      r.Sequence,
		CreatedAt:     r.CreatedAt,
	}
}

func (r blockRow) toDomain() generic.LateFeeBlock {
	return generic.LateFeeBlock{
		ID:            generic.BlockID(r.ID),
		InstallmentID: generic.InstallmentID(r.InstallmentID),
		Reason:        generic.BlockReason(r.Reason),
		ValidUntil:    parseDate(r.ValidUntil),
		PromiseID:     generic.PromiseID(r.PromiseID),
		CreatedAt:     r.CreatedAt,
	}
}

func (r promiseRow) toDomain() generic.PromiseToPay {
	return generic.PromiseToPay{
		ID:            generic.PromiseID(r.ID),
		LoanID:        generic.LoanID(r.LoanID),
		InstallmentID: generic.InstallmentID(r.InstallmentID),
		PromiseDate:   parseDate(r.PromiseDate),
		Status:        generic.PromiseStatus(r.Status),
		ParentID:      generic.PromiseID(r.ParentID),
		CreatedAt:     r.CreatedAt,
	}
}

func (r productRow) toDomain() generic.ProductRecord {
	return generic.ProductRecord{
		Code:       generic.ProductCode(r.Code),
		Name:       r.Name,
		Line:       generic.ProductLine(r.ProductLine),
		ConfigJSON: r.ConfigJSON,
		Version:    r.Version,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

func toBatchRunRow(r generic.BatchRun) batchRunRow {
	failed, _ := json.Marshal(r.FailedProducts)
	return batchRunRow{
		ID:                 r.ID,
		AsOf:               r.AsOf.String(),
		Status:             string(r.Status),
		Processed:          r.Processed,
		Charged:            r.Charged,
		Skipped:            r.Skipped,
		Failed:             r.Failed,
		FailedProductsJSON: string(failed),
		Error:              r.Error,
		StartedAt:          r.StartedAt.UTC(),
		CompletedAt:        r.CompletedAt,
	}
}

func (r batchRunRow) toDomain() generic.BatchRun {
	run := generic.BatchRun{
		ID:          r.ID,
		AsOf:        parseDate(r.AsOf),
		Status:      generic.RunStatus(r.Status),
		Processed:   r.Processed,
		Charged:     r.Charged,
		Skipped:     r.Skipped,
		Failed:      r.Failed,
		Error:       r.Error,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}
	if r.FailedProductsJSON != "" {
		json.Unmarshal([]byte(r.FailedProductsJSON), &run.FailedProducts)
	}
	return run
}
