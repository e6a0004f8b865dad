/*
handlers.go - HTTP API handlers for the delinquency engine

PURPOSE:
  Exposes classification, late-fee accrual, product configuration and batch
  runs via REST. Handles HTTP request/response, JSON serialization, and
  delegates to the engine.

ENDPOINTS:
  Installments:
    GET    /api/installments/{id}                  Installment as stored
    GET    /api/installments/{id}/classification   Status + bucket (?today=)
    POST   /api/installments/{id}/accrue           Run late-fee accrual
    GET    /api/installments/{id}/fee-events       Fee ledger
    GET    /api/installments/{id}/status-history   Status transitions
    GET    /api/installments/{id}/blocks           Late-fee blocks
    POST   /api/installments/{id}/blocks           Manual or dispute block

  Products:
    GET    /api/products                           List product documents
    POST   /api/products                           Create or update from JSON
    GET    /api/products/{code}                    One product

  Batch:
    POST   /api/batch/runs                         Run the daily batch now
    GET    /api/batch/runs                         Recent runs (?limit=)

  Scenarios:
    GET    /api/scenarios                          List demo scenarios
    POST   /api/scenarios/load                     Load a demo scenario

ERROR HANDLING:
  Errors are returned as JSON with an HTTP status chosen by error kind:
  - 400: Malformed input
  - 404: NotFound
  - 409: ConcurrencyConflict, duplicate idempotency key, run in progress
  - 422: ConfigurationMissing, InvalidState, invalid product document
  - 500: Everything else

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/warp/delinquency-engine/batch"
	"github.com/warp/delinquency-engine/engine"
	"github.com/warp/delinquency-engine/factory"
	"github.com/warp/delinquency-engine/generic"
	"github.com/warp/delinquency-engine/latefee"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Backend is everything the handlers persist to. The SQLite, MySQL and
// in-memory stores all satisfy it.
type Backend interface {
	generic.TxStore
	generic.ProductStore
	generic.RunStore

	// Reset drops installments, loans and ledgers. Used by scenarios.
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store    Backend
	Engine   *engine.Engine
	Runner   *batch.Runner
	Products *factory.ProductFactory

	// Caps is refreshed from the product catalog whenever products change.
	// Optional.
	Caps *latefee.SwappableCap

	Log logrus.FieldLogger

	// Today supplies the business date when a request doesn't name one.
	Today func() generic.Date

	mu              sync.Mutex
	currentScenario string
}

// NewHandler wires handlers to the engine and runner. Both must share store.
func NewHandler(store Backend, eng *engine.Engine, runner *batch.Runner, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{
		Store:    store,
		Engine:   eng,
		Runner:   runner,
		Products: factory.NewProductFactory(),
		Log:      log,
		Today:    generic.Today,
	}
}

// Rules is the rule source used for single-installment accrual. Each call
// builds a fresh snapshot from the stored product documents.
func (h *Handler) Rules() latefee.RuleSource {
	return factory.StoreSource{Store: h.Store, Factory: h.Products}
}

// RefreshCatalog re-reads product documents and installs their ladder
// overrides and fee caps. Documents that fail to parse are logged and
// left out.
func (h *Handler) RefreshCatalog(ctx context.Context) error {
	catalog, bad, err := h.Products.LoadCatalog(ctx, h.Store)
	if err != nil {
		return err
	}
	for code, perr := range bad {
		h.Log.WithError(perr).WithField("product", code).Error("stored product document is invalid")
	}
	if err := catalog.RegisterOverrides(h.Engine.Classifier.Registry); err != nil {
		return err
	}
	if h.Caps != nil {
		h.Caps.Set(catalog.Caps())
	}
	return nil
}

// =============================================================================
// INSTALLMENT HANDLERS
// =============================================================================

// GetInstallment returns the installment as stored.
// GET /api/installments/{id}
func (h *Handler) GetInstallment(w http.ResponseWriter, r *http.Request) {
	inst, err := h.Store.GetInstallment(r.Context(), installmentID(r))
	if err != nil {
		writeDomainError(w, "Failed to get installment", err)
		return
	}
	writeJSON(w, http.StatusOK, toInstallmentDTO(inst))
}

// GetClassification computes DPD, status and bucket for ?today= (default:
// the server date) and records a status transition if the status moved.
// GET /api/installments/{id}/classification
func (h *Handler) GetClassification(w http.ResponseWriter, r *http.Request) {
	today, err := h.parseToday(r.URL.Query().Get("today"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid today (use YYYY-MM-DD)", err)
		return
	}

	c, err := h.Engine.ClassifyAndBucket(r.Context(), installmentID(r), today)
	if err != nil {
		writeDomainError(w, "Failed to classify installment", err)
		return
	}
	writeJSON(w, http.StatusOK, toClassificationDTO(c, today))
}

// AccrueInstallment runs late-fee accrual on one installment.
// POST /api/installments/{id}/accrue
func (h *Handler) AccrueInstallment(w http.ResponseWriter, r *http.Request) {
	var req AccrueRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	today, err := h.parseToday(req.Today)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid today (use YYYY-MM-DD)", err)
		return
	}

	ctx := r.Context()
	snap, err := latefee.LoadSnapshot(ctx, h.Rules())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load late-fee rules", err)
		return
	}

	// The accrual must not be abandoned half way because the client left.
	res, err := h.Engine.AccrueLateFee(context.WithoutCancel(ctx), snap, installmentID(r), today)
	if err != nil {
		writeDomainError(w, "Failed to accrue late fee", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccrualDTO(res, today))
}

// ListFeeEvents returns an installment's fee ledger in sequence order.
// GET /api/installments/{id}/fee-events
func (h *Handler) ListFeeEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := installmentID(r)
	if _, err := h.Store.GetInstallment(ctx, id); err != nil {
		writeDomainError(w, "Failed to get installment", err)
		return
	}

	events, err := h.Store.FeeEvents(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list fee events", err)
		return
	}
	dtos := make([]FeeEventDTO, len(events))
	for i, ev := range events {
		dtos[i] = toFeeEventDTO(ev)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetStatusHistory returns an installment's status transitions.
// GET /api/installments/{id}/status-history
func (h *Handler) GetStatusHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := installmentID(r)
	if _, err := h.Store.GetInstallment(ctx, id); err != nil {
		writeDomainError(w, "Failed to get installment", err)
		return
	}

	history, err := h.Store.StatusHistory(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get status history", err)
		return
	}
	dtos := make([]StatusTransitionDTO, len(history))
	for i, t := range history {
		dtos[i] = toStatusTransitionDTO(t)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListBlocks returns every late-fee block on an installment.
// GET /api/installments/{id}/blocks
func (h *Handler) ListBlocks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := installmentID(r)
	if _, err := h.Store.GetInstallment(ctx, id); err != nil {
		writeDomainError(w, "Failed to get installment", err)
		return
	}

	blocks, err := h.Store.BlocksFor(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list blocks", err)
		return
	}
	dtos := make([]BlockDTO, len(blocks))
	for i, b := range blocks {
		dtos[i] = toBlockDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateBlock suppresses accrual on an installment until valid_until.
// POST /api/installments/{id}/blocks
func (h *Handler) CreateBlock(w http.ResponseWriter, r *http.Request) {
	var req CreateBlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	reason := generic.BlockReason(req.Reason)
	if reason != generic.BlockManual && reason != generic.BlockDispute {
		writeError(w, http.StatusBadRequest, "reason must be manual or dispute", nil)
		return
	}
	validUntil, err := generic.ParseDate(req.ValidUntil)
	if err != nil || validUntil.IsZero() {
		writeError(w, http.StatusBadRequest, "Invalid valid_until (use YYYY-MM-DD)", err)
		return
	}

	id := installmentID(r)
	block := generic.LateFeeBlock{
		ID:            generic.BlockID(uuid.NewString()),
		InstallmentID: id,
		Reason:        reason,
		ValidUntil:    validUntil,
	}
	ctx := r.Context()
	err = h.Store.WithInstallmentLock(ctx, id, func(s generic.Store) error {
		return s.SaveBlock(ctx, block)
	})
	if err != nil {
		writeDomainError(w, "Failed to create block", err)
		return
	}

	h.Log.WithFields(logrus.Fields{"installment_id": id, "reason": reason, "valid_until": validUntil.String()}).
		Info("late-fee block created")
	writeJSON(w, http.StatusCreated, toBlockDTO(block))
}

// =============================================================================
// PRODUCT HANDLERS
// =============================================================================

// ListProducts returns every stored product document.
// GET /api/products
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	records, err := h.Store.ListProducts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list products", err)
		return
	}

	dtos := make([]ProductDTO, 0, len(records))
	for _, rec := range records {
		dto, err := toProductDTO(rec)
		if err != nil {
			h.Log.WithError(err).WithField("product", rec.Code).Warn("skipping unreadable product document")
			continue
		}
		dtos = append(dtos, dto)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetProduct returns one product document.
// GET /api/products/{code}
func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Store.GetProduct(r.Context(), generic.ProductCode(chi.URLParam(r, "code")))
	if err != nil {
		writeDomainError(w, "Failed to get product", err)
		return
	}
	dto, err := toProductDTO(rec)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Stored product document is unreadable", err)
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

// CreateProduct validates a product document and stores it. Saving an
// existing code replaces it and bumps its version; the new rules apply
// from the next accrual.
// POST /api/products
func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var pj factory.ProductJSON
	if err := json.NewDecoder(r.Body).Decode(&pj); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	product, err := h.Products.FromJSON(pj)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "Invalid product configuration", err)
		return
	}
	rec, err := h.Products.Record(product)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to encode product", err)
		return
	}

	ctx := r.Context()
	if err := h.Store.SaveProduct(ctx, rec); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save product", err)
		return
	}
	if err := h.RefreshCatalog(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reload product catalog", err)
		return
	}

	saved, err := h.Store.GetProduct(ctx, rec.Code)
	if err != nil {
		writeDomainError(w, "Failed to read back product", err)
		return
	}
	dto, err := toProductDTO(saved)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Stored product document is unreadable", err)
		return
	}
	h.Log.WithFields(logrus.Fields{"product": saved.Code, "version": saved.Version}).Info("product saved")
	writeJSON(w, http.StatusCreated, dto)
}

func toProductDTO(rec generic.ProductRecord) (ProductDTO, error) {
	var pj factory.ProductJSON
	if err := json.Unmarshal([]byte(rec.ConfigJSON), &pj); err != nil {
		return ProductDTO{}, err
	}
	dto := ProductDTO{
		Code:        string(rec.Code),
		Name:        rec.Name,
		ProductLine: string(rec.Line),
		Config:      pj,
		Version:     rec.Version,
	}
	if !rec.UpdatedAt.IsZero() {
		dto.UpdatedAt = rec.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z")
	}
	return dto, nil
}

// =============================================================================
// BATCH HANDLERS
// =============================================================================

// TriggerRun runs the daily batch synchronously and returns its report.
// Disconnecting stops the run from picking up further installments.
// POST /api/batch/runs
func (h *Handler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	var req TriggerRunRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	today, err := h.parseToday(req.Today)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid today (use YYYY-MM-DD)", err)
		return
	}

	report, err := h.Runner.Run(r.Context(), today)
	if errors.Is(err, batch.ErrRunInProgress) {
		writeError(w, http.StatusConflict, "A batch run is already in progress", err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Batch run failed", err)
		return
	}
	writeJSON(w, http.StatusOK, RunReportDTO{Report: report, Today: today.String()})
}

// ListRuns returns recent batch runs, newest first.
// GET /api/batch/runs?limit=20
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer", err)
			return
		}
		limit = n
	}

	runs, err := h.Store.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list batch runs", err)
		return
	}
	dtos := make([]BatchRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toBatchRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

func installmentID(r *http.Request) generic.InstallmentID {
	return generic.InstallmentID(chi.URLParam(r, "id"))
}

func (h *Handler) parseToday(s string) (generic.Date, error) {
	if s == "" {
		return h.Today(), nil
	}
	d, err := generic.ParseDate(s)
	if err != nil {
		return generic.Date{}, err
	}
	return d, nil
}

// decodeOptional decodes a JSON body into v; an empty body leaves v as is.
func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// writeDomainError picks the HTTP status from the engine's error taxonomy.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case generic.IsNotFound(err):
		status = http.StatusNotFound
	case generic.IsRetryable(err), errors.Is(err, generic.ErrDuplicateIdempotencyKey):
		status = http.StatusConflict
	case generic.IsSkippable(err):
		status = http.StatusUnprocessableEntity
	}
	writeError(w, status, message, err)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logrus.WithError(err).Warn("encode response")
	}
}
