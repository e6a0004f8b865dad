// Package store provides the in-memory Store implementation.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/delinquency-engine/generic"
)

// DefaultLockTimeout bounds how long WithInstallmentLock waits for a busy
// loan or installment.
const DefaultLockTimeout = 5 * time.Second

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu           sync.RWMutex
	installments map[generic.InstallmentID]generic.Installment
	loans        map[generic.LoanID]generic.Loan
	blocks       map[generic.BlockID]generic.LateFeeBlock
	promises     map[generic.PromiseID]generic.PromiseToPay
	feeEvents    map[generic.InstallmentID][]generic.FeeEvent
	feeKeys      map[string]bool
	history      map[generic.InstallmentID][]generic.StatusTransition
	products     map[generic.ProductCode]generic.ProductRecord
	runs         map[string]generic.BatchRun

	locks       *keyLocks
	LockTimeout time.Duration
}

func NewMemory() *Memory {
	return &Memory{
		installments: make(map[generic.InstallmentID]generic.Installment),
		loans:        make(map[generic.LoanID]generic.Loan),
		blocks:       make(map[generic.BlockID]generic.LateFeeBlock),
		promises:     make(map[generic.PromiseID]generic.PromiseToPay),
		feeEvents:    make(map[generic.InstallmentID][]generic.FeeEvent),
		feeKeys:      make(map[string]bool),
		history:      make(map[generic.InstallmentID][]generic.StatusTransition),
		products:     make(map[generic.ProductCode]generic.ProductRecord),
		runs:         make(map[string]generic.BatchRun),
		locks:        &keyLocks{held: make(map[string]chan struct{})},
		LockTimeout:  DefaultLockTimeout,
	}
}

// -----------------------------------------------------------------------------
// Installments
// -----------------------------------------------------------------------------

func (m *Memory) GetInstallment(_ context.Context, id generic.InstallmentID) (generic.Installment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.installments[id]
	if !ok {
		return generic.Installment{}, &generic.NotFoundError{Kind: "installment", ID: string(id)}
	}
	return inst, nil
}

func (m *Memory) SaveInstallment(_ context.Context, inst generic.Installment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.installments[inst.ID] = inst
	return nil
}

func (m *Memory) FindInstallments(_ context.Context, filter generic.InstallmentFilter) ([]generic.Installment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return findInstallments(m.installments, filter), nil
}

func (m *Memory) InstallmentsForLoan(_ context.Context, loanID generic.LoanID) ([]generic.Installment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return loanInstallments(m.installments, loanID), nil
}

func findInstallments(all map[generic.InstallmentID]generic.Installment, filter generic.InstallmentFilter) []generic.Installment {
	var result []generic.Installment
	for _, inst := range all {
		if filter.Matches(inst) {
			result = append(result, inst)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].DueDate.Equal(result[j].DueDate) {
			return result[i].DueDate.Before(result[j].DueDate)
		}
		return result[i].ID < result[j].ID
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result
}

func loanInstallments(all map[generic.InstallmentID]generic.Installment, loanID generic.LoanID) []generic.Installment {
	var result []generic.Installment
	for _, inst := range all {
		if inst.LoanID == loanID {
			result = append(result, inst)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Number < result[j].Number })
	return result
}

// -----------------------------------------------------------------------------
// Loans
// -----------------------------------------------------------------------------

func (m *Memory) GetLoan(_ context.Context, id generic.LoanID) (generic.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	loan, ok := m.loans[id]
	if !ok {
		return generic.Loan{}, &generic.NotFoundError{Kind: "loan", ID: string(id)}
	}
	return loan, nil
}

func (m *Memory) SaveLoan(_ context.Context, loan generic.Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loans[loan.ID] = loan
	return nil
}

// -----------------------------------------------------------------------------
// Blocks and promises
// -----------------------------------------------------------------------------

func (m *Memory) BlocksFor(_ context.Context, id generic.InstallmentID) ([]generic.LateFeeBlock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return blocksFor(m.blocks, id), nil
}

func blocksFor(all map[generic.BlockID]generic.LateFeeBlock, id generic.InstallmentID) []generic.LateFeeBlock {
	var result []generic.LateFeeBlock
	for _, b := range all {
		if b.InstallmentID == id {
			result = append(result, b)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].ValidUntil.Equal(result[j].ValidUntil) {
			return result[i].ValidUntil.Before(result[j].ValidUntil)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

func (m *Memory) SaveBlock(_ context.Context, block generic.LateFeeBlock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks[block.ID] = block
	return nil
}

func (m *Memory) GetPromise(_ context.Context, id generic.PromiseID) (generic.PromiseToPay, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.promises[id]
	if !ok {
		return generic.PromiseToPay{}, &generic.NotFoundError{Kind: "promise", ID: string(id)}
	}
	return p, nil
}

func (m *Memory) PromisesForLoan(_ context.Context, loanID generic.LoanID) ([]generic.PromiseToPay, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return promisesForLoan(m.promises, loanID), nil
}

func promisesForLoan(all map[generic.PromiseID]generic.PromiseToPay, loanID generic.LoanID) []generic.PromiseToPay {
	var result []generic.PromiseToPay
	for _, p := range all {
		if p.LoanID == loanID {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].PromiseDate.Equal(result[j].PromiseDate) {
			return result[i].PromiseDate.Before(result[j].PromiseDate)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

func (m *Memory) SavePromise(_ context.Context, p generic.PromiseToPay) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.promises[p.ID] = p
	return nil
}

// -----------------------------------------------------------------------------
// Append-only ledgers
// -----------------------------------------------------------------------------

func (m *Memory) AppendFeeEvent(_ context.Context, ev generic.FeeEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendFeeEventLocked(ev)
}

func (m *Memory) appendFeeEventLocked(ev generic.FeeEvent) error {
	if ev.IdempotencyKey != "" && m.feeKeys[ev.IdempotencyKey] {
		return generic.ErrDuplicateIdempotencyKey
	}
	m.feeEvents[ev.InstallmentID] = append(m.feeEvents[ev.InstallmentID], ev)
	if ev.IdempotencyKey != "" {
		m.feeKeys[ev.IdempotencyKey] = true
	}
	return nil
}

func (m *Memory) FeeEvents(_ context.Context, id generic.InstallmentID) ([]generic.FeeEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedEvents(m.feeEvents[id]), nil
}

func sortedEvents(events []generic.FeeEvent) []generic.FeeEvent {
	result := make([]generic.FeeEvent, len(events))
	copy(result, events)
	sort.SliceStable(result, func(i, j int) bool { return result[i].Sequence < result[j].Sequence })
	return result
}

func (m *Memory) FeeEventExists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.feeKeys[key], nil
}

func (m *Memory) AppendStatusTransition(_ context.Context, t generic.StatusTransition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[t.InstallmentID] = append(m.history[t.InstallmentID], t)
	return nil
}

func (m *Memory) StatusHistory(_ context.Context, id generic.InstallmentID) ([]generic.StatusTransition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]generic.StatusTransition, len(m.history[id]))
	copy(result, m.history[id])
	sort.SliceStable(result, func(i, j int) bool { return result[i].Sequence < result[j].Sequence })
	return result, nil
}

// -----------------------------------------------------------------------------
// Products and batch runs
// -----------------------------------------------------------------------------

func (m *Memory) SaveProduct(_ context.Context, p generic.ProductRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := m.products[p.Code]; ok {
		p.Version = existing.Version + 1
		p.CreatedAt = existing.CreatedAt
	} else {
		if p.Version == 0 {
			p.Version = 1
		}
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	m.products[p.Code] = p
	return nil
}

func (m *Memory) GetProduct(_ context.Context, code generic.ProductCode) (generic.ProductRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[code]
	if !ok {
		return generic.ProductRecord{}, &generic.NotFoundError{Kind: "product", ID: string(code)}
	}
	return p, nil
}

func (m *Memory) ListProducts(_ context.Context) ([]generic.ProductRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]generic.ProductRecord, 0, len(m.products))
	for _, p := range m.products {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Code < result[j].Code })
	return result, nil
}

func (m *Memory) DeleteProduct(_ context.Context, code generic.ProductCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.products, code)
	return nil
}

func (m *Memory) SaveRun(_ context.Context, r generic.BatchRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[r.ID] = r
	return nil
}

func (m *Memory) ListRuns(_ context.Context, limit int) ([]generic.BatchRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]generic.BatchRun, 0, len(m.runs))
	for _, r := range m.runs {
		result = append(result, r)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartedAt.After(result[j].StartedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Reset drops installments, loans and their ledgers. Products and run
// records are kept.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.installments = make(map[generic.InstallmentID]generic.Installment)
	m.loans = make(map[generic.LoanID]generic.Loan)
	m.blocks = make(map[generic.BlockID]generic.LateFeeBlock)
	m.promises = make(map[generic.PromiseID]generic.PromiseToPay)
	m.feeEvents = make(map[generic.InstallmentID][]generic.FeeEvent)
	m.feeKeys = make(map[string]bool)
	m.history = make(map[generic.InstallmentID][]generic.StatusTransition)
	return nil
}

// =============================================================================
// EXCLUSIVE INSTALLMENT LOCK
// =============================================================================

// WithInstallmentLock locks the installment's loan, then the installment,
// and runs fn against a staging view. Staged writes are committed in one
// step when fn succeeds and dropped otherwise.
func (m *Memory) WithInstallmentLock(ctx context.Context, id generic.InstallmentID, fn func(generic.Store) error) error {
	inst, err := m.GetInstallment(ctx, id)
	if err != nil {
		return err
	}

	releaseLoan, err := m.locks.acquire(ctx, "loan:"+string(inst.LoanID), m.LockTimeout)
	if err != nil {
		return err
	}
	defer releaseLoan()

	releaseInst, err := m.locks.acquire(ctx, "installment:"+string(id), m.LockTimeout)
	if err != nil {
		return err
	}
	defer releaseInst()

	view := newStagingView(m)
	if err := fn(view); err != nil {
		return err
	}
	return view.commit()
}

// keyLocks hands out one-slot channels per key so acquisition can give up
// on timeout or cancellation, which sync.Mutex cannot.
type keyLocks struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func (k *keyLocks) acquire(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	k.mu.Lock()
	slot, ok := k.held[key]
	if !ok {
		slot = make(chan struct{}, 1)
		k.held[key] = slot
	}
	k.mu.Unlock()

	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %v", generic.ErrConcurrencyConflict, key, ctx.Err())
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s held longer than %s", generic.ErrConcurrencyConflict, key, timeout)
	}
}

// =============================================================================
// STAGING VIEW - Buffered writes inside a lock
// =============================================================================

type stagingView struct {
	parent *Memory

	installments map[generic.InstallmentID]generic.Installment
	loans        map[generic.LoanID]generic.Loan
	blocks       map[generic.BlockID]generic.LateFeeBlock
	promises     map[generic.PromiseID]generic.PromiseToPay
	feeEvents    []generic.FeeEvent
	feeKeys      map[string]bool
	transitions  []generic.StatusTransition
}

func newStagingView(parent *Memory) *stagingView {
	return &stagingView{
		parent:       parent,
		installments: make(map[generic.InstallmentID]generic.Installment),
		loans:        make(map[generic.LoanID]generic.Loan),
		blocks:       make(map[generic.BlockID]generic.LateFeeBlock),
		promises:     make(map[generic.PromiseID]generic.PromiseToPay),
		feeKeys:      make(map[string]bool),
	}
}

func (v *stagingView) GetInstallment(ctx context.Context, id generic.InstallmentID) (generic.Installment, error) {
	if inst, ok := v.installments[id]; ok {
		return inst, nil
	}
	return v.parent.GetInstallment(ctx, id)
}

func (v *stagingView) SaveInstallment(_ context.Context, inst generic.Installment) error {
	v.installments[inst.ID] = inst
	return nil
}

func (v *stagingView) merged() map[generic.InstallmentID]generic.Installment {
	v.parent.mu.RLock()
	all := make(map[generic.InstallmentID]generic.Installment, len(v.parent.installments))
	for id, inst := range v.parent.installments {
		all[id] = inst
	}
	v.parent.mu.RUnlock()
	for id, inst := range v.installments {
		all[id] = inst
	}
	return all
}

func (v *stagingView) FindInstallments(_ context.Context, filter generic.InstallmentFilter) ([]generic.Installment, error) {
	return findInstallments(v.merged(), filter), nil
}

func (v *stagingView) InstallmentsForLoan(_ context.Context, loanID generic.LoanID) ([]generic.Installment, error) {
	return loanInstallments(v.merged(), loanID), nil
}

func (v *stagingView) GetLoan(ctx context.Context, id generic.LoanID) (generic.Loan, error) {
	if loan, ok := v.loans[id]; ok {
		return loan, nil
	}
	return v.parent.GetLoan(ctx, id)
}

func (v *stagingView) SaveLoan(_ context.Context, loan generic.Loan) error {
	v.loans[loan.ID] = loan
	return nil
}

func (v *stagingView) BlocksFor(_ context.Context, id generic.InstallmentID) ([]generic.LateFeeBlock, error) {
	v.parent.mu.RLock()
	all := make(map[generic.BlockID]generic.LateFeeBlock, len(v.parent.blocks))
	for bid, b := range v.parent.blocks {
		all[bid] = b
	}
	v.parent.mu.RUnlock()
	for bid, b := range v.blocks {
		all[bid] = b
	}
	return blocksFor(all, id), nil
}

func (v *stagingView) SaveBlock(_ context.Context, block generic.LateFeeBlock) error {
	v.blocks[block.ID] = block
	return nil
}

func (v *stagingView) GetPromise(ctx context.Context, id generic.PromiseID) (generic.PromiseToPay, error) {
	if p, ok := v.promises[id]; ok {
		return p, nil
	}
	return v.parent.GetPromise(ctx, id)
}

func (v *stagingView) PromisesForLoan(_ context.Context, loanID generic.LoanID) ([]generic.PromiseToPay, error) {
	v.parent.mu.RLock()
	all := make(map[generic.PromiseID]generic.PromiseToPay, len(v.parent.promises))
	for pid, p := range v.parent.promises {
		all[pid] = p
	}
	v.parent.mu.RUnlock()
	for pid, p := range v.promises {
		all[pid] = p
	}
	return promisesForLoan(all, loanID), nil
}

func (v *stagingView) SavePromise(_ context.Context, p generic.PromiseToPay) error {
	v.promises[p.ID] = p
	return nil
}

func (v *stagingView) AppendFeeEvent(ctx context.Context, ev generic.FeeEvent) error {
	if ev.IdempotencyKey != "" {
		exists, err := v.FeeEventExists(ctx, ev.IdempotencyKey)
		if err != nil {
			return err
		}
		if exists {
			return generic.ErrDuplicateIdempotencyKey
		}
		v.feeKeys[ev.IdempotencyKey] = true
	}
	v.feeEvents = append(v.feeEvents, ev)
	return nil
}

func (v *stagingView) FeeEvents(ctx context.Context, id generic.InstallmentID) ([]generic.FeeEvent, error) {
	events, err := v.parent.FeeEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, ev := range v.feeEvents {
		if ev.InstallmentID == id {
			events = append(events, ev)
		}
	}
	return sortedEvents(events), nil
}

func (v *stagingView) FeeEventExists(ctx context.Context, key string) (bool, error) {
	if v.feeKeys[key] {
		return true, nil
	}
	return v.parent.FeeEventExists(ctx, key)
}

func (v *stagingView) AppendStatusTransition(_ context.Context, t generic.StatusTransition) error {
	v.transitions = append(v.transitions, t)
	return nil
}

func (v *stagingView) StatusHistory(ctx context.Context, id generic.InstallmentID) ([]generic.StatusTransition, error) {
	history, err := v.parent.StatusHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, t := range v.transitions {
		if t.InstallmentID == id {
			history = append(history, t)
		}
	}
	return history, nil
}

// commit applies every staged write under the store's write lock. Fee keys
// are checked again first so a commit never half-applies.
func (v *stagingView) commit() error {
	p := v.parent
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ev := range v.feeEvents {
		if ev.IdempotencyKey != "" && p.feeKeys[ev.IdempotencyKey] {
			return generic.ErrDuplicateIdempotencyKey
		}
	}

	for id, inst := range v.installments {
		p.installments[id] = inst
	}
	for id, loan := range v.loans {
		p.loans[id] = loan
	}
	for id, b := range v.blocks {
		p.blocks[id] = b
	}
	for id, pr := range v.promises {
		p.promises[id] = pr
	}
	for _, ev := range v.feeEvents {
		if err := p.appendFeeEventLocked(ev); err != nil {
			return err
		}
	}
	for _, t := range v.transitions {
		p.history[t.InstallmentID] = append(p.history[t.InstallmentID], t)
	}
	return nil
}

var (
	_ generic.TxStore      = (*Memory)(nil)
	_ generic.ProductStore = (*Memory)(nil)
	_ generic.RunStore     = (*Memory)(nil)
)
