package stock

import (
	"context"
	"sort"
	"sync"

	"github.com/rentalpos/rentalpos/internal/shared"
)

// memoryRepo keeps stock state in maps. WithTx snapshots the state and
// restores it when fn fails, so rollbacks are observable in tests.
type memoryRepo struct {
	mu           sync.Mutex
	counters     map[ProductRef]Counters
	movements    []Movement
	compositions map[int64][]CompositionLine
	nextID       int64

	// failInsert, when set, is consulted before every movement insert.
	failInsert func(Movement) error
	// lockLog records every GetCountersForUpdate in call order.
	lockLog []ProductRef
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		counters:     make(map[ProductRef]Counters),
		compositions: make(map[int64][]CompositionLine),
	}
}

// seed creates a product with the given counters and no ledger.
func (r *memoryRepo) seed(ref ProductRef, c Counters) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[ref] = c
}

// drift overwrites counters without a movement, simulating corruption.
func (r *memoryRepo) drift(ref ProductRef, c Counters) {
	r.seed(ref, c)
}

// appendRaw writes a ledger row directly, bypassing the counter maintainer.
func (r *memoryRepo) appendRaw(mv Movement) Movement {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	mv.ID = r.nextID
	r.movements = append(r.movements, mv)
	return mv
}

func (r *memoryRepo) get(ref ProductRef) Counters {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[ref]
}

func (r *memoryRepo) movementCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.movements)
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	counters := make(map[ProductRef]Counters, len(r.counters))
	for k, v := range r.counters {
		counters[k] = v
	}
	compositions := make(map[int64][]CompositionLine, len(r.compositions))
	for k, v := range r.compositions {
		compositions[k] = append([]CompositionLine(nil), v...)
	}
	movements := append([]Movement(nil), r.movements...)
	nextID := r.nextID

	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.counters = counters
		r.compositions = compositions
		r.movements = movements
		r.nextID = nextID
		return err
	}
	return nil
}

func (r *memoryRepo) ListMovements(ctx context.Context, ref ProductRef, limit int) ([]Movement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 {
		limit = 200
	}
	var out []Movement
	for i := len(r.movements) - 1; i >= 0 && len(out) < limit; i-- {
		if r.movements[i].Product == ref {
			out = append(out, r.movements[i])
		}
	}
	return out, nil
}

func (r *memoryRepo) ListProductCounters(ctx context.Context) ([]ProductCounters, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ProductCounters, 0, len(r.counters))
	for ref, c := range r.counters {
		out = append(out, ProductCounters{Product: ref, Counters: c})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Product.less(out[j].Product) })
	return out, nil
}

func (r *memoryRepo) LedgerTotals(ctx context.Context) ([]LedgerTotal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	type groupKey struct {
		product ProductRef
		mt      MovementType
		tag     string
	}
	sums := make(map[groupKey]int64)
	var order []groupKey
	for _, mv := range r.movements {
		k := groupKey{product: mv.Product, mt: mv.Type, tag: string(mv.Cause)}
		if _, ok := sums[k]; !ok {
			order = append(order, k)
		}
		sums[k] += mv.Quantity
	}
	out := make([]LedgerTotal, 0, len(order))
	for _, k := range order {
		out = append(out, LedgerTotal{Product: k.product, Type: k.mt, Tag: k.tag, Quantity: sums[k]})
	}
	return out, nil
}

func (tx *memoryTx) GetCounters(ctx context.Context, ref ProductRef) (Counters, error) {
	c, ok := tx.repo.counters[ref]
	if !ok {
		return Counters{}, notFoundf("%s", ref)
	}
	return c, nil
}

func (tx *memoryTx) GetCountersForUpdate(ctx context.Context, ref ProductRef) (Counters, error) {
	tx.repo.lockLog = append(tx.repo.lockLog, ref)
	return tx.GetCounters(ctx, ref)
}

func (tx *memoryTx) UpdateCounters(ctx context.Context, ref ProductRef, c Counters) error {
	if _, ok := tx.repo.counters[ref]; !ok {
		return notFoundf("%s", ref)
	}
	tx.repo.counters[ref] = c
	return nil
}

func (tx *memoryTx) InsertMovement(ctx context.Context, mv Movement) (int64, error) {
	if tx.repo.failInsert != nil {
		if err := tx.repo.failInsert(mv); err != nil {
			return 0, err
		}
	}
	tx.repo.nextID++
	mv.ID = tx.repo.nextID
	tx.repo.movements = append(tx.repo.movements, mv)
	return mv.ID, nil
}

func (tx *memoryTx) GetMovementForUpdate(ctx context.Context, id int64) (Movement, error) {
	for _, mv := range tx.repo.movements {
		if mv.ID == id {
			return mv, nil
		}
	}
	return Movement{}, notFoundf("movement %d", id)
}

func (tx *memoryTx) DeleteMovement(ctx context.Context, id int64) error {
	for i, mv := range tx.repo.movements {
		if mv.ID == id {
			tx.repo.movements = append(tx.repo.movements[:i], tx.repo.movements[i+1:]...)
			return nil
		}
	}
	return notFoundf("movement %d", id)
}

func (tx *memoryTx) ListProductMovements(ctx context.Context, ref ProductRef) ([]Movement, error) {
	var out []Movement
	for _, mv := range tx.repo.movements {
		if mv.Product == ref {
			out = append(out, mv)
		}
	}
	return out, nil
}

func (tx *memoryTx) RentalOutstanding(ctx context.Context, ref ProductRef, rentalID string) (int64, error) {
	var outstanding int64
	for _, mv := range tx.repo.movements {
		if mv.Product != ref || mv.ReferenceID != rentalID {
			continue
		}
		switch {
		case mv.Type == MovementOut && mv.Cause == CauseRentalCheckout:
			outstanding += mv.Quantity
		case mv.Type == MovementIn && (mv.Cause == CauseRentalReturn || mv.Cause == CauseRentalCancellation):
			outstanding -= mv.Quantity
		}
	}
	return outstanding, nil
}

func (tx *memoryTx) ListComposition(ctx context.Context, bundleID int64) ([]CompositionLine, error) {
	return append([]CompositionLine(nil), tx.repo.compositions[bundleID]...), nil
}

func (tx *memoryTx) ReplaceComposition(ctx context.Context, bundleID int64, lines []CompositionLine) error {
	tx.repo.compositions[bundleID] = append([]CompositionLine(nil), lines...)
	return nil
}

type memoryAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *memoryAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

func (a *memoryAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.logs))
	for _, l := range a.logs {
		out = append(out, l.Action)
	}
	return out
}

type memoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]string
}

func newMemoryIdempotency() *memoryIdempotency {
	return &memoryIdempotency{keys: make(map[string]string)}
}

func (m *memoryIdempotency) CheckAndInsert(ctx context.Context, key, module string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key]; ok {
		return shared.ErrIdempotencyConflict
	}
	m.keys[key] = module
	return nil
}

func (m *memoryIdempotency) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

type fixture struct {
	repo  *memoryRepo
	audit *memoryAudit
	idem  *memoryIdempotency
	svc   *Service
}

func newFixture(cfg ServiceConfig) fixture {
	repo := newMemoryRepo()
	audit := &memoryAudit{}
	idem := newMemoryIdempotency()
	return fixture{repo: repo, audit: audit, idem: idem, svc: NewService(repo, audit, idem, cfg)}
}
