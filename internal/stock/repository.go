package stock

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rentalpos/rentalpos/internal/platform/db"
)

// Repository persists stock counters, the movement ledger and bundle
// compositions in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the statements a stock operation runs inside one transaction.
type TxRepository interface {
	GetCounters(ctx context.Context, ref ProductRef) (Counters, error)
	GetCountersForUpdate(ctx context.Context, ref ProductRef) (Counters, error)
	UpdateCounters(ctx context.Context, ref ProductRef, counters Counters) error
	InsertMovement(ctx context.Context, mv Movement) (int64, error)
	GetMovementForUpdate(ctx context.Context, id int64) (Movement, error)
	DeleteMovement(ctx context.Context, id int64) error
	ListProductMovements(ctx context.Context, ref ProductRef) ([]Movement, error)
	// RentalOutstanding returns units of ref checked out by one rental and not
	// yet returned or cancelled.
	RentalOutstanding(ctx context.Context, ref ProductRef, rentalID string) (int64, error)
	ListComposition(ctx context.Context, bundleID int64) ([]CompositionLine, error)
	ReplaceComposition(ctx context.Context, bundleID int64, lines []CompositionLine) error
}

type txRepository struct {
	tx pgx.Tx
}

var counterTables = map[ProductType]string{
	ProductItem:      "items",
	ProductAccessory: "accessories",
	ProductBundle:    "bundles",
}

func counterTable(ref ProductRef) (string, error) {
	table, ok := counterTables[ref.Type()]
	if !ok {
		return "", validationf("product reference required")
	}
	return table, nil
}

const movementColumns = `id, item_id, accessory_id, bundle_id, movement_type, reference_type, reference_id,
quantity, stock_before, stock_after, user_id, COALESCE(notes, ''), created_at`

// WithTx runs fn inside one repeatable-read transaction. Any error rolls back
// every statement issued through the TxRepository.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("stock repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// ListMovements returns the newest movements of a product first.
func (r *Repository) ListMovements(ctx context.Context, ref ProductRef, limit int) ([]Movement, error) {
	if r == nil || r.pool == nil {
		return nil, errors.New("stock repository not initialised")
	}
	if limit <= 0 {
		limit = 200
	}
	column, err := refColumn(ref)
	if err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`SELECT %s FROM stock_movements WHERE %s=$1 ORDER BY created_at DESC, id DESC LIMIT $2`,
		movementColumns, column), ref.ID(), limit)
	if err != nil {
		return nil, err
	}
	return collectMovements(rows)
}

// ListProductCounters returns the live counters of every product.
func (r *Repository) ListProductCounters(ctx context.Context) ([]ProductCounters, error) {
	if r == nil || r.pool == nil {
		return nil, errors.New("stock repository not initialised")
	}
	rows, err := r.pool.Query(ctx, `SELECT 'item', id, stock_quantity, available_quantity FROM items
UNION ALL SELECT 'accessory', id, stock_quantity, available_quantity FROM accessories
UNION ALL SELECT 'bundle', id, stock_quantity, available_quantity FROM bundles
ORDER BY 1, 2`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ProductCounters
	for rows.Next() {
		var (
			kind string
			id   int64
			pc   ProductCounters
		)
		if err := rows.Scan(&kind, &id, &pc.Counters.Stock, &pc.Counters.Available); err != nil {
			return nil, err
		}
		ref, err := NewProductRef(ProductType(kind), id)
		if err != nil {
			return nil, err
		}
		pc.Product = ref
		out = append(out, pc)
	}
	return out, rows.Err()
}

// LedgerTotals sums movement quantities per product, direction and tag.
func (r *Repository) LedgerTotals(ctx context.Context) ([]LedgerTotal, error) {
	if r == nil || r.pool == nil {
		return nil, errors.New("stock repository not initialised")
	}
	rows, err := r.pool.Query(ctx, `SELECT item_id, accessory_id, bundle_id, movement_type, reference_type, SUM(quantity)::bigint
FROM stock_movements
GROUP BY item_id, accessory_id, bundle_id, movement_type, reference_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LedgerTotal
	for rows.Next() {
		var (
			itemID, accessoryID, bundleID *int64
			total                         LedgerTotal
			mt                            string
		)
		if err := rows.Scan(&itemID, &accessoryID, &bundleID, &mt, &total.Tag, &total.Quantity); err != nil {
			return nil, err
		}
		total.Product = refFromColumns(itemID, accessoryID, bundleID)
		total.Type = MovementType(mt)
		out = append(out, total)
	}
	return out, rows.Err()
}

func (r *txRepository) GetCounters(ctx context.Context, ref ProductRef) (Counters, error) {
	return r.getCounters(ctx, ref, "")
}

func (r *txRepository) GetCountersForUpdate(ctx context.Context, ref ProductRef) (Counters, error) {
	return r.getCounters(ctx, ref, " FOR UPDATE")
}

func (r *txRepository) getCounters(ctx context.Context, ref ProductRef, lock string) (Counters, error) {
	table, err := counterTable(ref)
	if err != nil {
		return Counters{}, err
	}
	var c Counters
	err = r.tx.QueryRow(ctx, fmt.Sprintf(`SELECT stock_quantity, available_quantity FROM %s WHERE id=$1%s`, table, lock), ref.ID()).
		Scan(&c.Stock, &c.Available)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Counters{}, notFoundf("%s", ref)
		}
		return Counters{}, err
	}
	return c, nil
}

func (r *txRepository) UpdateCounters(ctx context.Context, ref ProductRef, counters Counters) error {
	table, err := counterTable(ref)
	if err != nil {
		return err
	}
	tag, err := r.tx.Exec(ctx, fmt.Sprintf(`UPDATE %s SET stock_quantity=$2, available_quantity=$3, updated_at=NOW() WHERE id=$1`, table),
		ref.ID(), counters.Stock, counters.Available)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFoundf("%s", ref)
	}
	return nil
}

func (r *txRepository) InsertMovement(ctx context.Context, mv Movement) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_movements (item_id, accessory_id, bundle_id, movement_type, reference_type, reference_id,
quantity, stock_before, stock_after, user_id, notes, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12) RETURNING id`,
		nullInt(mv.Product.ItemID), nullInt(mv.Product.AccessoryID), nullInt(mv.Product.BundleID),
		string(mv.Type), string(mv.Cause), nullString(mv.ReferenceID),
		mv.Quantity, mv.StockBefore, mv.StockAfter, nullInt(mv.UserID), nullString(mv.Notes), mv.CreatedAt).Scan(&id)
	return id, err
}

func (r *txRepository) GetMovementForUpdate(ctx context.Context, id int64) (Movement, error) {
	rows, err := r.tx.Query(ctx, fmt.Sprintf(`SELECT %s FROM stock_movements WHERE id=$1 FOR UPDATE`, movementColumns), id)
	if err != nil {
		return Movement{}, err
	}
	movements, err := collectMovements(rows)
	if err != nil {
		return Movement{}, err
	}
	if len(movements) == 0 {
		return Movement{}, notFoundf("movement %d", id)
	}
	return movements[0], nil
}

func (r *txRepository) DeleteMovement(ctx context.Context, id int64) error {
	tag, err := r.tx.Exec(ctx, `DELETE FROM stock_movements WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFoundf("movement %d", id)
	}
	return nil
}

func (r *txRepository) ListProductMovements(ctx context.Context, ref ProductRef) ([]Movement, error) {
	column, err := refColumn(ref)
	if err != nil {
		return nil, err
	}
	rows, err := r.tx.Query(ctx, fmt.Sprintf(`SELECT %s FROM stock_movements WHERE %s=$1 ORDER BY created_at ASC, id ASC`,
		movementColumns, column), ref.ID())
	if err != nil {
		return nil, err
	}
	return collectMovements(rows)
}

func (r *txRepository) RentalOutstanding(ctx context.Context, ref ProductRef, rentalID string) (int64, error) {
	column, err := refColumn(ref)
	if err != nil {
		return 0, err
	}
	var outstanding int64
	err = r.tx.QueryRow(ctx, fmt.Sprintf(`SELECT COALESCE(SUM(CASE
	WHEN movement_type='OUT' AND reference_type=$3 THEN quantity
	WHEN movement_type='IN' AND reference_type IN ($4, $5) THEN -quantity
	ELSE 0 END), 0)
FROM stock_movements WHERE %s=$1 AND reference_id=$2`, column),
		ref.ID(), rentalID, string(CauseRentalCheckout), string(CauseRentalReturn), string(CauseRentalCancellation)).Scan(&outstanding)
	return outstanding, err
}

func (r *txRepository) ListComposition(ctx context.Context, bundleID int64) ([]CompositionLine, error) {
	rows, err := r.tx.Query(ctx, `SELECT bundle_id, COALESCE(item_id, 0), COALESCE(accessory_id, 0), quantity
FROM bundle_components WHERE bundle_id=$1 ORDER BY id`, bundleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []CompositionLine
	for rows.Next() {
		var line CompositionLine
		if err := rows.Scan(&line.BundleID, &line.ItemID, &line.AccessoryID, &line.Quantity); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func (r *txRepository) ReplaceComposition(ctx context.Context, bundleID int64, lines []CompositionLine) error {
	if _, err := r.tx.Exec(ctx, `DELETE FROM bundle_components WHERE bundle_id=$1`, bundleID); err != nil {
		return err
	}
	for _, line := range lines {
		if _, err := r.tx.Exec(ctx, `INSERT INTO bundle_components (bundle_id, item_id, accessory_id, quantity) VALUES ($1,$2,$3,$4)`,
			bundleID, nullInt(line.ItemID), nullInt(line.AccessoryID), line.Quantity); err != nil {
			return err
		}
	}
	return nil
}

func collectMovements(rows pgx.Rows) ([]Movement, error) {
	defer rows.Close()
	var out []Movement
	for rows.Next() {
		var (
			mv                            Movement
			itemID, accessoryID, bundleID *int64
			referenceID                   *string
			userID                        *int64
			mt, tag                       string
		)
		if err := rows.Scan(&mv.ID, &itemID, &accessoryID, &bundleID, &mt, &tag, &referenceID,
			&mv.Quantity, &mv.StockBefore, &mv.StockAfter, &userID, &mv.Notes, &mv.CreatedAt); err != nil {
			return nil, err
		}
		mv.Product = refFromColumns(itemID, accessoryID, bundleID)
		mv.Type = MovementType(mt)
		if cause, err := ParseCause(tag); err == nil {
			mv.Cause = cause
		} else {
			// kept verbatim so replay can report the offending tag
			mv.Cause = Cause(tag)
		}
		if referenceID != nil {
			mv.ReferenceID = *referenceID
		}
		if userID != nil {
			mv.UserID = *userID
		}
		out = append(out, mv)
	}
	return out, rows.Err()
}

func refColumn(ref ProductRef) (string, error) {
	switch ref.Type() {
	case ProductItem:
		return "item_id", nil
	case ProductAccessory:
		return "accessory_id", nil
	case ProductBundle:
		return "bundle_id", nil
	}
	return "", validationf("product reference required")
}

func refFromColumns(itemID, accessoryID, bundleID *int64) ProductRef {
	var ref ProductRef
	if itemID != nil {
		ref.ItemID = *itemID
	}
	if accessoryID != nil {
		ref.AccessoryID = *accessoryID
	}
	if bundleID != nil {
		ref.BundleID = *bundleID
	}
	return ref
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
