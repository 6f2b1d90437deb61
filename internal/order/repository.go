package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/AybarCi/YukleGelTaksi-sub001/internal/common/db"
	"github.com/AybarCi/YukleGelTaksi-sub001/internal/common/errs"
)

const orderColumns = `id, status, customer_id, driver_id,
	pickup_address, pickup_latitude, pickup_longitude,
	destination_address, destination_latitude, destination_longitude,
	weight, labor_count, price, confirm_code, cancellation_fee, vehicle_type_id,
	created_at, updated_at, accepted_at, confirmed_at, delivered_at, cancelled_at`

type Repository struct {
	db db.Querier
}

func NewRepository(database db.Querier) *Repository {
	return &Repository{db: database}
}

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	err := row.Scan(
		&o.ID, &o.Status, &o.CustomerID, &o.DriverID,
		&o.PickupAddress, &o.PickupLatitude, &o.PickupLongitude,
		&o.DestinationAddress, &o.DestinationLatitude, &o.DestinationLongitude,
		&o.Weight, &o.LaborCount, &o.Price, &o.ConfirmCode, &o.CancellationFee, &o.VehicleTypeID,
		&o.CreatedAt, &o.UpdatedAt, &o.AcceptedAt, &o.ConfirmedAt, &o.DeliveredAt, &o.CancelledAt,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// eventForTransition maps the confirm and settlement milestones to their
// dedicated audit event types; every other move lands as STATUS_CHANGED.
func eventForTransition(to Status) EventType {
	switch to {
	case StatusConfirmed:
		return EventOrderConfirmed
	case StatusPaymentCompleted:
		return EventPaymentCompleted
	default:
		return EventStatusChanged
	}
}

func insertEvent(ctx context.Context, tx pgx.Tx, orderID string, eventType EventType, data map[string]any) error {
	payload, _ := json.Marshal(data)
	if _, err := tx.Exec(ctx, `
		INSERT INTO order_events (order_id, event_type, event_data)
		VALUES ($1, $2, $3)
	`, orderID, eventType, payload); err != nil {
		return fmt.Errorf("failed to insert order event: %w", err)
	}
	return nil
}

func (r *Repository) Create(ctx context.Context, o *Order) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO orders (
			id, status, customer_id,
			pickup_address, pickup_latitude, pickup_longitude,
			destination_address, destination_latitude, destination_longitude,
			weight, labor_count, price, vehicle_type_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at, updated_at
	`,
		o.ID, o.Status, o.CustomerID,
		o.PickupAddress, o.PickupLatitude, o.PickupLongitude,
		o.DestinationAddress, o.DestinationLatitude, o.DestinationLongitude,
		o.Weight, o.LaborCount, o.Price, o.VehicleTypeID,
	).Scan(&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	if err := insertEvent(ctx, tx, o.ID, EventOrderCreated, map[string]any{
		"customer_id": o.CustomerID,
		"price":       o.Price,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit order creation: %w", err)
	}
	return nil
}

func (r *Repository) GetByID(ctx context.Context, id string) (*Order, error) {
	o, err := scanOrder(r.db.QueryRow(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.NotFound("order %s not found", id)
		}
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	return o, nil
}

// Claim assigns the order to a driver with a single conditional update.
// The status and null driver_id are re-checked at write time, so of two
// concurrent accept attempts exactly one sees a row come back; the other
// gets the "order taken" conflict.
func (r *Repository) Claim(ctx context.Context, orderID, driverID, confirmCode string) (*Order, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	o, err := scanOrder(tx.QueryRow(ctx, `
		UPDATE orders
		SET status = $1,
		    driver_id = $2,
		    confirm_code = $3,
		    accepted_at = NOW(),
		    updated_at = NOW()
		WHERE id = $4
		  AND status IN ($5, $6)
		  AND driver_id IS NULL
		RETURNING `+orderColumns+`
	`, StatusDriverAccepted, driverID, confirmCode, orderID, StatusPending, StatusInspecting))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.diagnoseClaimFailure(ctx, orderID)
		}
		return nil, fmt.Errorf("failed to claim order: %w", err)
	}

	if err := insertEvent(ctx, tx, orderID, EventOrderAccepted, map[string]any{
		"driver_id": driverID,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit order claim: %w", err)
	}
	return o, nil
}

func (r *Repository) diagnoseClaimFailure(ctx context.Context, orderID string) error {
	var status Status
	var driverID *string
	err := r.db.QueryRow(ctx, `
		SELECT status, driver_id FROM orders WHERE id = $1
	`, orderID).Scan(&status, &driverID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return errs.NotFound("order %s not found", orderID)
		}
		return fmt.Errorf("failed to inspect order: %w", err)
	}
	if driverID != nil {
		return errs.Conflict("order %s already taken", orderID)
	}
	return errs.Conflict("order %s is not claimable in status %s", orderID, status)
}

// UpdateStatus performs one conditional transition. The current status is
// part of the WHERE clause, so a move that raced with another writer
// affects zero rows instead of overwriting.
func (r *Repository) UpdateStatus(ctx context.Context, orderID string, from, to Status, driverID *string) (*Order, error) {
	tsColumn, ok := timestampColumn[to]
	if !ok {
		return nil, errs.Validation("unknown target status %s", to)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := fmt.Sprintf(`
		UPDATE orders
		SET status = $1, %s = NOW(), updated_at = NOW()
		WHERE id = $2 AND status = $3 AND ($4::uuid IS NULL OR driver_id = $4)
		RETURNING `+orderColumns, tsColumn)

	o, err := scanOrder(tx.QueryRow(ctx, query, to, orderID, from, driverID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.Conflict("order %s is no longer in status %s", orderID, from)
		}
		return nil, fmt.Errorf("failed to update order status: %w", err)
	}

	if err := insertEvent(ctx, tx, orderID, eventForTransition(to), map[string]any{
		"from": from,
		"to":   to,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit status update: %w", err)
	}
	return o, nil
}

// Cancel moves the order to cancelled, recording the computed penalty.
// Conditional on the status the fee was computed for; if the order moved
// on in the meantime the whole cancellation rolls back.
func (r *Repository) Cancel(ctx context.Context, orderID string, from Status, fee float64, actor string) (*Order, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	o, err := scanOrder(tx.QueryRow(ctx, `
		UPDATE orders
		SET status = $1, cancellation_fee = $2, cancelled_at = NOW(), updated_at = NOW()
		WHERE id = $3 AND status = $4
		RETURNING `+orderColumns,
		StatusCancelled, fee, orderID, from))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.Conflict("order %s is no longer in status %s", orderID, from)
		}
		return nil, fmt.Errorf("failed to cancel order: %w", err)
	}

	if err := insertEvent(ctx, tx, orderID, EventOrderCancelled, map[string]any{
		"actor":            actor,
		"cancelled_from":   from,
		"cancellation_fee": fee,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit cancellation: %w", err)
	}
	return o, nil
}

// CountActiveForDriver counts orders the driver is currently committed to.
func (r *Repository) CountActiveForDriver(ctx context.Context, driverID string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM orders
		WHERE driver_id = $1
		  AND status NOT IN ($2, $3, $4)
	`, driverID, StatusDelivered, StatusPaymentCompleted, StatusCancelled).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active orders: %w", err)
	}
	return count, nil
}

func (r *Repository) ActiveFeeRule(ctx context.Context, status Status) (*FeeRule, error) {
	var rule FeeRule
	err := r.db.QueryRow(ctx, `
		SELECT id, order_status, fee_percentage, is_active, updated_at
		FROM cancellation_fee_rules
		WHERE order_status = $1 AND is_active = true
	`, status).Scan(&rule.ID, &rule.OrderStatus, &rule.FeePercentage, &rule.IsActive, &rule.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.NotFound("no active cancellation fee rule for status %s", status)
		}
		return nil, fmt.Errorf("failed to load fee rule: %w", err)
	}
	return &rule, nil
}

func (r *Repository) ListFeeRules(ctx context.Context) ([]FeeRule, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, order_status, fee_percentage, is_active, updated_at
		FROM cancellation_fee_rules
		WHERE is_active = true
		ORDER BY order_status
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query fee rules: %w", err)
	}
	defer rows.Close()

	var rules []FeeRule
	for rows.Next() {
		var rule FeeRule
		if err := rows.Scan(&rule.ID, &rule.OrderStatus, &rule.FeePercentage, &rule.IsActive, &rule.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan fee rule: %w", err)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// UpsertFeeRule replaces the active rule for a status. Deactivation and
// insertion share one transaction so a failure leaves the old rule intact.
func (r *Repository) UpsertFeeRule(ctx context.Context, status Status, feePercentage float64) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE cancellation_fee_rules
		SET is_active = false, updated_at = NOW()
		WHERE order_status = $1 AND is_active = true
	`, status); err != nil {
		return fmt.Errorf("failed to deactivate fee rule: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO cancellation_fee_rules (order_status, fee_percentage, is_active)
		VALUES ($1, $2, true)
	`, status, feePercentage); err != nil {
		return fmt.Errorf("failed to insert fee rule: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit fee rule update: %w", err)
	}
	return nil
}
