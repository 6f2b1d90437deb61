package driver

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/AybarCi/YukleGelTaksi-sub001/internal/common/db"
	"github.com/AybarCi/YukleGelTaksi-sub001/internal/common/errs"
	"github.com/AybarCi/YukleGelTaksi-sub001/internal/geo"
)

type Repository struct {
	db db.Querier
}

func NewRepository(database db.Querier) *Repository {
	return &Repository{db: database}
}

// UpdateLocation is an idempotent last-writer-wins overwrite of the
// driver's current fix, with a history row for the audit trail.
func (r *Repository) UpdateLocation(ctx context.Context, driverID string, lat, lon float64, heading *float64) error {
	if err := geo.ValidateLatLon(lat, lon); err != nil {
		return err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE drivers
		SET latitude = $2, longitude = $3, heading = $4,
		    location_updated_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, driverID, lat, lon, heading)
	if err != nil {
		return fmt.Errorf("failed to update driver location: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("driver %s not found", driverID)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO location_history (driver_id, latitude, longitude, heading)
		VALUES ($1, $2, $3, $4)
	`, driverID, lat, lon, heading); err != nil {
		return fmt.Errorf("failed to insert location history: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit location update: %w", err)
	}
	return nil
}

// SetAvailability flips the matching flag. Idempotent overwrite, no
// locking needed.
func (r *Repository) SetAvailability(ctx context.Context, driverID string, available bool) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE drivers
		SET is_available = $2, updated_at = NOW()
		WHERE id = $1
	`, driverID, available)
	if err != nil {
		return fmt.Errorf("failed to update driver availability: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("driver %s not found", driverID)
	}
	return nil
}

// LastLocation returns the driver's most recent fix for driver-scoped
// pending-order queries.
func (r *Repository) LastLocation(ctx context.Context, driverID string) (*LocationFix, error) {
	var fix LocationFix
	err := r.db.QueryRow(ctx, `
		SELECT latitude, longitude, heading, location_updated_at
		FROM drivers
		WHERE id = $1 AND latitude IS NOT NULL AND longitude IS NOT NULL
	`, driverID).Scan(&fix.Latitude, &fix.Longitude, &fix.Heading, &fix.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.NotFound("driver %s has no known location", driverID)
		}
		return nil, fmt.Errorf("failed to load driver location: %w", err)
	}
	return &fix, nil
}

func (r *Repository) GetByID(ctx context.Context, driverID string) (*Driver, error) {
	var d Driver
	err := r.db.QueryRow(ctx, `
		SELECT id, is_available, is_active, is_approved, rating, vehicle_type_id,
		       latitude, longitude, heading, location_updated_at
		FROM drivers
		WHERE id = $1
	`, driverID).Scan(&d.ID, &d.IsAvailable, &d.IsActive, &d.IsApproved, &d.Rating, &d.VehicleTypeID,
		&d.Latitude, &d.Longitude, &d.Heading, &d.LocationUpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.NotFound("driver %s not found", driverID)
		}
		return nil, fmt.Errorf("failed to load driver: %w", err)
	}
	return &d, nil
}
