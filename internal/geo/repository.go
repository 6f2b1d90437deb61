package geo

import (
	"context"
	"fmt"
	"time"

	"github.com/AybarCi/YukleGelTaksi-sub001/internal/common/db"
)

type Repository struct {
	db db.Querier
}

func NewRepository(database db.Querier) *Repository {
	return &Repository{db: database}
}

// ListMatchableDrivers returns drivers that currently count for matching:
// available, active, approved, with a location fix no older than cutoff.
// Distance filtering and ranking happen in the service.
func (r *Repository) ListMatchableDrivers(ctx context.Context, cutoff time.Time, vehicleTypeID *int) ([]NearbyDriver, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, latitude, longitude, rating, vehicle_type_id, location_updated_at
		FROM drivers
		WHERE is_available = true
		  AND is_active = true
		  AND is_approved = true
		  AND latitude IS NOT NULL
		  AND longitude IS NOT NULL
		  AND location_updated_at >= $1
		  AND ($2::int IS NULL OR vehicle_type_id = $2)
		ORDER BY id
	`, cutoff, vehicleTypeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query matchable drivers: %w", err)
	}
	defer rows.Close()

	var drivers []NearbyDriver
	for rows.Next() {
		var d NearbyDriver
		if err := rows.Scan(&d.ID, &d.Latitude, &d.Longitude, &d.Rating, &d.VehicleTypeID, &d.LocationUpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan driver row: %w", err)
		}
		drivers = append(drivers, d)
	}
	return drivers, rows.Err()
}

// ListOpenOrders returns unclaimed orders still visible to drivers.
func (r *Repository) ListOpenOrders(ctx context.Context) ([]NearbyOrder, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, status, pickup_address, pickup_latitude, pickup_longitude,
		       destination_address, weight, labor_count, price, created_at
		FROM orders
		WHERE status IN ('pending', 'inspecting')
		  AND driver_id IS NULL
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query open orders: %w", err)
	}
	defer rows.Close()

	var orders []NearbyOrder
	for rows.Next() {
		var o NearbyOrder
		if err := rows.Scan(&o.ID, &o.Status, &o.PickupAddress, &o.PickupLatitude, &o.PickupLongitude,
			&o.DestinationAddress, &o.Weight, &o.LaborCount, &o.Price, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order row: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}
