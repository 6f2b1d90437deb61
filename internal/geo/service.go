package geo

import (
	"context"
	"sort"
	"time"

	"github.com/AybarCi/YukleGelTaksi-sub001/internal/common/errs"
	"github.com/AybarCi/YukleGelTaksi-sub001/internal/settings"
)

// Assumed urban average for wait-time estimates.
const avgUrbanSpeedKmh = 30.0

type driverSource interface {
	ListMatchableDrivers(ctx context.Context, cutoff time.Time, vehicleTypeID *int) ([]NearbyDriver, error)
	ListOpenOrders(ctx context.Context) ([]NearbyOrder, error)
}

// Service answers nearest-driver and nearest-order queries. Pure reads;
// every tunable comes from the settings cache with a hardcoded fallback.
type Service struct {
	repo     driverSource
	settings *settings.Cache
	now      func() time.Time
}

func NewService(repo driverSource, settingsCache *settings.Cache) *Service {
	return &Service{repo: repo, settings: settingsCache, now: time.Now}
}

// FindNearbyDrivers returns matchable drivers within radiusKm of the given
// point, ranked by ascending great-circle distance with ties broken by
// driver id. An empty result is not an error.
func (s *Service) FindNearbyDrivers(ctx context.Context, lat, lon, radiusKm float64, vehicleTypeID *int) ([]NearbyDriver, error) {
	if err := ValidateLatLon(lat, lon); err != nil {
		return nil, err
	}
	if radiusKm < 0 {
		return nil, errs.Validation("radius must not be negative")
	}

	cutoff := s.now().Add(-s.settings.StalenessWindow(ctx))
	candidates, err := s.repo.ListMatchableDrivers(ctx, cutoff, vehicleTypeID)
	if err != nil {
		return nil, err
	}

	drivers := make([]NearbyDriver, 0, len(candidates))
	for _, d := range candidates {
		if d.LocationUpdatedAt.Before(cutoff) {
			continue
		}
		dist := HaversineKm(lat, lon, d.Latitude, d.Longitude)
		if dist > radiusKm {
			continue
		}
		d.DistanceKm = dist
		drivers = append(drivers, d)
	}

	sort.Slice(drivers, func(i, j int) bool {
		if drivers[i].DistanceKm != drivers[j].DistanceKm {
			return drivers[i].DistanceKm < drivers[j].DistanceKm
		}
		return drivers[i].ID < drivers[j].ID
	})

	if max := s.settings.MaxDriversPerRequest(ctx); len(drivers) > max {
		drivers = drivers[:max]
	}
	return drivers, nil
}

// FindPendingOrdersNear returns unclaimed orders whose pickup point lies
// within the configured search radius of the driver's position, ranked by
// (distance ascending, creation time ascending).
func (s *Service) FindPendingOrdersNear(ctx context.Context, driverLat, driverLon float64) ([]NearbyOrder, error) {
	if err := ValidateLatLon(driverLat, driverLon); err != nil {
		return nil, err
	}

	radiusKm := s.settings.SearchRadiusKm(ctx)
	candidates, err := s.repo.ListOpenOrders(ctx)
	if err != nil {
		return nil, err
	}

	orders := make([]NearbyOrder, 0, len(candidates))
	for _, o := range candidates {
		dist := HaversineKm(driverLat, driverLon, o.PickupLatitude, o.PickupLongitude)
		if dist > radiusKm {
			continue
		}
		o.DistanceKm = dist
		orders = append(orders, o)
	}

	sort.Slice(orders, func(i, j int) bool {
		if orders[i].DistanceKm != orders[j].DistanceKm {
			return orders[i].DistanceKm < orders[j].DistanceKm
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})

	if max := s.settings.MaxDriversPerRequest(ctx); len(orders) > max {
		orders = orders[:max]
	}
	return orders, nil
}

// CheckAvailability reports whether any driver could serve a pickup at the
// given point, with a rough wait estimate from the nearest one.
func (s *Service) CheckAvailability(ctx context.Context, lat, lon float64, vehicleTypeID *int) (*Availability, error) {
	radiusKm := s.settings.SearchRadiusKm(ctx)

	drivers, err := s.FindNearbyDrivers(ctx, lat, lon, radiusKm, vehicleTypeID)
	if err != nil {
		return nil, err
	}

	availability := &Availability{
		Available:      len(drivers) > 0,
		DriverCount:    len(drivers),
		SearchRadiusKm: radiusKm,
	}
	if len(drivers) > 0 {
		availability.EstimatedWaitTimeMin = drivers[0].DistanceKm / avgUrbanSpeedKmh * 60.0
	}
	return availability, nil
}
