package geo

import "time"

type NearbyDriver struct {
	ID                string    `json:"driver_id"`
	Latitude          float64   `json:"latitude"`
	Longitude         float64   `json:"longitude"`
	Rating            float64   `json:"rating"`
	VehicleTypeID     *int      `json:"vehicle_type_id,omitempty"`
	DistanceKm        float64   `json:"distance_km"`
	LocationUpdatedAt time.Time `json:"location_updated_at"`
}

type NearbyOrder struct {
	ID                 string    `json:"order_id"`
	Status             string    `json:"status"`
	PickupAddress      string    `json:"pickup_address"`
	PickupLatitude     float64   `json:"pickup_latitude"`
	PickupLongitude    float64   `json:"pickup_longitude"`
	DestinationAddress string    `json:"destination_address"`
	Weight             float64   `json:"weight"`
	LaborCount         int       `json:"labor_count"`
	Price              float64   `json:"price"`
	DistanceKm         float64   `json:"distance_km"`
	CreatedAt          time.Time `json:"created_at"`
}

type Availability struct {
	Available            bool    `json:"available"`
	DriverCount          int     `json:"driverCount"`
	EstimatedWaitTimeMin float64 `json:"estimatedWaitTime"`
	SearchRadiusKm       float64 `json:"searchRadius"`
}
