package driver

import "time"

type Driver struct {
	ID                string     `json:"driver_id"`
	IsAvailable       bool       `json:"is_available"`
	IsActive          bool       `json:"is_active"`
	IsApproved        bool       `json:"is_approved"`
	Rating            float64    `json:"rating"`
	VehicleTypeID     *int       `json:"vehicle_type_id,omitempty"`
	Latitude          *float64   `json:"latitude,omitempty"`
	Longitude         *float64   `json:"longitude,omitempty"`
	Heading           *float64   `json:"heading,omitempty"`
	LocationUpdatedAt *time.Time `json:"location_updated_at,omitempty"`
}

type LocationFix struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Heading   *float64  `json:"heading,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
