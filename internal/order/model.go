package order

import "time"

type Order struct {
	ID                   string     `json:"order_id"`
	Status               Status     `json:"status"`
	CustomerID           string     `json:"customer_id"`
	DriverID             *string    `json:"driver_id,omitempty"`
	PickupAddress        string     `json:"pickup_address"`
	PickupLatitude       float64    `json:"pickup_latitude"`
	PickupLongitude      float64    `json:"pickup_longitude"`
	DestinationAddress   string     `json:"destination_address"`
	DestinationLatitude  float64    `json:"destination_latitude"`
	DestinationLongitude float64    `json:"destination_longitude"`
	Weight               float64    `json:"weight"`
	LaborCount           int        `json:"labor_count"`
	Price                float64    `json:"price"`
	ConfirmCode          *string    `json:"-"`
	CancellationFee      *float64   `json:"cancellation_fee,omitempty"`
	VehicleTypeID        *int       `json:"vehicle_type_id,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
	AcceptedAt           *time.Time `json:"accepted_at,omitempty"`
	ConfirmedAt          *time.Time `json:"confirmed_at,omitempty"`
	DeliveredAt          *time.Time `json:"delivered_at,omitempty"`
	CancelledAt          *time.Time `json:"cancelled_at,omitempty"`
}

// FeeRule is the per-status cancellation penalty. One active rule per
// status; fee_percentage stays inside [0,100].
type FeeRule struct {
	ID            int       `json:"id"`
	OrderStatus   Status    `json:"order_status"`
	FeePercentage float64   `json:"fee_percentage"`
	IsActive      bool      `json:"is_active"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type EventType string

const (
	EventOrderCreated     EventType = "ORDER_CREATED"
	EventOrderAccepted    EventType = "ORDER_ACCEPTED"
	EventOrderConfirmed   EventType = "ORDER_CONFIRMED"
	EventStatusChanged    EventType = "STATUS_CHANGED"
	EventOrderCancelled   EventType = "ORDER_CANCELLED"
	EventPaymentCompleted EventType = "PAYMENT_COMPLETED"
)

type CreateOrderInput struct {
	CustomerID           string  `json:"customer_id"`
	PickupAddress        string  `json:"pickupAddress"`
	PickupLatitude       float64 `json:"pickupLatitude"`
	PickupLongitude      float64 `json:"pickupLongitude"`
	DestinationAddress   string  `json:"destinationAddress"`
	DestinationLatitude  float64 `json:"destinationLatitude"`
	DestinationLongitude float64 `json:"destinationLongitude"`
	Weight               float64 `json:"weight"`
	LaborCount           int     `json:"laborCount"`
	EstimatedPrice       float64 `json:"estimatedPrice"`
	VehicleTypeID        *int    `json:"vehicleTypeId,omitempty"`
}

// CancelResult reports the outcome of a cancellation, including the
// penalty charged for the status the order was in at that moment.
type CancelResult struct {
	Order         *Order  `json:"order"`
	FeePercentage float64 `json:"fee_percentage"`
	Fee           float64 `json:"fee"`
}
