package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/AybarCi/YukleGelTaksi-sub001/internal/geo"
	"github.com/AybarCi/YukleGelTaksi-sub001/internal/order"
)

// Inbound event types. The first frame on every connection must be auth.
const (
	EventAuth                = "auth"
	EventLocationUpdate      = "location_update"
	EventAvailabilityUpdate  = "availability_update"
	EventCreateOrder         = "create_order"
	EventAcceptOrder         = "accept_order"
	EventCancelOrder         = "cancel_order"
	EventCancelOrderWithCode = "cancel_order_with_code"
	EventConfirmOrder        = "confirm_order"
	EventVerifyConfirmCode   = "verify_confirm_code"
	EventUpdateOrderStatus   = "update_order_status"
	EventDriverGoingOffline  = "driver_going_offline"
)

// Outbound event types.
const (
	EventNewOrder              = "new_order"
	EventOrderTaken            = "order_taken"
	EventOrderCancelled        = "order_cancelled"
	EventOrderStatusUpdate     = "order_status_update"
	EventDriverLocationUpdate  = "driver_location_update"
	EventNearbyDriversUpdate   = "nearbyDriversUpdate"
	EventRequestLocationUpdate = "request_location_update"
	EventTokenRefreshed        = "token_refreshed"
	EventConnectionError       = "connection_error"
	EventConfirmCodeResult     = "confirm_code_result"

	// Emitted by clients only, after reconnection gives up for good.
	EventMaxReconnectAttemptsReached = "max_reconnect_attempts_reached"
)

// Message is the wire envelope in both directions. Token fields are only
// populated on the auth frame.
type Message struct {
	Type         string          `json:"type"`
	Token        string          `json:"token,omitempty"`
	RefreshToken string          `json:"refreshToken,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

type LocationUpdatePayload struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Heading   *float64 `json:"heading,omitempty"`
}

type AvailabilityUpdatePayload struct {
	IsAvailable bool `json:"isAvailable"`
}

type OrderActionPayload struct {
	OrderID     string `json:"orderId"`
	ConfirmCode string `json:"confirmCode,omitempty"`
	Status      string `json:"status,omitempty"`
}

type OrderEventPayload struct {
	Order *order.Order `json:"order"`
	// Only set on the customer's copy after a driver accepts; the code is
	// handed to the driver in person at pickup.
	ConfirmCode *string `json:"confirmCode,omitempty"`
}

type OrderCancelledPayload struct {
	Order         *order.Order `json:"order"`
	FeePercentage float64      `json:"feePercentage"`
	Fee           float64      `json:"cancellationFee"`
}

type ConfirmCodeResultPayload struct {
	OrderID string `json:"orderId"`
	Valid   bool   `json:"valid"`
}

type DriverLocationPayload struct {
	DriverID  string   `json:"driverId"`
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Heading   *float64 `json:"heading,omitempty"`
}

type NearbyDriversPayload struct {
	Drivers []geo.NearbyDriver `json:"drivers"`
}

type TokenRefreshedPayload struct {
	Token string `json:"token"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// encodeEvent builds a wire frame for an outbound event.
func encodeEvent(kind string, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
		}
		data = body
	}
	return json.Marshal(Message{Type: kind, Data: data})
}
