package order

// Status is the order lifecycle state, persisted as a string.
type Status string

const (
	StatusPending          Status = "pending"
	StatusInspecting       Status = "inspecting"
	StatusDriverAccepted   Status = "driver_accepted_awaiting_customer"
	StatusConfirmed        Status = "confirmed"
	StatusGoingToPickup    Status = "driver_going_to_pickup"
	StatusPickupCompleted  Status = "pickup_completed"
	StatusInTransit        Status = "in_transit"
	StatusDelivered        Status = "delivered"
	StatusPaymentCompleted Status = "payment_completed"
	StatusCancelled        Status = "cancelled"
)

// allowTransition is the directed graph of legal status moves. Acceptance
// is legal from both pending and inspecting; everything after confirmation
// advances one step at a time.
var allowTransition = map[Status][]Status{
	StatusPending:          {StatusInspecting, StatusDriverAccepted, StatusCancelled},
	StatusInspecting:       {StatusDriverAccepted, StatusCancelled},
	StatusDriverAccepted:   {StatusConfirmed, StatusCancelled},
	StatusConfirmed:        {StatusGoingToPickup, StatusCancelled},
	StatusGoingToPickup:    {StatusPickupCompleted, StatusCancelled},
	StatusPickupCompleted:  {StatusInTransit, StatusCancelled},
	StatusInTransit:        {StatusDelivered, StatusCancelled},
	StatusDelivered:        {StatusPaymentCompleted},
	StatusPaymentCompleted: {},
	StatusCancelled:        {},
}

// driverAdvanceNext lists the forward steps only the assigned driver may
// take, each exactly one state ahead.
var driverAdvanceNext = map[Status]Status{
	StatusConfirmed:       StatusGoingToPickup,
	StatusGoingToPickup:   StatusPickupCompleted,
	StatusPickupCompleted: StatusInTransit,
	StatusInTransit:       StatusDelivered,
}

// timestampColumn maps a target status to the orders column stamped when
// the transition lands.
var timestampColumn = map[Status]string{
	StatusInspecting:       "inspecting_at",
	StatusDriverAccepted:   "accepted_at",
	StatusConfirmed:        "confirmed_at",
	StatusGoingToPickup:    "en_route_at",
	StatusPickupCompleted:  "pickup_completed_at",
	StatusInTransit:        "in_transit_at",
	StatusDelivered:        "delivered_at",
	StatusPaymentCompleted: "payment_completed_at",
	StatusCancelled:        "cancelled_at",
}

func (s Status) Valid() bool {
	_, ok := allowTransition[s]
	return ok
}

// CanTransition reports whether from -> to is a legal status move.
func CanTransition(from, to Status) bool {
	allowed, ok := allowTransition[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// DriverAdvanceTarget returns the single forward state the assigned driver
// may move the order to from its current status.
func DriverAdvanceTarget(from Status) (Status, bool) {
	next, ok := driverAdvanceNext[from]
	return next, ok
}

// IsTerminal reports whether no further transition may leave the status.
func (s Status) IsTerminal() bool {
	return len(allowTransition[s]) == 0
}

// IsCancellable reports whether cancellation is still legal. Delivered and
// settled orders cannot be cancelled.
func (s Status) IsCancellable() bool {
	return CanTransition(s, StatusCancelled)
}

// IsClaimable reports whether a driver accept attempt may still win the
// order.
func (s Status) IsClaimable() bool {
	return s == StatusPending || s == StatusInspecting
}
