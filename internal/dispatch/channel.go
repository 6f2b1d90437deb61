package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/AybarCi/YukleGelTaksi-sub001/internal/common/auth"
	"github.com/AybarCi/YukleGelTaksi-sub001/internal/common/errs"
	"github.com/AybarCi/YukleGelTaksi-sub001/internal/common/logger"
	"github.com/AybarCi/YukleGelTaksi-sub001/internal/dispatch/rmq"
	"github.com/AybarCi/YukleGelTaksi-sub001/internal/driver"
	"github.com/AybarCi/YukleGelTaksi-sub001/internal/geo"
	"github.com/AybarCi/YukleGelTaksi-sub001/internal/order"
	"github.com/AybarCi/YukleGelTaksi-sub001/internal/settings"
)

type driverStore interface {
	UpdateLocation(ctx context.Context, driverID string, lat, lon float64, heading *float64) error
	SetAvailability(ctx context.Context, driverID string, available bool) error
	LastLocation(ctx context.Context, driverID string) (*driver.LocationFix, error)
}

type broadcaster interface {
	Publish(ctx context.Context, b rmq.Broadcast) error
}

// Channel is the realtime dispatch surface: it authenticates sessions,
// routes inbound events to the domain services and pushes order and
// location events back out, locally and across instances.
type Channel struct {
	hub      *Hub
	auth     *auth.Manager
	orders   *order.Service
	geo      *geo.Service
	drivers  driverStore
	settings *settings.Cache
	pub      broadcaster

	upgrader websocket.Upgrader
}

// NewChannel wires the dispatch surface. pub may be nil for a
// single-instance deployment; broadcasts then stay local.
func NewChannel(hub *Hub, authMgr *auth.Manager, orders *order.Service, geoSvc *geo.Service, drivers driverStore, settingsCache *settings.Cache, pub broadcaster) *Channel {
	return &Channel{
		hub:      hub,
		auth:     authMgr,
		orders:   orders,
		geo:      geoSvc,
		drivers:  drivers,
		settings: settingsCache,
		pub:      pub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeWS upgrades the connection and runs the session to completion. The
// first frame must authenticate within authWait or the connection drops.
func (c *Channel) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("ws_upgrade_failed", "Failed to upgrade connection", err)
		return
	}

	s, err := c.authenticate(conn)
	if err != nil {
		frame, _ := encodeEvent(EventConnectionError, ErrorPayload{
			Code:    errs.KindOf(err).String(),
			Message: err.Error(),
		})
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.TextMessage, frame)
		_ = conn.Close()
		logger.Warn("ws_auth_refused", "Connection refused", zap.Error(err))
		return
	}

	c.hub.register(s)
	go s.writeLoop()
	c.readLoop(s)
}

func (c *Channel) authenticate(conn wsConn) (*session, error) {
	_ = conn.SetReadDeadline(time.Now().Add(authWait))

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, errs.Auth("no auth frame within %s", authWait)
	}

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Type != EventAuth {
		return nil, errs.Auth("first frame must be an auth message")
	}

	claims, err := c.auth.ValidateAccessToken(msg.Token)
	if err != nil {
		// One silent pass for a lapsed access token when the refresh
		// credential still holds.
		if msg.RefreshToken == "" {
			return nil, err
		}
		fresh, refreshed, rerr := c.auth.Refresh(msg.RefreshToken)
		if rerr != nil {
			return nil, err
		}
		msg.Token = fresh
		claims = refreshed
	}

	s := &session{
		ch:           c,
		conn:         conn,
		userID:       claims.UserID,
		role:         claims.Role,
		send:         make(chan []byte, sendBuffer),
		done:         make(chan struct{}),
		accessToken:  msg.Token,
		refreshToken: msg.RefreshToken,
	}
	s.sendEvent(EventAuth, map[string]string{"status": "authenticated"})
	return s, nil
}

func (c *Channel) readLoop(s *session) {
	defer func() {
		c.hub.unregister(s)
		s.close()
	}()

	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			logger.Debug("ws_read_closed", "Session read ended",
				zap.String("user_id", s.userID), zap.Error(err))
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.sendEvent(EventConnectionError, ErrorPayload{
				Code:    errs.KindValidation.String(),
				Message: "malformed frame",
			})
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		c.handleEvent(ctx, s, msg)
		cancel()
	}
}

func (c *Channel) handleEvent(ctx context.Context, s *session, msg Message) {
	var err error
	switch msg.Type {
	case EventLocationUpdate:
		err = c.onLocationUpdate(ctx, s, msg.Data)
	case EventAvailabilityUpdate:
		err = c.onAvailabilityUpdate(ctx, s, msg.Data)
	case EventDriverGoingOffline:
		err = c.onGoingOffline(ctx, s)
	case EventCreateOrder:
		err = c.onCreateOrder(ctx, s, msg.Data)
	case EventAcceptOrder:
		err = c.onAcceptOrder(ctx, s, msg.Data)
	case EventCancelOrder, EventCancelOrderWithCode:
		err = c.onCancelOrder(ctx, s, msg.Data)
	case EventConfirmOrder:
		err = c.onConfirmOrder(ctx, s, msg.Data)
	case EventVerifyConfirmCode:
		err = c.onVerifyConfirmCode(ctx, s, msg.Data)
	case EventUpdateOrderStatus:
		err = c.onUpdateOrderStatus(ctx, s, msg.Data)
	default:
		err = errs.Validation("unknown event type %q", msg.Type)
	}

	if err != nil {
		s.sendEvent(EventConnectionError, ErrorPayload{
			Code:    errs.KindOf(err).String(),
			Message: err.Error(),
		})
	}
}

// onLocationUpdate persists a driver fix and fans it out; for a customer it
// refreshes the nearby-drivers view once they have moved far enough.
func (c *Channel) onLocationUpdate(ctx context.Context, s *session, data json.RawMessage) error {
	var p LocationUpdatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return errs.Validation("malformed location_update payload")
	}

	if s.role == auth.RoleDriver {
		if err := c.drivers.UpdateLocation(ctx, s.userID, p.Latitude, p.Longitude, p.Heading); err != nil {
			return err
		}
		c.broadcastRole(ctx, auth.RoleCustomer, EventDriverLocationUpdate, DriverLocationPayload{
			DriverID:  s.userID,
			Latitude:  p.Latitude,
			Longitude: p.Longitude,
			Heading:   p.Heading,
		})
		return nil
	}

	if !c.customerMoved(ctx, s, p.Latitude, p.Longitude) {
		return nil
	}
	s.lastLat, s.lastLon = &p.Latitude, &p.Longitude

	drivers, err := c.geo.FindNearbyDrivers(ctx, p.Latitude, p.Longitude, c.settings.SearchRadiusKm(ctx), nil)
	if err != nil {
		return err
	}
	s.sendEvent(EventNearbyDriversUpdate, NearbyDriversPayload{Drivers: drivers})
	return nil
}

// customerMoved reports whether the customer shifted by more than the
// configured threshold since the last nearby push.
func (c *Channel) customerMoved(ctx context.Context, s *session, lat, lon float64) bool {
	if s.lastLat == nil || s.lastLon == nil {
		return true
	}
	movedMeters := geo.HaversineKm(*s.lastLat, *s.lastLon, lat, lon) * 1000.0
	return movedMeters >= c.settings.LocationThresholdMeters(ctx)
}

func (c *Channel) onAvailabilityUpdate(ctx context.Context, s *session, data json.RawMessage) error {
	if s.role != auth.RoleDriver {
		return errs.Auth("only drivers update availability")
	}
	var p AvailabilityUpdatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return errs.Validation("malformed availability_update payload")
	}
	return c.drivers.SetAvailability(ctx, s.userID, p.IsAvailable)
}

func (c *Channel) onGoingOffline(ctx context.Context, s *session) error {
	if s.role != auth.RoleDriver {
		return errs.Auth("only drivers go offline")
	}
	return c.drivers.SetAvailability(ctx, s.userID, false)
}

func (c *Channel) onCreateOrder(ctx context.Context, s *session, data json.RawMessage) error {
	if s.role != auth.RoleCustomer {
		return errs.Auth("only customers create orders")
	}
	var in order.CreateOrderInput
	if err := json.Unmarshal(data, &in); err != nil {
		return errs.Validation("malformed create_order payload")
	}
	in.CustomerID = s.userID

	o, err := c.orders.Create(ctx, in)
	if err != nil {
		return err
	}

	s.sendEvent(EventOrderStatusUpdate, OrderEventPayload{Order: o})
	c.offerOrder(ctx, o)
	return nil
}

// offerOrder pushes new_order to the drivers the geo search matches for the
// pickup point: available, fresh fix, inside the search radius, right
// vehicle type. Drivers outside that set never see the offer; they can
// still pick the order up from the pending-orders feed once they qualify.
func (c *Channel) offerOrder(ctx context.Context, o *order.Order) {
	eligible, err := c.geo.FindNearbyDrivers(ctx, o.PickupLatitude, o.PickupLongitude, c.settings.SearchRadiusKm(ctx), o.VehicleTypeID)
	if err != nil {
		logger.Warn("order_offer_failed", "Eligible driver lookup failed",
			zap.String("order_id", o.ID), zap.Error(err))
		return
	}
	for _, d := range eligible {
		c.notifyUser(ctx, d.ID, EventNewOrder, OrderEventPayload{Order: o})
	}
}

func (c *Channel) onAcceptOrder(ctx context.Context, s *session, data json.RawMessage) error {
	if s.role != auth.RoleDriver {
		return errs.Auth("only drivers accept orders")
	}
	var p OrderActionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return errs.Validation("malformed accept_order payload")
	}

	o, err := c.orders.Accept(ctx, p.OrderID, s.userID)
	if err != nil {
		return err
	}

	s.sendEvent(EventOrderStatusUpdate, OrderEventPayload{Order: o})
	// The customer is the one who hands the confirm code over at pickup.
	c.notifyUser(ctx, o.CustomerID, EventOrderStatusUpdate, OrderEventPayload{Order: o, ConfirmCode: o.ConfirmCode})
	c.broadcastRole(ctx, auth.RoleDriver, EventOrderTaken, OrderActionPayload{OrderID: o.ID})
	return nil
}

func (c *Channel) onCancelOrder(ctx context.Context, s *session, data json.RawMessage) error {
	var p OrderActionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return errs.Validation("malformed cancel payload")
	}

	res, err := c.orders.Cancel(ctx, p.OrderID, s.userID, s.role, p.ConfirmCode)
	if err != nil {
		return err
	}

	payload := OrderCancelledPayload{Order: res.Order, FeePercentage: res.FeePercentage, Fee: res.Fee}
	s.sendEvent(EventOrderCancelled, payload)
	c.notifyUser(ctx, res.Order.CustomerID, EventOrderCancelled, payload)
	if res.Order.DriverID != nil {
		c.notifyUser(ctx, *res.Order.DriverID, EventOrderCancelled, payload)
	} else {
		// Unclaimed orders vanish from every driver's feed.
		c.broadcastRole(ctx, auth.RoleDriver, EventOrderCancelled, OrderActionPayload{OrderID: res.Order.ID})
	}
	return nil
}

func (c *Channel) onConfirmOrder(ctx context.Context, s *session, data json.RawMessage) error {
	if s.role != auth.RoleCustomer {
		return errs.Auth("only the customer confirms an order")
	}
	var p OrderActionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return errs.Validation("malformed confirm_order payload")
	}

	o, err := c.orders.Confirm(ctx, p.OrderID, s.userID, p.ConfirmCode)
	if err != nil {
		return err
	}

	s.sendEvent(EventOrderStatusUpdate, OrderEventPayload{Order: o})
	if o.DriverID != nil {
		c.notifyUser(ctx, *o.DriverID, EventOrderStatusUpdate, OrderEventPayload{Order: o})
	}
	return nil
}

func (c *Channel) onVerifyConfirmCode(ctx context.Context, s *session, data json.RawMessage) error {
	var p OrderActionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return errs.Validation("malformed verify_confirm_code payload")
	}
	ok, err := c.orders.VerifyConfirmCode(ctx, p.OrderID, p.ConfirmCode)
	if err != nil {
		return err
	}
	s.sendEvent(EventConfirmCodeResult, ConfirmCodeResultPayload{OrderID: p.OrderID, Valid: ok})
	return nil
}

func (c *Channel) onUpdateOrderStatus(ctx context.Context, s *session, data json.RawMessage) error {
	if s.role != auth.RoleDriver {
		return errs.Auth("only drivers advance order status")
	}
	var p OrderActionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return errs.Validation("malformed update_order_status payload")
	}

	o, err := c.orders.Advance(ctx, p.OrderID, s.userID, order.Status(p.Status))
	if err != nil {
		return err
	}

	s.sendEvent(EventOrderStatusUpdate, OrderEventPayload{Order: o})
	c.notifyUser(ctx, o.CustomerID, EventOrderStatusUpdate, OrderEventPayload{Order: o})
	return nil
}

// notifyUser delivers to the user's local session and fans the frame out so
// an instance holding the user's session elsewhere delivers it too.
func (c *Channel) notifyUser(ctx context.Context, userID, kind string, payload any) {
	frame, err := encodeEvent(kind, payload)
	if err != nil {
		logger.Error("ws_encode_failed", "Failed to encode outbound event", err,
			zap.String("event", kind))
		return
	}
	c.hub.SendTo(userID, frame)
	if c.pub != nil {
		if err := c.pub.Publish(ctx, rmq.Broadcast{TargetUserID: userID, Frame: frame}); err != nil {
			logger.Warn("broadcast_publish_failed", "Cross-instance delivery skipped",
				zap.Error(err))
		}
	}
}

func (c *Channel) broadcastRole(ctx context.Context, role, kind string, payload any) {
	frame, err := encodeEvent(kind, payload)
	if err != nil {
		logger.Error("ws_encode_failed", "Failed to encode outbound event", err,
			zap.String("event", kind))
		return
	}
	c.hub.BroadcastRole(role, frame)
	if c.pub != nil {
		if err := c.pub.Publish(ctx, rmq.Broadcast{TargetRole: role, Frame: frame}); err != nil {
			logger.Warn("broadcast_publish_failed", "Cross-instance delivery skipped",
				zap.Error(err))
		}
	}
}

// HandleRemote delivers a broadcast received from another instance to the
// local sessions it targets.
func (c *Channel) HandleRemote(b rmq.Broadcast) {
	if b.TargetUserID != "" {
		c.hub.SendTo(b.TargetUserID, b.Frame)
		return
	}
	if b.TargetRole != "" {
		c.hub.BroadcastRole(b.TargetRole, b.Frame)
	}
}
