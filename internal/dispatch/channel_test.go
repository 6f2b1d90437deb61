package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AybarCi/YukleGelTaksi-sub001/internal/common/auth"
	"github.com/AybarCi/YukleGelTaksi-sub001/internal/common/errs"
	"github.com/AybarCi/YukleGelTaksi-sub001/internal/dispatch/rmq"
	"github.com/AybarCi/YukleGelTaksi-sub001/internal/driver"
	"github.com/AybarCi/YukleGelTaksi-sub001/internal/geo"
	"github.com/AybarCi/YukleGelTaksi-sub001/internal/order"
	"github.com/AybarCi/YukleGelTaksi-sub001/internal/settings"
)

type fakeConn struct {
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 8), closed: make(chan struct{})}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case frame := <-f.inbound:
		return websocket.TextMessage, frame, nil
	case <-f.closed:
		return 0, nil, io.EOF
	}
}

func (f *fakeConn) WriteMessage(int, []byte) error            { return nil }
func (f *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }
func (f *fakeConn) SetReadDeadline(time.Time) error           { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error          { return nil }
func (f *fakeConn) SetPongHandler(func(appData string) error) {}
func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

type fakeDrivers struct {
	mu           sync.Mutex
	lastLat      float64
	lastLon      float64
	availability map[string]bool
	fix          *driver.LocationFix
}

func newFakeDrivers() *fakeDrivers {
	return &fakeDrivers{availability: make(map[string]bool)}
}

func (f *fakeDrivers) UpdateLocation(_ context.Context, driverID string, lat, lon float64, _ *float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastLat, f.lastLon = lat, lon
	return nil
}

func (f *fakeDrivers) SetAvailability(_ context.Context, driverID string, available bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.availability[driverID] = available
	return nil
}

func (f *fakeDrivers) LastLocation(_ context.Context, driverID string) (*driver.LocationFix, error) {
	if f.fix == nil {
		return nil, errs.NotFound("driver %s has no known location", driverID)
	}
	return f.fix, nil
}

// fakeOrderStore backs a real order.Service with in-memory claim semantics.
type fakeOrderStore struct {
	mu     sync.Mutex
	orders map[string]*order.Order
}

func (f *fakeOrderStore) Create(_ context.Context, o *order.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *o
	f.orders[o.ID] = &cp
	return nil
}

func (f *fakeOrderStore) GetByID(_ context.Context, id string) (*order.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return nil, errs.NotFound("order %s not found", id)
	}
	cp := *o
	return &cp, nil
}

func (f *fakeOrderStore) Claim(_ context.Context, orderID, driverID, confirmCode string) (*order.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok {
		return nil, errs.NotFound("order %s not found", orderID)
	}
	if !o.Status.IsClaimable() || o.DriverID != nil {
		return nil, errs.Conflict("order already taken")
	}
	o.Status = order.StatusDriverAccepted
	o.DriverID = &driverID
	o.ConfirmCode = &confirmCode
	cp := *o
	return &cp, nil
}

func (f *fakeOrderStore) UpdateStatus(_ context.Context, orderID string, from, to order.Status, _ *string) (*order.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok || o.Status != from {
		return nil, errs.Conflict("order moved")
	}
	o.Status = to
	cp := *o
	return &cp, nil
}

func (f *fakeOrderStore) Cancel(_ context.Context, orderID string, from order.Status, fee float64, _ string) (*order.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok || o.Status != from {
		return nil, errs.Conflict("order moved")
	}
	o.Status = order.StatusCancelled
	o.CancellationFee = &fee
	cp := *o
	return &cp, nil
}

func (f *fakeOrderStore) CountActiveForDriver(context.Context, string) (int, error) {
	return 0, nil
}

func (f *fakeOrderStore) ActiveFeeRule(_ context.Context, status order.Status) (*order.FeeRule, error) {
	return &order.FeeRule{OrderStatus: status, FeePercentage: 10, IsActive: true}, nil
}

func (f *fakeOrderStore) ListFeeRules(context.Context) ([]order.FeeRule, error) { return nil, nil }
func (f *fakeOrderStore) UpsertFeeRule(context.Context, order.Status, float64) error {
	return nil
}

type fakeSettingsStore struct{}

func (fakeSettingsStore) Get(context.Context, string) (string, error) {
	return "", settings.ErrNotSet
}

type fakeGeoSource struct {
	drivers []geo.NearbyDriver
}

func (f *fakeGeoSource) ListMatchableDrivers(context.Context, time.Time, *int) ([]geo.NearbyDriver, error) {
	return f.drivers, nil
}

func (f *fakeGeoSource) ListOpenOrders(context.Context) ([]geo.NearbyOrder, error) {
	return nil, nil
}

func newTestChannel(t *testing.T) (*Channel, *fakeOrderStore, *fakeDrivers, *fakeGeoSource) {
	t.Helper()
	cache := settings.NewCache(fakeSettingsStore{}, time.Minute)
	store := &fakeOrderStore{orders: make(map[string]*order.Order)}
	drivers := newFakeDrivers()
	geoSrc := &fakeGeoSource{}
	ch := NewChannel(
		NewHub(),
		auth.NewManager("test-secret", time.Hour, 24*time.Hour),
		order.NewService(store, cache, true),
		geo.NewService(geoSrc, cache),
		drivers,
		cache,
		nil,
	)
	return ch, store, drivers, geoSrc
}

func connectSession(t *testing.T, ch *Channel, userID, role string) (*session, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	s := &session{
		ch:     ch,
		conn:   conn,
		userID: userID,
		role:   role,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
	ch.hub.register(s)
	return s, conn
}

func nextEvent(t *testing.T, s *session) Message {
	t.Helper()
	select {
	case frame := <-s.send:
		var msg Message
		if err := json.Unmarshal(frame, &msg); err != nil {
			t.Fatalf("bad outbound frame: %v", err)
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("no outbound frame")
		return Message{}
	}
}

func TestAuthenticateAcceptsValidToken(t *testing.T) {
	ch, _, _, _ := newTestChannel(t)

	token, err := ch.auth.GenerateAccessToken("driver-1", auth.RoleDriver)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}

	conn := newFakeConn()
	frame, _ := json.Marshal(Message{Type: EventAuth, Token: token})
	conn.inbound <- frame

	s, err := ch.authenticate(conn)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if s.userID != "driver-1" || s.role != auth.RoleDriver {
		t.Fatalf("wrong identity: %s/%s", s.userID, s.role)
	}

	msg := nextEvent(t, s)
	if msg.Type != EventAuth {
		t.Fatalf("expected auth ack, got %s", msg.Type)
	}
}

func TestAuthenticateRejectsNonAuthFirstFrame(t *testing.T) {
	ch, _, _, _ := newTestChannel(t)

	conn := newFakeConn()
	frame, _ := json.Marshal(Message{Type: EventLocationUpdate})
	conn.inbound <- frame

	if _, err := ch.authenticate(conn); !errs.IsAuth(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestAuthenticateFallsBackToRefreshToken(t *testing.T) {
	ch, _, _, _ := newTestChannel(t)

	// An already-expired access credential paired with a valid refresh one.
	expired := auth.NewManager("test-secret", -time.Minute, 24*time.Hour)
	access, err := expired.GenerateAccessToken("driver-1", auth.RoleDriver)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}
	refresh, err := ch.auth.GenerateRefreshToken("driver-1", auth.RoleDriver)
	if err != nil {
		t.Fatalf("GenerateRefreshToken: %v", err)
	}

	conn := newFakeConn()
	frame, _ := json.Marshal(Message{Type: EventAuth, Token: access, RefreshToken: refresh})
	conn.inbound <- frame

	s, err := ch.authenticate(conn)
	if err != nil {
		t.Fatalf("authenticate with refresh fallback: %v", err)
	}
	if s.userID != "driver-1" {
		t.Fatalf("wrong identity: %s", s.userID)
	}
	if s.accessToken == access {
		t.Fatal("expected a rotated access token")
	}
}

func TestAcceptOrderNotifiesEveryParty(t *testing.T) {
	ch, store, _, _ := newTestChannel(t)

	store.orders["order-1"] = &order.Order{
		ID:         "order-1",
		Status:     order.StatusPending,
		CustomerID: "customer-1",
		Price:      200,
	}

	driverSess, _ := connectSession(t, ch, "driver-1", auth.RoleDriver)
	customerSess, _ := connectSession(t, ch, "customer-1", auth.RoleCustomer)
	otherDriver, _ := connectSession(t, ch, "driver-2", auth.RoleDriver)

	data, _ := json.Marshal(OrderActionPayload{OrderID: "order-1"})
	ch.handleEvent(context.Background(), driverSess, Message{Type: EventAcceptOrder, Data: data})

	msg := nextEvent(t, driverSess)
	if msg.Type != EventOrderStatusUpdate {
		t.Fatalf("driver expected order_status_update, got %s", msg.Type)
	}

	msg = nextEvent(t, customerSess)
	if msg.Type != EventOrderStatusUpdate {
		t.Fatalf("customer expected order_status_update, got %s", msg.Type)
	}
	var payload OrderEventPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if payload.ConfirmCode == nil || len(*payload.ConfirmCode) != 6 {
		t.Fatalf("customer copy must carry the 6-digit confirm code, got %+v", payload.ConfirmCode)
	}

	msg = nextEvent(t, otherDriver)
	if msg.Type != EventOrderTaken {
		t.Fatalf("other drivers expected order_taken, got %s", msg.Type)
	}
}

func TestAcceptOrderLoserGetsConnectionError(t *testing.T) {
	ch, store, _, _ := newTestChannel(t)

	winner := "driver-1"
	store.orders["order-1"] = &order.Order{
		ID:         "order-1",
		Status:     order.StatusDriverAccepted,
		CustomerID: "customer-1",
		DriverID:   &winner,
	}

	loser, _ := connectSession(t, ch, "driver-2", auth.RoleDriver)

	data, _ := json.Marshal(OrderActionPayload{OrderID: "order-1"})
	ch.handleEvent(context.Background(), loser, Message{Type: EventAcceptOrder, Data: data})

	msg := nextEvent(t, loser)
	if msg.Type != EventConnectionError {
		t.Fatalf("expected connection_error, got %s", msg.Type)
	}
	var p ErrorPayload
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if p.Code != errs.KindConflict.String() {
		t.Fatalf("expected conflict code, got %s", p.Code)
	}
}

func TestCustomerOnlyEventsRejectDrivers(t *testing.T) {
	ch, _, _, _ := newTestChannel(t)
	driverSess, _ := connectSession(t, ch, "driver-1", auth.RoleDriver)

	data, _ := json.Marshal(order.CreateOrderInput{})
	ch.handleEvent(context.Background(), driverSess, Message{Type: EventCreateOrder, Data: data})

	msg := nextEvent(t, driverSess)
	if msg.Type != EventConnectionError {
		t.Fatalf("expected connection_error, got %s", msg.Type)
	}
}

func TestDriverLocationUpdateFansOutToCustomers(t *testing.T) {
	ch, _, drivers, _ := newTestChannel(t)
	driverSess, _ := connectSession(t, ch, "driver-1", auth.RoleDriver)
	customerSess, _ := connectSession(t, ch, "customer-1", auth.RoleCustomer)

	data, _ := json.Marshal(LocationUpdatePayload{Latitude: 41.0, Longitude: 29.0})
	ch.handleEvent(context.Background(), driverSess, Message{Type: EventLocationUpdate, Data: data})

	if drivers.lastLat != 41.0 || drivers.lastLon != 29.0 {
		t.Fatalf("fix not persisted: %v,%v", drivers.lastLat, drivers.lastLon)
	}

	msg := nextEvent(t, customerSess)
	if msg.Type != EventDriverLocationUpdate {
		t.Fatalf("expected driver_location_update, got %s", msg.Type)
	}
}

func TestCustomerLocationUpdateHonorsThreshold(t *testing.T) {
	ch, _, _, _ := newTestChannel(t)
	customerSess, _ := connectSession(t, ch, "customer-1", auth.RoleCustomer)

	send := func(lat, lon float64) {
		data, _ := json.Marshal(LocationUpdatePayload{Latitude: lat, Longitude: lon})
		ch.handleEvent(context.Background(), customerSess, Message{Type: EventLocationUpdate, Data: data})
	}

	// First fix always answers.
	send(41.0, 29.0)
	if msg := nextEvent(t, customerSess); msg.Type != EventNearbyDriversUpdate {
		t.Fatalf("expected nearbyDriversUpdate, got %s", msg.Type)
	}

	// A shift well under the 100m default stays silent.
	send(41.0001, 29.0)
	select {
	case frame := <-customerSess.send:
		t.Fatalf("expected no push for a sub-threshold move, got %s", frame)
	case <-time.After(50 * time.Millisecond):
	}

	// A real move answers again.
	send(41.01, 29.0)
	if msg := nextEvent(t, customerSess); msg.Type != EventNearbyDriversUpdate {
		t.Fatalf("expected nearbyDriversUpdate, got %s", msg.Type)
	}
}

func TestGoingOfflineFlipsAvailability(t *testing.T) {
	ch, _, drivers, _ := newTestChannel(t)
	driverSess, _ := connectSession(t, ch, "driver-1", auth.RoleDriver)

	ch.handleEvent(context.Background(), driverSess, Message{Type: EventDriverGoingOffline})

	drivers.mu.Lock()
	defer drivers.mu.Unlock()
	if available, ok := drivers.availability["driver-1"]; !ok || available {
		t.Fatalf("expected driver flagged unavailable, got %v/%v", available, ok)
	}
}

func TestHubReplacesDuplicateSession(t *testing.T) {
	ch, _, _, _ := newTestChannel(t)

	first, firstConn := connectSession(t, ch, "driver-1", auth.RoleDriver)
	second, _ := connectSession(t, ch, "driver-1", auth.RoleDriver)

	select {
	case <-firstConn.closed:
	case <-time.After(time.Second):
		t.Fatal("expected the replaced session to be closed")
	}

	if !ch.hub.SendTo("driver-1", []byte(`{}`)) {
		t.Fatal("expected delivery to the replacement session")
	}
	select {
	case <-second.send:
	case <-time.After(time.Second):
		t.Fatal("replacement session did not receive the frame")
	}

	// The replaced session's teardown must not evict the replacement.
	ch.hub.unregister(first)
	if !ch.hub.SendTo("driver-1", []byte(`{}`)) {
		t.Fatal("replacement session was evicted by stale teardown")
	}
}

func TestBroadcastRoleTargetsOnlyThatRole(t *testing.T) {
	ch, _, _, _ := newTestChannel(t)
	driverSess, _ := connectSession(t, ch, "driver-1", auth.RoleDriver)
	customerSess, _ := connectSession(t, ch, "customer-1", auth.RoleCustomer)

	ch.hub.BroadcastRole(auth.RoleDriver, []byte(`{"type":"new_order"}`))

	select {
	case <-driverSess.send:
	case <-time.After(time.Second):
		t.Fatal("driver did not receive the broadcast")
	}
	select {
	case frame := <-customerSess.send:
		t.Fatalf("customer must not receive a driver broadcast, got %s", frame)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandleRemoteDeliversForeignFrames(t *testing.T) {
	ch, _, _, _ := newTestChannel(t)
	customerSess, _ := connectSession(t, ch, "customer-1", auth.RoleCustomer)

	frame, _ := encodeEvent(EventOrderStatusUpdate, OrderActionPayload{OrderID: "order-1"})
	ch.HandleRemote(rmq.Broadcast{Origin: "other-instance", TargetUserID: "customer-1", Frame: frame})

	msg := nextEvent(t, customerSess)
	if msg.Type != EventOrderStatusUpdate {
		t.Fatalf("expected order_status_update, got %s", msg.Type)
	}
}

func TestUnknownEventAnswersWithError(t *testing.T) {
	ch, _, _, _ := newTestChannel(t)
	s, _ := connectSession(t, ch, "customer-1", auth.RoleCustomer)

	ch.handleEvent(context.Background(), s, Message{Type: "definitely_not_an_event"})

	msg := nextEvent(t, s)
	if msg.Type != EventConnectionError {
		t.Fatalf("expected connection_error, got %s", msg.Type)
	}
}

func TestNewOrderReachesOnlyEligibleDrivers(t *testing.T) {
	ch, _, _, geoSrc := newTestChannel(t)
	geoSrc.drivers = []geo.NearbyDriver{
		{ID: "driver-1", Latitude: 40.99, Longitude: 29.03, LocationUpdatedAt: time.Now()},
	}

	eligible, _ := connectSession(t, ch, "driver-1", auth.RoleDriver)
	outside, _ := connectSession(t, ch, "driver-2", auth.RoleDriver)
	customerSess, _ := connectSession(t, ch, "customer-1", auth.RoleCustomer)

	create, _ := json.Marshal(order.CreateOrderInput{
		PickupAddress: "Kadikoy", PickupLatitude: 40.99, PickupLongitude: 29.03,
		DestinationAddress: "Besiktas", DestinationLatitude: 41.04, DestinationLongitude: 29.00,
		Weight: 120, EstimatedPrice: 200,
	})
	ch.handleEvent(context.Background(), customerSess, Message{Type: EventCreateOrder, Data: create})
	nextEvent(t, customerSess) // order_status_update to the customer

	if msg := nextEvent(t, eligible); msg.Type != EventNewOrder {
		t.Fatalf("matched driver expected new_order, got %s", msg.Type)
	}
	// The connected driver the geo search did not match stays silent.
	select {
	case frame := <-outside.send:
		t.Fatalf("unmatched driver must not receive the offer, got %s", frame)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOrderLifecycleOverChannel(t *testing.T) {
	ch, store, _, geoSrc := newTestChannel(t)
	geoSrc.drivers = []geo.NearbyDriver{
		{ID: "driver-1", Latitude: 40.99, Longitude: 29.03, LocationUpdatedAt: time.Now()},
	}

	customerSess, _ := connectSession(t, ch, "customer-1", auth.RoleCustomer)
	driverSess, _ := connectSession(t, ch, "driver-1", auth.RoleDriver)

	create, _ := json.Marshal(order.CreateOrderInput{
		PickupAddress: "Kadikoy", PickupLatitude: 40.99, PickupLongitude: 29.03,
		DestinationAddress: "Besiktas", DestinationLatitude: 41.04, DestinationLongitude: 29.00,
		Weight: 120, LaborCount: 1, EstimatedPrice: 200,
	})
	ch.handleEvent(context.Background(), customerSess, Message{Type: EventCreateOrder, Data: create})

	created := nextEvent(t, customerSess)
	var createdPayload OrderEventPayload
	if err := json.Unmarshal(created.Data, &createdPayload); err != nil {
		t.Fatalf("bad create payload: %v", err)
	}
	orderID := createdPayload.Order.ID

	if msg := nextEvent(t, driverSess); msg.Type != EventNewOrder {
		t.Fatalf("drivers expected new_order, got %s", msg.Type)
	}

	accept, _ := json.Marshal(OrderActionPayload{OrderID: orderID})
	ch.handleEvent(context.Background(), driverSess, Message{Type: EventAcceptOrder, Data: accept})
	nextEvent(t, driverSess) // order_status_update to the driver
	msg := nextEvent(t, customerSess)
	var accepted OrderEventPayload
	if err := json.Unmarshal(msg.Data, &accepted); err != nil {
		t.Fatalf("bad accept payload: %v", err)
	}
	nextEvent(t, driverSess) // order_taken broadcast

	confirm, _ := json.Marshal(OrderActionPayload{OrderID: orderID, ConfirmCode: *accepted.ConfirmCode})
	ch.handleEvent(context.Background(), customerSess, Message{Type: EventConfirmOrder, Data: confirm})
	if msg := nextEvent(t, customerSess); msg.Type != EventOrderStatusUpdate {
		t.Fatalf("customer expected order_status_update after confirm, got %s", msg.Type)
	}
	nextEvent(t, driverSess)

	if store.orders[orderID].Status != order.StatusConfirmed {
		t.Fatalf("expected confirmed, got %s", store.orders[orderID].Status)
	}

	for _, target := range []order.Status{
		order.StatusGoingToPickup, order.StatusPickupCompleted,
		order.StatusInTransit, order.StatusDelivered,
	} {
		step, _ := json.Marshal(OrderActionPayload{OrderID: orderID, Status: string(target)})
		ch.handleEvent(context.Background(), driverSess, Message{Type: EventUpdateOrderStatus, Data: step})
		if msg := nextEvent(t, driverSess); msg.Type != EventOrderStatusUpdate {
			t.Fatalf("expected order_status_update for %s, got %s", target, msg.Type)
		}
		nextEvent(t, customerSess)
	}

	if got := store.orders[orderID].Status; got != order.StatusDelivered {
		t.Fatalf("expected delivered at the end of the chain, got %s", got)
	}
}
