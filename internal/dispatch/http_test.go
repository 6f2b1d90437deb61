package dispatch

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AybarCi/YukleGelTaksi-sub001/internal/common/auth"
	"github.com/AybarCi/YukleGelTaksi-sub001/internal/geo"
	"github.com/AybarCi/YukleGelTaksi-sub001/internal/order"
)

func newTestAPI(t *testing.T) (*http.ServeMux, *Channel, *fakeOrderStore, *fakeGeoSource) {
	t.Helper()
	ch, store, _, geoSrc := newTestChannel(t)
	api := NewAPI(ch, ch.auth, nil, ch.settings)
	mux := http.NewServeMux()
	api.Register(mux)
	return mux, ch, store, geoSrc
}

func bearer(t *testing.T, ch *Channel, userID, role string) string {
	t.Helper()
	token, err := ch.auth.GenerateAccessToken(userID, role)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}
	return token
}

func TestCheckAvailabilityReadsPickupCoordinates(t *testing.T) {
	mux, ch, _, geoSrc := newTestAPI(t)
	geoSrc.drivers = []geo.NearbyDriver{
		{ID: "driver-1", Latitude: 40.99, Longitude: 29.03, LocationUpdatedAt: time.Now()},
	}

	req := httptest.NewRequest(http.MethodPost, "/check-availability",
		strings.NewReader(`{"pickupLatitude":40.99,"pickupLongitude":29.03}`))
	req.Header.Set("Authorization", bearer(t, ch, "customer-1", auth.RoleCustomer))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var avail geo.Availability
	if err := json.Unmarshal(rec.Body.Bytes(), &avail); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if !avail.Available || avail.DriverCount != 1 {
		t.Fatalf("expected the driver at the pickup point to count, got %+v", avail)
	}
}

func TestNearbyDriversRejectsNaNCoordinates(t *testing.T) {
	mux, ch, _, _ := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/nearby-drivers?latitude=NaN&longitude=29.0", nil)
	req.Header.Set("Authorization", bearer(t, ch, "customer-1", auth.RoleCustomer))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a NaN coordinate, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCompletePaymentSettlesDeliveredOrder(t *testing.T) {
	mux, ch, store, _ := newTestAPI(t)

	driverID := "driver-1"
	store.orders["order-1"] = &order.Order{
		ID:         "order-1",
		Status:     order.StatusDelivered,
		CustomerID: "customer-1",
		DriverID:   &driverID,
	}
	customerSess, _ := connectSession(t, ch, "customer-1", auth.RoleCustomer)

	req := httptest.NewRequest(http.MethodPost, "/orders/complete-payment",
		strings.NewReader(`{"orderId":"order-1"}`))
	req.Header.Set("Authorization", bearer(t, ch, "admin-1", auth.RoleAdmin))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := store.orders["order-1"].Status; got != order.StatusPaymentCompleted {
		t.Fatalf("expected payment_completed, got %s", got)
	}
	if msg := nextEvent(t, customerSess); msg.Type != EventOrderStatusUpdate {
		t.Fatalf("customer expected the final order_status_update, got %s", msg.Type)
	}
}

func TestCompletePaymentRequiresAdmin(t *testing.T) {
	mux, ch, store, _ := newTestAPI(t)

	store.orders["order-1"] = &order.Order{
		ID:         "order-1",
		Status:     order.StatusDelivered,
		CustomerID: "customer-1",
	}

	req := httptest.NewRequest(http.MethodPost, "/orders/complete-payment",
		strings.NewReader(`{"orderId":"order-1"}`))
	req.Header.Set("Authorization", bearer(t, ch, "driver-1", auth.RoleDriver))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a non-admin caller, got %d", rec.Code)
	}
	if got := store.orders["order-1"].Status; got != order.StatusDelivered {
		t.Fatalf("order must stay delivered, got %s", got)
	}
}
