package dispatch

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/AybarCi/YukleGelTaksi-sub001/internal/common/auth"
	"github.com/AybarCi/YukleGelTaksi-sub001/internal/common/errs"
	"github.com/AybarCi/YukleGelTaksi-sub001/internal/common/logger"
	"github.com/AybarCi/YukleGelTaksi-sub001/internal/order"
	"github.com/AybarCi/YukleGelTaksi-sub001/internal/settings"
)

// API is the REST companion to the websocket channel: search and admin
// reads that need no live session.
type API struct {
	channel       *Channel
	auth          *auth.Manager
	settingsRepo  *settings.Repository
	settingsCache *settings.Cache
}

func NewAPI(channel *Channel, authMgr *auth.Manager, settingsRepo *settings.Repository, settingsCache *settings.Cache) *API {
	return &API{
		channel:       channel,
		auth:          authMgr,
		settingsRepo:  settingsRepo,
		settingsCache: settingsCache,
	}
}

func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("/ws", a.channel.ServeWS)
	mux.HandleFunc("/health", a.handleHealth)
	mux.HandleFunc("/auth/token", a.auth.GetTokenHandler())

	mux.Handle("/nearby-drivers", a.auth.Middleware(http.HandlerFunc(a.handleNearbyDrivers)))
	mux.Handle("/check-availability", a.auth.Middleware(http.HandlerFunc(a.handleCheckAvailability)))
	mux.Handle("/orders/pending", a.auth.Middleware(http.HandlerFunc(a.handlePendingOrders)))
	mux.Handle("/orders/complete-payment", a.auth.Middleware(http.HandlerFunc(a.handleCompletePayment)))
	mux.Handle("/admin/cancellation-fees", a.auth.Middleware(http.HandlerFunc(a.handleCancellationFees)))
	mux.Handle("/admin/settings", a.auth.Middleware(http.HandlerFunc(a.handleSettings)))
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": a.channel.hub.Count(),
	})
}

// GET /nearby-drivers?latitude=..&longitude=..&radius=..&vehicleTypeId=..
func (a *API) handleNearbyDrivers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	lat, err := queryFloat(r, "latitude")
	if err != nil {
		writeError(w, err)
		return
	}
	lon, err := queryFloat(r, "longitude")
	if err != nil {
		writeError(w, err)
		return
	}

	radius := a.settingsCache.SearchRadiusKm(r.Context())
	if raw := r.URL.Query().Get("radius"); raw != "" {
		radius, err = strconv.ParseFloat(raw, 64)
		if err != nil {
			writeError(w, errs.Validation("radius must be a number"))
			return
		}
	}

	var vehicleTypeID *int
	if raw := r.URL.Query().Get("vehicleTypeId"); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, errs.Validation("vehicleTypeId must be an integer"))
			return
		}
		vehicleTypeID = &id
	}

	drivers, err := a.channel.geo.FindNearbyDrivers(r.Context(), lat, lon, radius, vehicleTypeID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"drivers": drivers})
}

// POST /check-availability {pickupLatitude, pickupLongitude, vehicleTypeId?}
func (a *API) handleCheckAvailability(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Latitude      float64 `json:"pickupLatitude"`
		Longitude     float64 `json:"pickupLongitude"`
		VehicleTypeID *int    `json:"vehicleTypeId,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Validation("invalid request body"))
		return
	}

	availability, err := a.channel.geo.CheckAvailability(r.Context(), req.Latitude, req.Longitude, req.VehicleTypeID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, availability)
}

// POST /orders/complete-payment {orderId} closes a delivered order once
// the settlement side reports the charge as captured. Both parties get the
// final order_status_update over the channel.
func (a *API) handleCompletePayment(w http.ResponseWriter, r *http.Request) {
	claims := auth.FromContext(r)
	if claims == nil || claims.Role != auth.RoleAdmin {
		writeError(w, errs.Auth("admin credential required"))
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		OrderID string `json:"orderId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OrderID == "" {
		writeError(w, errs.Validation("orderId is required"))
		return
	}

	o, err := a.channel.orders.CompletePayment(r.Context(), req.OrderID)
	if err != nil {
		writeError(w, err)
		return
	}

	a.channel.notifyUser(r.Context(), o.CustomerID, EventOrderStatusUpdate, OrderEventPayload{Order: o})
	if o.DriverID != nil {
		a.channel.notifyUser(r.Context(), *o.DriverID, EventOrderStatusUpdate, OrderEventPayload{Order: o})
	}

	logger.Info("order_payment_completed", "Order settled")
	writeJSON(w, http.StatusOK, map[string]any{"order": o})
}

// GET /orders/pending returns claimable orders near the calling driver's
// last known position.
func (a *API) handlePendingOrders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	claims := auth.FromContext(r)
	if claims == nil || claims.Role != auth.RoleDriver {
		writeError(w, errs.Auth("driver credential required"))
		return
	}

	fix, err := a.channel.drivers.LastLocation(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, err)
		return
	}

	orders, err := a.channel.geo.FindPendingOrdersNear(r.Context(), fix.Latitude, fix.Longitude)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

// GET|PUT /admin/cancellation-fees
func (a *API) handleCancellationFees(w http.ResponseWriter, r *http.Request) {
	claims := auth.FromContext(r)
	if claims == nil || claims.Role != auth.RoleAdmin {
		writeError(w, errs.Auth("admin credential required"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		rules, err := a.channel.orders.FeeRules(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"rules": rules})

	case http.MethodPut:
		var req struct {
			Status        string  `json:"status"`
			FeePercentage float64 `json:"feePercentage"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, errs.Validation("invalid request body"))
			return
		}
		if err := a.channel.orders.SetFeeRule(r.Context(), order.Status(req.Status), req.FeePercentage); err != nil {
			writeError(w, err)
			return
		}
		logger.Info("fee_rule_updated", "Cancellation fee rule replaced")
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// PUT /admin/settings writes a tunable and drops the cached copy so the
// next read sees the fresh value.
func (a *API) handleSettings(w http.ResponseWriter, r *http.Request) {
	claims := auth.FromContext(r)
	if claims == nil || claims.Role != auth.RoleAdmin {
		writeError(w, errs.Auth("admin credential required"))
		return
	}
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Key       string `json:"key"`
		Value     string `json:"value"`
		ValueType string `json:"valueType"`
		Category  string `json:"category"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
		writeError(w, errs.Validation("key and value are required"))
		return
	}
	if req.ValueType == "" {
		req.ValueType = "string"
	}
	if req.Category == "" {
		req.Category = "dispatch"
	}

	if err := a.settingsRepo.Set(r.Context(), req.Key, req.Value, req.ValueType, req.Category); err != nil {
		writeError(w, err)
		return
	}
	a.settingsCache.Invalidate(req.Key)

	logger.Info("setting_updated", "System setting replaced")
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func queryFloat(r *http.Request, name string) (float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, errs.Validation("%s is required", name)
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, errs.Validation("%s must be a number", name)
	}
	return f, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	writeJSON(w, kind.HTTPStatus(), map[string]any{
		"error": map[string]string{
			"code":    kind.String(),
			"message": err.Error(),
		},
	})
}
