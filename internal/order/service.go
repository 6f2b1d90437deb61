package order

import (
	"context"
	"fmt"
	"math/rand"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/AybarCi/YukleGelTaksi-sub001/internal/common/errs"
	"github.com/AybarCi/YukleGelTaksi-sub001/internal/common/logger"
	"github.com/AybarCi/YukleGelTaksi-sub001/internal/geo"
	"github.com/AybarCi/YukleGelTaksi-sub001/internal/settings"
)

type store interface {
	Create(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id string) (*Order, error)
	Claim(ctx context.Context, orderID, driverID, confirmCode string) (*Order, error)
	UpdateStatus(ctx context.Context, orderID string, from, to Status, driverID *string) (*Order, error)
	Cancel(ctx context.Context, orderID string, from Status, fee float64, actor string) (*Order, error)
	CountActiveForDriver(ctx context.Context, driverID string) (int, error)
	ActiveFeeRule(ctx context.Context, status Status) (*FeeRule, error)
	ListFeeRules(ctx context.Context) ([]FeeRule, error)
	UpsertFeeRule(ctx context.Context, status Status, feePercentage float64) error
}

// Service owns the order lifecycle: creation, the first-writer-wins claim,
// step-by-step driver advances and fee-bearing cancellation.
type Service struct {
	repo     store
	settings *settings.Cache

	// codeRequired gates whether pickup confirmation and late
	// cancellations must present the order's confirm code.
	codeRequired bool
}

func NewService(repo store, settingsCache *settings.Cache, codeRequired bool) *Service {
	return &Service{repo: repo, settings: settingsCache, codeRequired: codeRequired}
}

func (s *Service) Create(ctx context.Context, in CreateOrderInput) (*Order, error) {
	if strings.TrimSpace(in.CustomerID) == "" {
		return nil, errs.Validation("customer_id is required")
	}
	if err := geo.ValidateLatLon(in.PickupLatitude, in.PickupLongitude); err != nil {
		return nil, errs.Validation("invalid pickup coordinates: %v", err)
	}
	if err := geo.ValidateLatLon(in.DestinationLatitude, in.DestinationLongitude); err != nil {
		return nil, errs.Validation("invalid destination coordinates: %v", err)
	}
	if strings.TrimSpace(in.PickupAddress) == "" || strings.TrimSpace(in.DestinationAddress) == "" {
		return nil, errs.Validation("pickup and destination addresses are required")
	}
	if in.Weight < 0 {
		return nil, errs.Validation("weight must not be negative")
	}
	if in.LaborCount < 0 {
		return nil, errs.Validation("labor count must not be negative")
	}
	if in.EstimatedPrice < 0 {
		return nil, errs.Validation("estimated price must not be negative")
	}

	o := &Order{
		ID:                   uuid.NewString(),
		Status:               StatusPending,
		CustomerID:           in.CustomerID,
		PickupAddress:        strings.TrimSpace(in.PickupAddress),
		PickupLatitude:       in.PickupLatitude,
		PickupLongitude:      in.PickupLongitude,
		DestinationAddress:   strings.TrimSpace(in.DestinationAddress),
		DestinationLatitude:  in.DestinationLatitude,
		DestinationLongitude: in.DestinationLongitude,
		Weight:               in.Weight,
		LaborCount:           in.LaborCount,
		Price:                in.EstimatedPrice,
		VehicleTypeID:        in.VehicleTypeID,
	}

	if err := s.repo.Create(ctx, o); err != nil {
		return nil, err
	}

	logger.Info("order_created", "Order created", orderField(o.ID))
	return o, nil
}

func (s *Service) Get(ctx context.Context, orderID string) (*Order, error) {
	if orderID == "" {
		return nil, errs.Validation("order_id is required")
	}
	return s.repo.GetByID(ctx, orderID)
}

// Accept claims the order for a driver. The losing side of a concurrent
// accept gets a conflict, never a partial write.
func (s *Service) Accept(ctx context.Context, orderID, driverID string) (*Order, error) {
	if orderID == "" || driverID == "" {
		return nil, errs.Validation("order_id and driver_id are required")
	}

	active, err := s.repo.CountActiveForDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if max := s.settings.MaxOrdersPerDriver(ctx); active >= max {
		return nil, errs.Validation("driver already has %d active order(s)", active)
	}

	o, err := s.repo.Claim(ctx, orderID, driverID, generateConfirmCode())
	if err != nil {
		return nil, err
	}

	logger.Info("order_accepted", "Order claimed by driver", orderField(orderID))
	return o, nil
}

// Inspect surfaces that a driver opened the order for review. Legal only
// from pending and harmless to lose: a concurrent claim simply wins.
func (s *Service) Inspect(ctx context.Context, orderID string) (*Order, error) {
	if orderID == "" {
		return nil, errs.Validation("order_id is required")
	}
	return s.repo.UpdateStatus(ctx, orderID, StatusPending, StatusInspecting, nil)
}

// Confirm is the customer's acknowledgement of the accepted driver.
func (s *Service) Confirm(ctx context.Context, orderID, customerID, code string) (*Order, error) {
	o, err := s.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.CustomerID != customerID {
		return nil, errs.Auth("only the order's customer may confirm it")
	}
	if o.Status != StatusDriverAccepted {
		return nil, errs.Validation("order cannot be confirmed from status %s", o.Status)
	}
	if err := s.checkConfirmCode(o, code); err != nil {
		return nil, err
	}

	return s.repo.UpdateStatus(ctx, orderID, StatusDriverAccepted, StatusConfirmed, nil)
}

// VerifyConfirmCode checks a code without transitioning.
func (s *Service) VerifyConfirmCode(ctx context.Context, orderID, code string) (bool, error) {
	o, err := s.Get(ctx, orderID)
	if err != nil {
		return false, err
	}
	return o.ConfirmCode != nil && *o.ConfirmCode == code, nil
}

// Advance moves the order exactly one forward step. Only the assigned
// driver may advance; skipping states is rejected with the stored status
// unchanged.
func (s *Service) Advance(ctx context.Context, orderID, driverID string, target Status) (*Order, error) {
	if !target.Valid() {
		return nil, errs.Validation("unknown status %s", target)
	}

	o, err := s.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	// A driver may flag an unclaimed order as under inspection.
	if target == StatusInspecting {
		if o.Status != StatusPending {
			return nil, errs.Validation("order cannot move to inspecting from %s", o.Status)
		}
		return s.Inspect(ctx, orderID)
	}

	if o.DriverID == nil || *o.DriverID != driverID {
		return nil, errs.Auth("only the assigned driver may advance the order")
	}

	next, ok := DriverAdvanceTarget(o.Status)
	if !ok {
		return nil, errs.Validation("order in status %s cannot be advanced", o.Status)
	}
	if target != next {
		return nil, errs.Validation("invalid transition %s -> %s, next allowed status is %s", o.Status, target, next)
	}

	updated, err := s.repo.UpdateStatus(ctx, orderID, o.Status, target, &driverID)
	if err != nil {
		return nil, err
	}

	logger.Info("order_status_advanced", fmt.Sprintf("Order moved to %s", target), orderField(orderID))
	return updated, nil
}

// Cancel ends the order and charges the penalty for its current status.
// The fee rule is validated before anything is written.
func (s *Service) Cancel(ctx context.Context, orderID, actorID, actorRole, code string) (*CancelResult, error) {
	o, err := s.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if !s.actorMayCancel(o, actorID, actorRole) {
		return nil, errs.Auth("actor is not allowed to cancel this order")
	}
	if !o.Status.IsCancellable() {
		return nil, errs.Validation("order in status %s cannot be cancelled", o.Status)
	}
	if s.cancelNeedsCode(o.Status) {
		if err := s.checkConfirmCode(o, code); err != nil {
			return nil, err
		}
	}

	rule, err := s.repo.ActiveFeeRule(ctx, o.Status)
	if err != nil {
		if errs.IsNotFound(err) {
			return nil, errs.Integrity("no cancellation fee rule configured for status %s", o.Status)
		}
		return nil, err
	}
	if rule.FeePercentage < 0 || rule.FeePercentage > 100 {
		return nil, errs.Integrity("fee percentage %v outside [0,100]", rule.FeePercentage)
	}

	fee := rule.FeePercentage / 100.0 * o.Price

	cancelled, err := s.repo.Cancel(ctx, orderID, o.Status, fee, actorID)
	if err != nil {
		return nil, err
	}

	logger.Info("order_cancelled", fmt.Sprintf("Order cancelled from %s, fee %.2f", o.Status, fee), orderField(orderID))
	return &CancelResult{Order: cancelled, FeePercentage: rule.FeePercentage, Fee: fee}, nil
}

// CompletePayment closes a delivered order once settlement confirms.
func (s *Service) CompletePayment(ctx context.Context, orderID string) (*Order, error) {
	return s.repo.UpdateStatus(ctx, orderID, StatusDelivered, StatusPaymentCompleted, nil)
}

func (s *Service) FeeRules(ctx context.Context) ([]FeeRule, error) {
	return s.repo.ListFeeRules(ctx)
}

// SetFeeRule validates and replaces the active rule for a status. Money
// affecting, so fully validated before persistence.
func (s *Service) SetFeeRule(ctx context.Context, status Status, feePercentage float64) error {
	if !status.Valid() {
		return errs.Validation("unknown order status %s", status)
	}
	if status == StatusCancelled {
		return errs.Validation("cancelled orders carry no cancellation fee rule")
	}
	if feePercentage < 0 || feePercentage > 100 {
		return errs.Integrity("fee percentage must be within [0,100]")
	}
	return s.repo.UpsertFeeRule(ctx, status, feePercentage)
}

func (s *Service) actorMayCancel(o *Order, actorID, actorRole string) bool {
	if actorRole == "ADMIN" {
		return true
	}
	if o.CustomerID == actorID {
		return true
	}
	return o.DriverID != nil && *o.DriverID == actorID
}

// cancelNeedsCode: once cargo is on board, cancelling requires proof of
// presence when the deployment demands confirm codes.
func (s *Service) cancelNeedsCode(status Status) bool {
	if !s.codeRequired {
		return false
	}
	return status == StatusPickupCompleted || status == StatusInTransit
}

func (s *Service) checkConfirmCode(o *Order, code string) error {
	if !s.codeRequired {
		return nil
	}
	if o.ConfirmCode == nil || *o.ConfirmCode != code {
		return errs.Validation("confirmation code mismatch")
	}
	return nil
}

func generateConfirmCode() string {
	return fmt.Sprintf("%06d", rand.Intn(900000)+100000)
}

func orderField(id string) zap.Field {
	return zap.String("order_id", id)
}
