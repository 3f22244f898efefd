package services

import (
	"errors"
	"fmt"

	domain "github.com/hanko-field/ordertracking/internal/domain"
)

// Reasons attached to IllegalTransitionError. They are stable strings so clients can branch on them.
const (
	ReasonUnknownStatus      = "unknown_status"
	ReasonUnknownRole        = "unknown_role"
	ReasonTerminal           = "order_terminal"
	ReasonCODEntry           = "cod_skips_pending_and_confirmed"
	ReasonRoleNotPermitted   = "role_not_permitted"
	ReasonCancelCutoff       = "cancellation_cutoff_passed"
	ReasonBackward           = "backward_transition"
	ReasonPaymentRequired    = "payment_not_captured"
	ReasonRefundNotAvailable = "refund_not_available"
	ReasonPaymentFailed      = "payment_failed"
)

// TransitionRequest is the full input of a transition decision.
type TransitionRequest struct {
	Current       OrderStatus
	Requested     OrderStatus
	Role          ActorRole
	PaymentMethod PaymentMethod
	PaymentStatus PaymentStatus
}

// IllegalTransitionError names the denied (current, requested) pair.
type IllegalTransitionError struct {
	Current   OrderStatus
	Requested OrderStatus
	Role      ActorRole
	Reason    string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s by %s (%s)", ErrOrderIllegalTransition.Error(), e.Current, e.Requested, e.Role, e.Reason)
}

// Is lets errors.Is match ErrOrderIllegalTransition.
func (e *IllegalTransitionError) Is(target error) bool {
	return target == ErrOrderIllegalTransition
}

// AsIllegalTransition extracts the structured denial from err.
func AsIllegalTransition(err error) (*IllegalTransitionError, bool) {
	var illegal *IllegalTransitionError
	if errors.As(err, &illegal) {
		return illegal, true
	}
	return nil, false
}

// CanTransition reports whether the request is allowed. A request for the
// current status of a non-terminal order is allowed and changes nothing.
func CanTransition(req TransitionRequest) bool {
	return CheckTransition(req) == nil
}

// CheckTransition returns nil when the request is allowed and an
// *IllegalTransitionError otherwise.
func CheckTransition(req TransitionRequest) error {
	deny := func(reason string) error {
		return &IllegalTransitionError{
			Current:   req.Current,
			Requested: req.Requested,
			Role:      req.Role,
			Reason:    reason,
		}
	}

	if !req.Requested.Valid() || !req.Current.Valid() {
		return deny(ReasonUnknownStatus)
	}
	if !req.Role.Valid() {
		return deny(ReasonUnknownRole)
	}
	if req.Current.IsTerminal() {
		return deny(ReasonTerminal)
	}
	if req.PaymentMethod == domain.PaymentMethodCOD &&
		(req.Requested == domain.OrderStatusPending || req.Requested == domain.OrderStatusConfirmed) {
		return deny(ReasonCODEntry)
	}

	switch req.Requested {
	case domain.OrderStatusCancelled:
		return checkCancel(req, deny)
	case domain.OrderStatusRefunded:
		return checkRefund(req, deny)
	default:
		return checkForward(req, deny)
	}
}

func checkCancel(req TransitionRequest, deny func(string) error) error {
	switch req.Role {
	case domain.ActorCourier:
		return deny(ReasonRoleNotPermitted)
	case domain.ActorAdmin:
		return nil
	}
	if !beforeShipment(req.Current) {
		return deny(ReasonCancelCutoff)
	}
	return nil
}

func checkRefund(req TransitionRequest, deny func(string) error) error {
	delivered := req.Current == domain.OrderStatusDelivered
	switch req.Role {
	case domain.ActorBuyer, domain.ActorCourier:
		return deny(ReasonRoleNotPermitted)
	case domain.ActorSeller:
		if !delivered {
			return deny(ReasonRefundNotAvailable)
		}
		return nil
	}
	// admin and system
	if delivered || req.PaymentStatus == domain.PaymentStatusFailed {
		return nil
	}
	return deny(ReasonRefundNotAvailable)
}

func checkForward(req TransitionRequest, deny func(string) error) error {
	switch req.Role {
	case domain.ActorSeller, domain.ActorCourier, domain.ActorAdmin:
	default:
		return deny(ReasonRoleNotPermitted)
	}
	if req.Requested == req.Current {
		return nil
	}

	current := chainIndex(req.PaymentMethod, req.Current)
	requested := chainIndex(req.PaymentMethod, req.Requested)
	if current < 0 || requested < 0 {
		return deny(ReasonUnknownStatus)
	}
	if requested < current {
		return deny(ReasonBackward)
	}
	if req.PaymentStatus == domain.PaymentStatusFailed {
		return deny(ReasonPaymentFailed)
	}
	if req.PaymentMethod == domain.PaymentMethodPrepaid &&
		req.Requested != domain.OrderStatusPending &&
		req.PaymentStatus != domain.PaymentStatusPaid {
		return deny(ReasonPaymentRequired)
	}
	return nil
}

func beforeShipment(status OrderStatus) bool {
	return domain.StatusRank(status) >= 0 && domain.StatusRank(status) < domain.StatusRank(domain.OrderStatusShipped)
}

func chainIndex(method PaymentMethod, status OrderStatus) int {
	for i, s := range domain.StatusChain(method) {
		if s == status {
			return i
		}
	}
	return -1
}
