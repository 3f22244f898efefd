package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/hanko-field/ordertracking/internal/domain"
	"github.com/hanko-field/ordertracking/internal/platform/textutil"
	"github.com/hanko-field/ordertracking/internal/repositories"
)

const (
	orderIDPrefix         = "ord_"
	trackingEventIDPrefix = "trk_"

	defaultNotifyTimeout = 10 * time.Second

	maxReasonLength         = 512
	maxDescriptionLength    = 1024
	maxCarrierLength        = 64
	maxTrackingNumberLength = 64
	maxLocationLength       = 256

	paymentFailedCancelReason = "Payment failed; the order was cancelled automatically."
	paymentFailedRefundReason = "Payment failed after capture; the order was refunded automatically."
	paymentFailedClosedReason = "Payment could not be collected after shipment; the order was closed automatically."
)

const (
	transitionApplied = "applied"
	transitionNoop    = "noop"
	transitionDenied  = "denied"
)

var (
	// ErrOrderValidation signals the caller provided malformed input.
	ErrOrderValidation = errors.New("order: validation failed")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderIllegalTransition indicates the transition table denied the request.
	ErrOrderIllegalTransition = errors.New("order: illegal transition")
	// ErrOrderConcurrentModification indicates the order changed underneath the operation twice in a row.
	ErrOrderConcurrentModification = errors.New("order: concurrent modification")
	// ErrOrderUnavailable indicates the backing store could not be reached.
	ErrOrderUnavailable = errors.New("order: store unavailable")
)

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders         repositories.OrderRepository
	TrackingEvents repositories.TrackingEventRepository
	UnitOfWork     repositories.UnitOfWork
	Clock          func() time.Time
	IDGenerator    func() string
	Events         OrderEventPublisher
	Archiver       TimelineArchiver
	Metrics        TransitionRecorder
	Timeline       *TimelineBuilder
	// DefaultLocale applies to timelines requested without a locale.
	DefaultLocale string
	// NotifyTimeout bounds each post-commit notification.
	NotifyTimeout time.Duration
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders        repositories.OrderRepository
	events        repositories.TrackingEventRepository
	unitOfWork    repositories.UnitOfWork
	clock         func() time.Time
	newID         func() string
	publisher     OrderEventPublisher
	archiver      TimelineArchiver
	metrics       TransitionRecorder
	timeline      *TimelineBuilder
	defaultLocale string
	notifyTimeout time.Duration
	logger        func(context.Context, string, map[string]any)

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

var _ OrderService = (*orderService)(nil)

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.TrackingEvents == nil {
		return nil, errors.New("order service: tracking event repository is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	timeline := deps.Timeline
	if timeline == nil {
		timeline = defaultTimelineBuilder
	}

	notifyTimeout := deps.NotifyTimeout
	if notifyTimeout <= 0 {
		notifyTimeout = defaultNotifyTimeout
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:     deps.Orders,
		events:     deps.TrackingEvents,
		unitOfWork: unit,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:         idGen,
		publisher:     deps.Events,
		archiver:      deps.Archiver,
		metrics:       deps.Metrics,
		timeline:      timeline,
		defaultLocale: strings.TrimSpace(deps.DefaultLocale),
		notifyTimeout: notifyTimeout,
		logger:        logger,
	}, nil
}

func (s *orderService) Create(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	buyerID := strings.TrimSpace(cmd.BuyerID)
	if buyerID == "" {
		return Order{}, fmt.Errorf("%w: buyer id is required", ErrOrderValidation)
	}
	method := PaymentMethod(strings.ToUpper(strings.TrimSpace(string(cmd.PaymentMethod))))
	if !method.Valid() {
		return Order{}, fmt.Errorf("%w: unsupported payment method %q", ErrOrderValidation, cmd.PaymentMethod)
	}

	now := s.now()
	order := Order{
		ID:            orderIDPrefix + s.newID(),
		BuyerID:       buyerID,
		Status:        domain.EntryStatus(method),
		PaymentMethod: method,
		PaymentStatus: domain.PaymentStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
		Version:       1,
	}

	err := s.runInTx(ctx, func(txCtx context.Context) error {
		return s.mapRepositoryError(s.orders.Insert(txCtx, order))
	})
	if err != nil {
		return Order{}, err
	}

	s.afterCommit(ctx, order, OrderEvent{
		Type:          domain.OrderEventCreated,
		OrderID:       order.ID,
		BuyerID:       order.BuyerID,
		Status:        order.Status,
		PaymentStatus: order.PaymentStatus,
		ActorRole:     domain.ActorBuyer,
		ActorID:       buyerID,
		OccurredAt:    now,
	})
	return order, nil
}

func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	reason, err := cleanText("reason", cmd.Reason, maxReasonLength)
	if err != nil {
		return Order{}, err
	}
	return s.transition(ctx, transitionInput{
		orderID:     cmd.OrderID,
		role:        cmd.ActorRole,
		actorID:     cmd.ActorID,
		target:      domain.OrderStatusCancelled,
		description: reason,
	})
}

func (s *orderService) AdvanceStatus(ctx context.Context, cmd AdvanceStatusCommand) (Order, error) {
	target := OrderStatus(strings.ToUpper(strings.TrimSpace(string(cmd.Status))))
	if !target.Valid() {
		return Order{}, fmt.Errorf("%w: unknown status %q", ErrOrderValidation, cmd.Status)
	}
	description, err := cleanText("description", cmd.Description, maxDescriptionLength)
	if err != nil {
		return Order{}, err
	}
	tracking, err := cleanTracking(cmd.Tracking)
	if err != nil {
		return Order{}, err
	}
	return s.transition(ctx, transitionInput{
		orderID:     cmd.OrderID,
		role:        cmd.ActorRole,
		actorID:     cmd.ActorID,
		target:      target,
		description: description,
		tracking:    tracking,
	})
}

func (s *orderService) MarkPaymentFailed(ctx context.Context, cmd MarkPaymentFailedCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderValidation)
	}
	reason, err := cleanText("reason", cmd.Reason, maxReasonLength)
	if err != nil {
		return Order{}, err
	}

	var (
		result   Order
		previous OrderStatus
		changed  bool
		now      time.Time
	)
	err = s.withRetry(ctx, func(txCtx context.Context) error {
		changed = false
		now = s.now()
		order, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		previous = order.Status
		result = order

		if order.PaymentStatus == domain.PaymentStatusFailed {
			return nil
		}
		if order.Status.IsTerminal() {
			if order.PaymentStatus == domain.PaymentStatusRefunded {
				return nil
			}
			order.PaymentStatus = domain.PaymentStatusFailed
			return s.save(txCtx, &order, now, &result, &changed)
		}

		captured := order.PaymentStatus == domain.PaymentStatusPaid
		order.PaymentStatus = domain.PaymentStatusFailed
		target := domain.OrderStatusCancelled
		message := paymentFailedCancelReason
		if !beforeShipment(order.Status) {
			// Past the cancellation cutoff REFUNDED is the only exit; the
			// message only claims a capture when one happened.
			target = domain.OrderStatusRefunded
			message = paymentFailedClosedReason
			if captured {
				message = paymentFailedRefundReason
			}
		}
		if reason != "" {
			message = reason
		}

		req := TransitionRequest{
			Current:       order.Status,
			Requested:     target,
			Role:          domain.ActorSystem,
			PaymentMethod: order.PaymentMethod,
			PaymentStatus: order.PaymentStatus,
		}
		if err := CheckTransition(req); err != nil {
			s.recordTransition(ctx, order.Status, target, domain.ActorSystem, transitionDenied)
			return err
		}

		if _, err := s.events.Append(txCtx, TrackingEvent{
			ID:          trackingEventIDPrefix + s.newID(),
			OrderID:     order.ID,
			Status:      target,
			Description: message,
			ActorRole:   domain.ActorSystem,
			CreatedAt:   now,
		}); err != nil {
			return s.mapRepositoryError(err)
		}
		order.Status = target
		order.CancelReason = &message
		return s.save(txCtx, &order, now, &result, &changed)
	})
	if err != nil {
		return Order{}, err
	}
	if !changed {
		return result, nil
	}

	eventType := domain.OrderEventPaymentUpdated
	if previous != result.Status {
		eventType = domain.OrderEventStatusChanged
		s.recordTransition(ctx, previous, result.Status, domain.ActorSystem, transitionApplied)
	}
	s.afterCommit(ctx, result, OrderEvent{
		Type:           eventType,
		OrderID:        result.ID,
		BuyerID:        result.BuyerID,
		PreviousStatus: previous,
		Status:         result.Status,
		PaymentStatus:  result.PaymentStatus,
		ActorRole:      domain.ActorSystem,
		OccurredAt:     now,
	})
	return result, nil
}

func (s *orderService) MarkPaymentCaptured(ctx context.Context, cmd MarkPaymentCapturedCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderValidation)
	}

	var (
		result  Order
		changed bool
		now     time.Time
	)
	err := s.withRetry(ctx, func(txCtx context.Context) error {
		changed = false
		now = s.now()
		order, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		result = order
		if order.PaymentStatus == domain.PaymentStatusPaid {
			return nil
		}
		if order.Status.IsTerminal() || order.PaymentStatus != domain.PaymentStatusPending {
			reason := ReasonTerminal
			if !order.Status.IsTerminal() {
				reason = ReasonPaymentFailed
			}
			return &IllegalTransitionError{
				Current:   order.Status,
				Requested: order.Status,
				Role:      domain.ActorSystem,
				Reason:    reason,
			}
		}
		order.PaymentStatus = domain.PaymentStatusPaid
		return s.save(txCtx, &order, now, &result, &changed)
	})
	if err != nil {
		return Order{}, err
	}
	if changed {
		s.afterCommit(ctx, result, OrderEvent{
			Type:           domain.OrderEventPaymentUpdated,
			OrderID:        result.ID,
			BuyerID:        result.BuyerID,
			PreviousStatus: result.Status,
			Status:         result.Status,
			PaymentStatus:  result.PaymentStatus,
			ActorRole:      domain.ActorSystem,
			OccurredAt:     now,
		})
	}
	return result, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderValidation)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	for _, status := range filter.Status {
		if !status.Valid() {
			return domain.CursorPage[Order]{}, fmt.Errorf("%w: unknown status %q", ErrOrderValidation, status)
		}
	}
	if filter.Pagination.PageSize < 0 {
		return domain.CursorPage[Order]{}, fmt.Errorf("%w: page size must be positive", ErrOrderValidation)
	}
	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) ListTrackingEvents(ctx context.Context, orderID string) ([]TrackingEvent, error) {
	if _, err := s.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	events, err := s.events.ListByOrder(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return events, nil
}

// GetTimeline reads the log before the order so the order is never older than its events.
func (s *orderService) GetTimeline(ctx context.Context, orderID string, opts TimelineOptions) ([]TimelineEntry, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrOrderValidation)
	}
	events, err := s.events.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	locale := strings.TrimSpace(opts.Locale)
	if locale == "" {
		locale = s.defaultLocale
	}
	return s.timeline.Build(order, events, locale), nil
}

// Close stops accepting post-commit notifications and waits for in-flight ones.
func (s *orderService) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type transitionInput struct {
	orderID     string
	role        ActorRole
	actorID     string
	target      OrderStatus
	description string
	tracking    *TrackingDetails
}

func (s *orderService) transition(ctx context.Context, in transitionInput) (Order, error) {
	in.orderID = strings.TrimSpace(in.orderID)
	if in.orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderValidation)
	}
	if !in.role.Valid() {
		return Order{}, fmt.Errorf("%w: unknown actor role %q", ErrOrderValidation, in.role)
	}
	in.actorID = strings.TrimSpace(in.actorID)

	var (
		result   Order
		previous OrderStatus
		changed  bool
		now      time.Time
	)
	err := s.withRetry(ctx, func(txCtx context.Context) error {
		changed = false
		now = s.now()
		order, err := s.orders.FindByID(txCtx, in.orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		previous = order.Status
		result = order

		req := TransitionRequest{
			Current:       order.Status,
			Requested:     in.target,
			Role:          in.role,
			PaymentMethod: order.PaymentMethod,
			PaymentStatus: order.PaymentStatus,
		}
		if err := CheckTransition(req); err != nil {
			s.recordTransition(ctx, order.Status, in.target, in.role, transitionDenied)
			return err
		}
		if order.Status == in.target {
			return nil
		}
		if in.tracking != nil && in.tracking.EstimatedDelivery != nil && in.tracking.EstimatedDelivery.Before(order.CreatedAt) {
			return fmt.Errorf("%w: estimated delivery precedes order creation", ErrOrderValidation)
		}

		event := TrackingEvent{
			ID:          trackingEventIDPrefix + s.newID(),
			OrderID:     order.ID,
			Status:      in.target,
			Description: in.description,
			ActorRole:   in.role,
			CreatedAt:   now,
		}
		if in.tracking != nil {
			event.Carrier = in.tracking.Carrier
			event.TrackingNumber = in.tracking.TrackingNumber
			event.LastLocation = in.tracking.LastLocation
			event.EstimatedDelivery = in.tracking.EstimatedDelivery
		}
		if _, err := s.events.Append(txCtx, event); err != nil {
			return s.mapRepositoryError(err)
		}

		applyStatus(&order, in.target, in.description, now)
		return s.save(txCtx, &order, now, &result, &changed)
	})
	if err != nil {
		return Order{}, err
	}
	if !changed {
		s.recordTransition(ctx, previous, in.target, in.role, transitionNoop)
		return result, nil
	}

	s.recordTransition(ctx, previous, result.Status, in.role, transitionApplied)
	s.afterCommit(ctx, result, OrderEvent{
		Type:           domain.OrderEventStatusChanged,
		OrderID:        result.ID,
		BuyerID:        result.BuyerID,
		PreviousStatus: previous,
		Status:         result.Status,
		PaymentStatus:  result.PaymentStatus,
		ActorRole:      in.role,
		ActorID:        in.actorID,
		OccurredAt:     now,
	})
	return result, nil
}

// applyStatus moves the order to target and applies the payment side effects of that move.
func applyStatus(order *Order, target OrderStatus, description string, now time.Time) {
	order.Status = target
	switch target {
	case domain.OrderStatusDelivered:
		delivered := now
		order.DeliveredAt = &delivered
		if order.PaymentMethod == domain.PaymentMethodCOD && order.PaymentStatus == domain.PaymentStatusPending {
			order.PaymentStatus = domain.PaymentStatusPaid
		}
	case domain.OrderStatusCancelled:
		order.CancelReason = nil
		if description != "" {
			reason := description
			order.CancelReason = &reason
		}
	case domain.OrderStatusRefunded:
		if order.PaymentStatus == domain.PaymentStatusPaid {
			order.PaymentStatus = domain.PaymentStatusRefunded
		}
	}
}

func (s *orderService) save(ctx context.Context, order *Order, now time.Time, result *Order, changed *bool) error {
	order.UpdatedAt = now
	order.Version++
	if err := s.orders.Update(ctx, *order); err != nil {
		return s.mapRepositoryError(err)
	}
	*result = *order
	*changed = true
	return nil
}

// withRetry runs fn in a transaction and repeats it once when the commit loses a race.
func (s *orderService) withRetry(ctx context.Context, fn func(context.Context) error) error {
	err := s.runInTx(ctx, fn)
	if !errors.Is(err, ErrOrderConcurrentModification) {
		return err
	}
	s.logger(ctx, "order.tx.retry", map[string]any{"error": err.Error()})
	return s.runInTx(ctx, fn)
}

func (s *orderService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	return s.mapRepositoryError(s.unitOfWork.RunInTx(ctx, fn))
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{
		ErrOrderValidation, ErrOrderNotFound, ErrOrderIllegalTransition,
		ErrOrderConcurrentModification, ErrOrderUnavailable,
	} {
		if errors.Is(err, sentinel) {
			return err
		}
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConcurrentModification, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
		}
	}
	return err
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) recordTransition(ctx context.Context, from, to OrderStatus, role ActorRole, outcome string) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordTransition(ctx, from, to, role, outcome)
}

// afterCommit publishes the event and archives terminal timelines off the request path.
func (s *orderService) afterCommit(ctx context.Context, order Order, event OrderEvent) {
	archive := s.archiver != nil && order.Status.IsTerminal() && event.PreviousStatus != order.Status
	if s.publisher == nil && !archive {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger(ctx, "order.notify.skipped", map[string]any{
			"orderId": order.ID,
			"type":    string(event.Type),
		})
		return
	}
	s.inflight.Add(1)
	s.mu.Unlock()

	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.notifyTimeout)
	go func() {
		defer s.inflight.Done()
		defer cancel()

		if s.publisher != nil {
			if err := s.publisher.PublishOrderEvent(notifyCtx, event); err != nil {
				s.logger(notifyCtx, "order.event.publish.failed", map[string]any{
					"type":    string(event.Type),
					"orderId": event.OrderID,
					"status":  string(event.Status),
					"error":   err.Error(),
				})
			}
		}
		if archive {
			s.archiveTimeline(notifyCtx, order)
		}
	}()
}

func (s *orderService) archiveTimeline(ctx context.Context, order Order) {
	events, err := s.events.ListByOrder(ctx, order.ID)
	if err == nil {
		err = s.archiver.ArchiveTimeline(ctx, order, s.timeline.Build(order, events, ""))
	}
	if err != nil {
		s.logger(ctx, "order.timeline.archive.failed", map[string]any{
			"orderId": order.ID,
			"status":  string(order.Status),
			"error":   err.Error(),
		})
	}
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func cleanText(field, raw string, limit int) (string, error) {
	cleaned := textutil.PlainText(raw)
	if textutil.ExceedsRunes(cleaned, limit) {
		return "", fmt.Errorf("%w: %s exceeds %d characters", ErrOrderValidation, field, limit)
	}
	return cleaned, nil
}

func cleanOptional(field string, raw *string, limit int) (*string, error) {
	cleaned := textutil.PlainTextPtr(raw)
	if cleaned != nil && textutil.ExceedsRunes(*cleaned, limit) {
		return nil, fmt.Errorf("%w: %s exceeds %d characters", ErrOrderValidation, field, limit)
	}
	return cleaned, nil
}

func cleanTracking(details *TrackingDetails) (*TrackingDetails, error) {
	if details == nil {
		return nil, nil
	}
	carrier, err := cleanOptional("carrier", details.Carrier, maxCarrierLength)
	if err != nil {
		return nil, err
	}
	number, err := cleanOptional("trackingNumber", details.TrackingNumber, maxTrackingNumberLength)
	if err != nil {
		return nil, err
	}
	location, err := cleanOptional("lastLocation", details.LastLocation, maxLocationLength)
	if err != nil {
		return nil, err
	}
	cleaned := &TrackingDetails{
		Carrier:        carrier,
		TrackingNumber: number,
		LastLocation:   location,
	}
	if details.EstimatedDelivery != nil && !details.EstimatedDelivery.IsZero() {
		eta := details.EstimatedDelivery.UTC()
		cleaned.EstimatedDelivery = &eta
	}
	return cleaned, nil
}
