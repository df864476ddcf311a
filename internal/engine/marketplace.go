package engine

import (
	"context"
	"math"
	"strconv"

	"karmaline/internal/domain"
	"karmaline/internal/events"
	"karmaline/internal/repo"
)

// CreateService publishes a provider's offering.
func (e *Engine) CreateService(ctx context.Context, provider, title, description string, pricePerHour int64, skillIDs []int64) (domain.Service, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var s domain.Service
	if err := e.Access.RequireRunning(ctx); err != nil {
		return s, err
	}
	if title == "" {
		return s, validationf("service title required")
	}
	if pricePerHour <= 0 {
		return s, validationf("price per hour must be positive")
	}
	for _, id := range skillIDs {
		if _, err := e.Repo.GetSkill(ctx, id); err != nil {
			if err == repo.ErrNotFound {
				return s, NotFoundError{Kind: "skill", ID: strconv.FormatInt(id, 10)}
			}
			return s, err
		}
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()

	s = domain.Service{
		Provider:     provider,
		Title:        title,
		Description:  description,
		PricePerHour: pricePerHour,
		SkillIDs:     skillIDs,
		IsActive:     true,
		CreatedAt:    e.now(),
	}
	s.ID, err = e.Repo.InsertService(ctx, tx, s)
	if err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, "service.created", "service", strconv.FormatInt(s.ID, 10), provider, events.EventPayload{
		"title": title, "price_per_hour": pricePerHour,
	}); err != nil {
		return s, err
	}
	return s, tx.Commit()
}

// UpdateService replaces the mutable fields of a service. Provider only.
func (e *Engine) UpdateService(ctx context.Context, caller string, serviceID int64, title, description string, pricePerHour int64, skillIDs []int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.Access.RequireRunning(ctx); err != nil {
		return err
	}
	if title == "" {
		return validationf("service title required")
	}
	if pricePerHour <= 0 {
		return validationf("price per hour must be positive")
	}
	s, err := e.Repo.GetService(ctx, serviceID)
	if err != nil {
		if err == repo.ErrNotFound {
			return NotFoundError{Kind: "service", ID: strconv.FormatInt(serviceID, 10)}
		}
		return err
	}
	if caller != s.Provider {
		return forbiddenf("only provider %s may update service %d", s.Provider, serviceID)
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	s.Title = title
	s.Description = description
	s.PricePerHour = pricePerHour
	s.SkillIDs = skillIDs
	if err := e.Repo.UpdateService(ctx, tx, s); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "service.updated", "service", strconv.FormatInt(serviceID, 10), caller, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// ToggleServiceStatus flips a service between active and inactive.
// Provider only. Inactive services cannot take new orders.
func (e *Engine) ToggleServiceStatus(ctx context.Context, caller string, serviceID int64) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.Access.RequireRunning(ctx); err != nil {
		return false, err
	}
	s, err := e.Repo.GetService(ctx, serviceID)
	if err != nil {
		if err == repo.ErrNotFound {
			return false, NotFoundError{Kind: "service", ID: strconv.FormatInt(serviceID, 10)}
		}
		return false, err
	}
	if caller != s.Provider {
		return false, forbiddenf("only provider %s may toggle service %d", s.Provider, serviceID)
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	next := !s.IsActive
	if err := e.Repo.SetServiceActive(ctx, tx, serviceID, next); err != nil {
		return false, err
	}
	evt := "service.deactivated"
	if next {
		evt = "service.activated"
	}
	if err := e.Events.Append(ctx, tx, evt, "service", strconv.FormatInt(serviceID, 10), caller, nil); err != nil {
		return false, err
	}
	return next, tx.Commit()
}

// CreateOrder opens an order against an active service and pulls the full
// price from the client into escrow via an allowance the client granted the
// escrow account beforehand. If the pull fails, no order exists.
func (e *Engine) CreateOrder(ctx context.Context, client string, serviceID, numHours int64, description string) (domain.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var o domain.Order
	if err := e.Access.RequireRunning(ctx); err != nil {
		return o, err
	}
	if numHours <= 0 {
		return o, validationf("hours must be positive")
	}
	s, err := e.Repo.GetService(ctx, serviceID)
	if err != nil {
		if err == repo.ErrNotFound {
			return o, NotFoundError{Kind: "service", ID: strconv.FormatInt(serviceID, 10)}
		}
		return o, err
	}
	if !s.IsActive {
		return o, statef("service %d is inactive", serviceID)
	}
	if s.PricePerHour != 0 && numHours > math.MaxInt64/s.PricePerHour {
		return o, SystemError{Msg: "order price overflow"}
	}
	totalPrice := s.PricePerHour * numHours

	tx, err := e.begin(ctx)
	if err != nil {
		return o, err
	}
	defer tx.Rollback()

	escrow := e.Config.Token.Escrow
	if err := e.spendAllowance(ctx, tx, client, escrow, totalPrice); err != nil {
		return o, err
	}
	if err := e.moveTokens(ctx, tx, client, escrow, totalPrice); err != nil {
		return o, err
	}

	o = domain.Order{
		ServiceID:   serviceID,
		Client:      client,
		Provider:    s.Provider,
		NumHours:    numHours,
		TotalPrice:  totalPrice,
		Description: description,
		Status:      domain.OrderCreated,
		CreatedAt:   e.now(),
	}
	o.ID, err = e.Repo.InsertOrder(ctx, tx, o)
	if err != nil {
		return o, err
	}
	if err := e.Events.Append(ctx, tx, "order.created", "order", strconv.FormatInt(o.ID, 10), client, events.EventPayload{
		"service_id": serviceID, "total_price": totalPrice, "hours": numHours,
	}); err != nil {
		return o, err
	}
	return o, tx.Commit()
}

// AcceptOrder moves a created order to accepted. Provider only.
func (e *Engine) AcceptOrder(ctx context.Context, caller string, orderID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.Access.RequireRunning(ctx); err != nil {
		return err
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	o, err := e.Repo.GetOrderTx(ctx, tx, orderID)
	if err != nil {
		if err == repo.ErrNotFound {
			return NotFoundError{Kind: "order", ID: strconv.FormatInt(orderID, 10)}
		}
		return err
	}
	if caller != o.Provider {
		return forbiddenf("only provider %s may accept order %d", o.Provider, orderID)
	}
	if o.Status != domain.OrderCreated {
		return statef("order %d is %s, not created", orderID, o.Status)
	}

	if err := e.Repo.SetOrderStatus(ctx, tx, orderID, domain.OrderAccepted, ""); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "order.accepted", "order", strconv.FormatInt(orderID, 10), caller, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// CompleteOrder confirms delivery of an accepted order. Client only. The
// escrowed price splits into the platform fee, paid to the fee collector,
// and the remainder, paid to the provider.
func (e *Engine) CompleteOrder(ctx context.Context, caller string, orderID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.Access.RequireRunning(ctx); err != nil {
		return err
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	o, err := e.Repo.GetOrderTx(ctx, tx, orderID)
	if err != nil {
		if err == repo.ErrNotFound {
			return NotFoundError{Kind: "order", ID: strconv.FormatInt(orderID, 10)}
		}
		return err
	}
	if caller != o.Client {
		return forbiddenf("only client %s may complete order %d", o.Client, orderID)
	}
	if o.Status != domain.OrderAccepted {
		return statef("order %d is %s, not accepted", orderID, o.Status)
	}

	feeBps, err := e.Repo.PlatformFeeBpsTx(ctx, tx)
	if err != nil {
		return err
	}
	platformFee, err := feeAmount(o.TotalPrice, feeBps)
	if err != nil {
		return err
	}
	escrow := e.Config.Token.Escrow
	if platformFee > 0 {
		if err := e.moveTokens(ctx, tx, escrow, e.Config.Escrow.FeeCollector, platformFee); err != nil {
			return err
		}
	}
	if o.TotalPrice-platformFee > 0 {
		if err := e.moveTokens(ctx, tx, escrow, o.Provider, o.TotalPrice-platformFee); err != nil {
			return err
		}
	}
	if err := e.Repo.SetOrderStatus(ctx, tx, orderID, domain.OrderCompleted, e.now()); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "order.completed", "order", strconv.FormatInt(orderID, 10), caller, events.EventPayload{
		"provider_amount": o.TotalPrice - platformFee, "platform_fee": platformFee,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// CancelOrder aborts a created order before acceptance and refunds the
// full escrowed price to the client. Client or provider.
func (e *Engine) CancelOrder(ctx context.Context, caller string, orderID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.Access.RequireRunning(ctx); err != nil {
		return err
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	o, err := e.Repo.GetOrderTx(ctx, tx, orderID)
	if err != nil {
		if err == repo.ErrNotFound {
			return NotFoundError{Kind: "order", ID: strconv.FormatInt(orderID, 10)}
		}
		return err
	}
	if caller != o.Client && caller != o.Provider {
		return forbiddenf("only the client or the provider may cancel order %d", orderID)
	}
	if o.Status != domain.OrderCreated {
		return statef("order %d is %s, not created", orderID, o.Status)
	}

	if err := e.moveTokens(ctx, tx, e.Config.Token.Escrow, o.Client, o.TotalPrice); err != nil {
		return err
	}
	if err := e.Repo.SetOrderStatus(ctx, tx, orderID, domain.OrderCancelled, ""); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "order.cancelled", "order", strconv.FormatInt(orderID, 10), caller, events.EventPayload{
		"refund": o.TotalPrice,
	}); err != nil {
		return err
	}
	return tx.Commit()
}
