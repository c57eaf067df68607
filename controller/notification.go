package controller

import (
	"courier-service/apperror"

	"github.com/gofiber/fiber/v2"
)

func (h *Controller) ListNotifications(c *fiber.Ctx) error {
	userID, err := caller(c)
	if err != nil {
		return h.fail(c, err)
	}
	ctx, cancel := h.context(c)
	defer cancel()

	page, err := h.messenger.Notifications().List(ctx, userID, c.QueryInt("page", 1))
	if err != nil {
		return h.fail(c, err)
	}
	return success(c, page)
}

func (h *Controller) MarkNotificationRead(c *fiber.Ctx) error {
	userID, err := caller(c)
	if err != nil {
		return h.fail(c, err)
	}
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return h.fail(c, apperror.ErrInvalidInput)
	}
	ctx, cancel := h.context(c)
	defer cancel()

	if err := h.messenger.Notifications().MarkRead(ctx, userID, uint(id)); err != nil {
		return h.fail(c, err)
	}
	return success(c, nil)
}

func (h *Controller) MarkAllNotificationsRead(c *fiber.Ctx) error {
	userID, err := caller(c)
	if err != nil {
		return h.fail(c, err)
	}
	ctx, cancel := h.context(c)
	defer cancel()

	changed, err := h.messenger.Notifications().MarkAllRead(ctx, userID)
	if err != nil {
		return h.fail(c, err)
	}
	return success(c, fiber.Map{"updated": changed})
}

func (h *Controller) DeleteNotification(c *fiber.Ctx) error {
	userID, err := caller(c)
	if err != nil {
		return h.fail(c, err)
	}
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return h.fail(c, apperror.ErrInvalidInput)
	}
	ctx, cancel := h.context(c)
	defer cancel()

	if err := h.messenger.Notifications().Delete(ctx, userID, uint(id)); err != nil {
		return h.fail(c, err)
	}
	return success(c, nil)
}

// AdminDeleteUserNotifications removes every notification of the user in
// the path. Guarded by RBAC.
func (h *Controller) AdminDeleteUserNotifications(c *fiber.Ctx) error {
	userID := c.Params("id")
	if userID == "" {
		return h.fail(c, apperror.ErrInvalidInput)
	}
	ctx, cancel := h.context(c)
	defer cancel()

	deleted, err := h.messenger.Notifications().DeleteForRecipient(ctx, userID)
	if err != nil {
		return h.fail(c, err)
	}
	return success(c, fiber.Map{"deleted": deleted})
}
