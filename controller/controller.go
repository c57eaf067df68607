package controller

import (
	"context"
	"errors"
	"time"

	"courier-service/apperror"
	"courier-service/messenger"
	"courier-service/middleware"
	"courier-service/model"
	"courier-service/utils"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// Controller holds the REST handlers. Caller identity always comes from
// the session set by the JWT and OTP middleware.
type Controller struct {
	messenger  *messenger.Service
	authorizer *utils.Authorizer
	validate   *validator.Validate
	timeout    time.Duration
	log        *zap.Logger
}

func New(svc *messenger.Service, authorizer *utils.Authorizer, timeout time.Duration, log *zap.Logger) *Controller {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Controller{
		messenger:  svc,
		authorizer: authorizer,
		validate:   validator.New(),
		timeout:    timeout,
		log:        log.Named("controller"),
	}
}

func (h *Controller) context(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), h.timeout)
}

func success(c *fiber.Ctx, data any) error {
	return c.JSON(fiber.Map{
		"status":  "success",
		"message": nil,
		"data":    data,
	})
}

func (h *Controller) fail(c *fiber.Ctx, err error) error {
	status, message := fiber.StatusInternalServerError, "Internal server error"
	switch {
	case errors.Is(err, apperror.ErrUnauthenticated):
		status, message = fiber.StatusUnauthorized, "Unauthenticated"
	case errors.Is(err, apperror.ErrForbidden):
		status, message = fiber.StatusForbidden, "Forbidden"
	case errors.Is(err, apperror.ErrNotFound):
		status, message = fiber.StatusNotFound, "Not found"
	case errors.Is(err, apperror.ErrInvalidInput):
		status, message = fiber.StatusBadRequest, "Review your input"
	case errors.Is(err, context.DeadlineExceeded):
		status, message = fiber.StatusGatewayTimeout, "Request timed out"
	default:
		h.log.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
	}
	return c.Status(status).JSON(fiber.Map{
		"status":  "error",
		"message": message,
		"data":    nil,
	})
}

func (h *Controller) parse(c *fiber.Ctx, in any) error {
	if err := c.BodyParser(in); err != nil {
		return apperror.ErrInvalidInput
	}
	if err := h.validate.Struct(in); err != nil {
		return apperror.ErrInvalidInput
	}
	return nil
}

func queryRef(c *fiber.Ctx, key string) (model.EntityRef, error) {
	ref, err := model.ParseEntityRef(c.Query(key))
	if err != nil {
		return model.EntityRef{}, errors.Join(apperror.ErrInvalidInput, err)
	}
	return ref, nil
}

func caller(c *fiber.Ctx) (string, error) {
	s := middleware.Session(c)
	if s == nil || s.Id == "" {
		return "", apperror.ErrUnauthenticated
	}
	return s.Id, nil
}
