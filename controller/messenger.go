package controller

import (
	"net/url"

	"courier-service/apperror"
	"courier-service/model"
	"courier-service/store"

	"github.com/gofiber/fiber/v2"
)

type SendMessageInput struct {
	As         model.EntityRef `json:"as"`
	To         model.EntityRef `json:"to"`
	Text       string          `json:"text" validate:"max=4000"`
	Attachment string          `json:"attachment" validate:"omitempty,url,max=2048"`
}

type ReadConversationInput struct {
	As   model.EntityRef `json:"as"`
	With model.EntityRef `json:"with"`
}

type ReactionInput struct {
	Emoji string `json:"emoji" validate:"required,max=32"`
}

func (h *Controller) RealtimeToken(c *fiber.Ctx) error {
	userID, err := caller(c)
	if err != nil {
		return h.fail(c, err)
	}
	token, err := h.authorizer.IssueToken(userID)
	if err != nil {
		return h.fail(c, err)
	}
	return success(c, fiber.Map{
		"capabilityToken": token.Token,
		"expiresAt":       token.ExpiresAt,
		"grants":          token.Grants,
	})
}

func (h *Controller) ListConversations(c *fiber.Ctx) error {
	userID, err := caller(c)
	if err != nil {
		return h.fail(c, err)
	}
	viewer, err := queryRef(c, "as")
	if err != nil {
		return h.fail(c, err)
	}
	ctx, cancel := h.context(c)
	defer cancel()

	conversations, err := h.messenger.ListConversations(ctx, userID, viewer)
	if err != nil {
		return h.fail(c, err)
	}
	return success(c, conversations)
}

func (h *Controller) ListMessages(c *fiber.Ctx) error {
	userID, err := caller(c)
	if err != nil {
		return h.fail(c, err)
	}
	viewer, err := queryRef(c, "as")
	if err != nil {
		return h.fail(c, err)
	}
	counterpart, err := queryRef(c, "with")
	if err != nil {
		return h.fail(c, err)
	}
	ctx, cancel := h.context(c)
	defer cancel()

	page, err := h.messenger.ListMessages(ctx, userID, viewer, counterpart, c.Query("cursor"), c.QueryInt("limit"))
	if err != nil {
		return h.fail(c, err)
	}
	return success(c, page)
}

func (h *Controller) SendMessage(c *fiber.Ctx) error {
	userID, err := caller(c)
	if err != nil {
		return h.fail(c, err)
	}
	in := new(SendMessageInput)
	if err := h.parse(c, in); err != nil {
		return h.fail(c, err)
	}
	ctx, cancel := h.context(c)
	defer cancel()

	message, err := h.messenger.SendMessage(ctx, userID, in.As, in.To, store.Body{Text: in.Text, Attachment: in.Attachment})
	if err != nil {
		return h.fail(c, err)
	}
	c.Status(fiber.StatusCreated)
	return success(c, message)
}

func (h *Controller) DeleteConversation(c *fiber.Ctx) error {
	userID, err := caller(c)
	if err != nil {
		return h.fail(c, err)
	}
	viewer, err := queryRef(c, "as")
	if err != nil {
		return h.fail(c, err)
	}
	counterpart, err := queryRef(c, "with")
	if err != nil {
		return h.fail(c, err)
	}
	ctx, cancel := h.context(c)
	defer cancel()

	if err := h.messenger.DeleteConversation(ctx, userID, viewer, counterpart); err != nil {
		return h.fail(c, err)
	}
	return success(c, fiber.Map{"conversationId": model.ConversationID(viewer, counterpart)})
}

func (h *Controller) MarkConversationRead(c *fiber.Ctx) error {
	userID, err := caller(c)
	if err != nil {
		return h.fail(c, err)
	}
	in := new(ReadConversationInput)
	if err := h.parse(c, in); err != nil {
		return h.fail(c, err)
	}
	ctx, cancel := h.context(c)
	defer cancel()

	receipt, err := h.messenger.MarkConversationRead(ctx, userID, in.As, in.With)
	if err != nil {
		return h.fail(c, err)
	}
	return success(c, receipt)
}

func (h *Controller) AddReaction(c *fiber.Ctx) error {
	userID, err := caller(c)
	if err != nil {
		return h.fail(c, err)
	}
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return h.fail(c, apperror.ErrInvalidInput)
	}
	in := new(ReactionInput)
	if err := h.parse(c, in); err != nil {
		return h.fail(c, err)
	}
	ctx, cancel := h.context(c)
	defer cancel()

	message, err := h.messenger.AddReaction(ctx, userID, uint(id), in.Emoji)
	if err != nil {
		return h.fail(c, err)
	}
	return success(c, message)
}

func (h *Controller) RemoveReaction(c *fiber.Ctx) error {
	userID, err := caller(c)
	if err != nil {
		return h.fail(c, err)
	}
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return h.fail(c, apperror.ErrInvalidInput)
	}
	emoji, err := url.PathUnescape(c.Params("emoji"))
	if err != nil || emoji == "" {
		return h.fail(c, apperror.ErrInvalidInput)
	}
	ctx, cancel := h.context(c)
	defer cancel()

	message, err := h.messenger.RemoveReaction(ctx, userID, uint(id), emoji)
	if err != nil {
		return h.fail(c, err)
	}
	return success(c, message)
}
