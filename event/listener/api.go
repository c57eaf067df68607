package listener

import (
	"context"
	"encoding/json"
	"fmt"

	"courier-service/apperror"
	"courier-service/event"
	"courier-service/messenger"
	"courier-service/model"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// Actions consumed from the api queue.
const (
	ActionApplicationSubmitted     = "application.submitted"
	ActionApplicationStatusChanged = "application.status_changed"
	ActionUserDeleted              = "user.deleted"
)

type ApplicationSubmitted struct {
	RecipientID   string `json:"recipientId" validate:"required"`
	ApplicationID string `json:"applicationId" validate:"required"`
	ApplicantName string `json:"applicantName" validate:"required"`
	PostingTitle  string `json:"postingTitle" validate:"required"`
}

type ApplicationStatusChanged struct {
	RecipientID   string `json:"recipientId" validate:"required"`
	ApplicationID string `json:"applicationId" validate:"required"`
	PostingTitle  string `json:"postingTitle" validate:"required"`
	Status        string `json:"status" validate:"required"`
}

type UserDeleted struct {
	UserID string `json:"userId" validate:"required"`
}

// Api turns api queue events into notifications.
type Api struct {
	Channel chan event.EventChannelData

	notifications *messenger.Notifications
	validate      *validator.Validate
	log           *zap.Logger
}

func NewApi(notifications *messenger.Notifications, log *zap.Logger) *Api {
	return &Api{
		Channel:       make(chan event.EventChannelData),
		notifications: notifications,
		validate:      validator.New(),
		log:           log.Named("listener.api"),
	}
}

// Run handles events until ctx is done. A failing event is logged and
// skipped.
func (a *Api) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.Channel:
			if err := a.Handle(ctx, ev); err != nil {
				a.log.Warn("event handling failed", zap.String("action", ev.Action), zap.Error(err))
			}
		}
	}
}

func (a *Api) Handle(ctx context.Context, ev event.EventChannelData) error {
	ctx = event.WithOut(ctx, ev.Out)

	switch ev.Action {
	case ActionApplicationSubmitted:
		var in ApplicationSubmitted
		if err := a.decode(ev.Data, &in); err != nil {
			return err
		}
		_, err := a.notifications.Create(ctx, in.RecipientID, model.NotificationApplicationSubmitted,
			fmt.Sprintf("%s applied to %s", in.ApplicantName, in.PostingTitle),
			&model.RelatedEntity{ID: in.ApplicationID, Type: "application"})
		return err

	case ActionApplicationStatusChanged:
		var in ApplicationStatusChanged
		if err := a.decode(ev.Data, &in); err != nil {
			return err
		}
		_, err := a.notifications.Create(ctx, in.RecipientID, model.NotificationApplicationStatusChanged,
			fmt.Sprintf("Your application to %s is now %s", in.PostingTitle, in.Status),
			&model.RelatedEntity{ID: in.ApplicationID, Type: "application"})
		return err

	case ActionUserDeleted:
		var in UserDeleted
		if err := a.decode(ev.Data, &in); err != nil {
			return err
		}
		_, err := a.notifications.DeleteForRecipient(ctx, in.UserID)
		return err
	}

	a.log.Debug("ignoring event", zap.String("action", ev.Action))
	return nil
}

func (a *Api) decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode event: %w: %w", apperror.ErrInvalidInput, err)
	}
	if err := a.validate.Struct(v); err != nil {
		return fmt.Errorf("validate event: %w: %w", apperror.ErrInvalidInput, err)
	}
	return nil
}
