package listener

import (
	"context"
	"path/filepath"
	"testing"

	"courier-service/apperror"
	"courier-service/broker"
	"courier-service/database"
	"courier-service/directory"
	"courier-service/event"
	"courier-service/messenger"
	"courier-service/model"
	"courier-service/store"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newApi(t *testing.T) (*Api, *messenger.Service) {
	t.Helper()
	db, err := gorm.Open(
		sqlite.Open(filepath.Join(t.TempDir(), "listener.db")+"?_pragma=busy_timeout(5000)"),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)},
	)
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	svc := messenger.New(messenger.Deps{
		Conversations: store.NewConversations(db, 50),
		Notifications: store.NewNotifications(db, 20),
		Directory:     directory.NewStatic(),
		Broker:        broker.NewMemory(16, nil),
		Log:           zap.NewNop(),
	})
	return NewApi(svc.Notifications(), zap.NewNop()), svc
}

func TestApi_ApplicationEventsCreateNotifications(t *testing.T) {
	req := require.New(t)
	api, svc := newApi(t)
	ctx := context.Background()

	req.NoError(api.Handle(ctx, event.EventChannelData{
		Action: ActionApplicationSubmitted,
		Data:   []byte(`{"recipientId":"u-owner","applicationId":"a1","applicantName":"Dana","postingTitle":"Barista"}`),
		Out:    event.EventChannelOutData{Send: true, Log: true},
	}))
	req.NoError(api.Handle(ctx, event.EventChannelData{
		Action: ActionApplicationStatusChanged,
		Data:   []byte(`{"recipientId":"u-dana","applicationId":"a1","postingTitle":"Barista","status":"accepted"}`),
	}))

	page, err := svc.Notifications().List(ctx, "u-owner", 1)
	req.NoError(err)
	req.Len(page.Items, 1)
	req.Equal(model.NotificationApplicationSubmitted, page.Items[0].Type)
	req.Equal("Dana applied to Barista", page.Items[0].Message)
	req.Equal(&model.RelatedEntity{ID: "a1", Type: "application"}, page.Items[0].RelatedEntity)

	page, err = svc.Notifications().List(ctx, "u-dana", 1)
	req.NoError(err)
	req.Len(page.Items, 1)
	req.Equal("Your application to Barista is now accepted", page.Items[0].Message)
}

func TestApi_UserDeletedDropsNotifications(t *testing.T) {
	req := require.New(t)
	api, svc := newApi(t)
	ctx := context.Background()

	_, err := svc.Notifications().Create(ctx, "u-gone", model.NotificationNewMessage, "hi", nil)
	req.NoError(err)

	req.NoError(api.Handle(ctx, event.EventChannelData{Action: ActionUserDeleted, Data: []byte(`{"userId":"u-gone"}`)}))
	page, err := svc.Notifications().List(ctx, "u-gone", 1)
	req.NoError(err)
	req.Empty(page.Items)
	req.Zero(page.UnreadCount)
}

func TestApi_RejectsInvalidPayloads(t *testing.T) {
	req := require.New(t)
	api, _ := newApi(t)
	ctx := context.Background()

	err := api.Handle(ctx, event.EventChannelData{Action: ActionUserDeleted, Data: []byte(`{}`)})
	req.ErrorIs(err, apperror.ErrInvalidInput)
	err = api.Handle(ctx, event.EventChannelData{Action: ActionApplicationSubmitted, Data: []byte(`nope`)})
	req.ErrorIs(err, apperror.ErrInvalidInput)

	req.NoError(api.Handle(ctx, event.EventChannelData{Action: "posting.archived", Data: []byte(`{}`)}))
}

func TestApi_RunStopsWithContext(t *testing.T) {
	api, svc := newApi(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		api.Run(ctx)
		close(done)
	}()

	api.Channel <- event.EventChannelData{Action: ActionUserDeleted, Data: []byte(`{"userId":"u1"}`)}
	cancel()
	<-done

	page, err := svc.Notifications().List(context.Background(), "u1", 1)
	require.NoError(t, err)
	require.Empty(t, page.Items)
}
