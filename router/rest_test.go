package router

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"courier-service/broker"
	"courier-service/controller"
	"courier-service/database"
	"courier-service/directory"
	"courier-service/messenger"
	"courier-service/model"
	"courier-service/store"
	"courier-service/utils"

	"github.com/casbin/casbin/v2"
	"github.com/glebarez/sqlite"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	sessionKey    = "session-key"
	capabilityKey = "capability-key"
)

type envelope struct {
	Status  string          `json:"status"`
	Message *string         `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type testApp struct {
	app        *fiber.App
	enforcer   *casbin.Enforcer
	authorizer *utils.Authorizer
}

func newTestApp(t *testing.T) testApp {
	t.Helper()
	db, err := gorm.Open(
		sqlite.Open(filepath.Join(t.TempDir(), "rest.db")+"?_pragma=busy_timeout(5000)"),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)},
	)
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	enforcer, err := database.Casbin(db)
	require.NoError(t, err)

	registry := prometheus.NewRegistry()
	b := broker.NewMemory(256, broker.NewMetrics(registry))
	t.Cleanup(func() { _ = b.Close() })

	svc := messenger.New(messenger.Deps{
		Conversations: store.NewConversations(db, 50),
		Notifications: store.NewNotifications(db, 20),
		Directory: directory.NewStatic(
			model.EntityOwner{Kind: model.KindProfile, ID: "1", OwnerUserID: "u-alice", DisplayName: "Alice"},
			model.EntityOwner{Kind: model.KindProfile, ID: "2", OwnerUserID: "u-bob", DisplayName: "Bob"},
		),
		Broker: b,
		Log:    zap.NewNop(),
	})
	authorizer := utils.NewAuthorizer(capabilityKey, time.Minute)

	app := fiber.New(fiber.Config{DisableStartupMessage: true, StrictRouting: true})
	Rest(app, controller.New(svc, authorizer, 5*time.Second, zap.NewNop()), RestOptions{
		JWTAccessKey: sessionKey,
		Enforcer:     enforcer,
		Metrics:      registry,
	})
	return testApp{app: app, enforcer: enforcer, authorizer: authorizer}
}

func session(t *testing.T, userID string, otp bool) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{
		"id":  userID,
		"otp": otp,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(sessionKey))
	require.NoError(t, err)
	return token
}

func (a testApp) do(t *testing.T, method, target, token string, body any) (int, envelope) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := a.app.Test(req, -1)
	require.NoError(t, err)
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	var out envelope
	if len(raw) > 0 && res.Header.Get("Content-Type") == fiber.MIMEApplicationJSON {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return res.StatusCode, out
}

func TestRestRequiresSession(t *testing.T) {
	a := newTestApp(t)

	status, body := a.do(t, http.MethodGet, "/v1/notifications", "", nil)
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, "error", body.Status)

	status, _ = a.do(t, http.MethodGet, "/v1/realtime/token", "not-a-jwt", nil)
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestRestRefusesPendingSecondFactor(t *testing.T) {
	a := newTestApp(t)

	status, body := a.do(t, http.MethodGet, "/v1/realtime/token", session(t, "u-alice", true), nil)
	require.Equal(t, http.StatusUnauthorized, status)
	require.NotNil(t, body.Message)
	require.Equal(t, "2FA required", *body.Message)
}

func TestRestIssuesCapabilityToken(t *testing.T) {
	require := require.New(t)
	a := newTestApp(t)

	status, body := a.do(t, http.MethodGet, "/v1/realtime/token", session(t, "u-alice", false), nil)
	require.Equal(http.StatusOK, status)
	require.Equal("success", body.Status)

	var data struct {
		CapabilityToken string `json:"capabilityToken"`
	}
	require.NoError(json.Unmarshal(body.Data, &data))

	token, err := a.authorizer.Verify(data.CapabilityToken)
	require.NoError(err)
	require.Equal("u-alice", token.SubjectID)
	require.True(token.Allows(broker.NotificationsChannel("u-alice"), utils.OpSubscribe))
	require.False(token.Allows(broker.NotificationsChannel("u-bob"), utils.OpSubscribe))
}

func TestRestConversationFlow(t *testing.T) {
	require := require.New(t)
	a := newTestApp(t)
	aliceToken := session(t, "u-alice", false)
	bobToken := session(t, "u-bob", false)

	status, body := a.do(t, http.MethodPost, "/v1/conversations/messages", aliceToken, fiber.Map{
		"as":   fiber.Map{"kind": "profile", "id": "1"},
		"to":   fiber.Map{"kind": "profile", "id": "2"},
		"text": "hello",
	})
	require.Equal(http.StatusCreated, status, string(body.Data))
	var sent model.Message
	require.NoError(json.Unmarshal(body.Data, &sent))
	require.Equal(model.StatusSent, sent.Status)

	status, body = a.do(t, http.MethodGet, "/v1/conversations?as=profile:2", bobToken, nil)
	require.Equal(http.StatusOK, status)
	var summaries []model.ConversationSummary
	require.NoError(json.Unmarshal(body.Data, &summaries))
	require.Len(summaries, 1)
	require.EqualValues(1, summaries[0].UnreadCount)
	require.Equal(model.EntityRef{Kind: model.KindProfile, ID: "1"}, summaries[0].Counterpart)

	status, body = a.do(t, http.MethodGet, "/v1/notifications", bobToken, nil)
	require.Equal(http.StatusOK, status)
	var page model.NotificationPage
	require.NoError(json.Unmarshal(body.Data, &page))
	require.EqualValues(1, page.UnreadCount)
	require.Equal("Alice sent you a message", page.Items[0].Message)

	status, _ = a.do(t, http.MethodPost, "/v1/conversations/read", bobToken, fiber.Map{
		"as":   fiber.Map{"kind": "profile", "id": "2"},
		"with": fiber.Map{"kind": "profile", "id": "1"},
	})
	require.Equal(http.StatusOK, status)

	status, body = a.do(t, http.MethodGet, "/v1/conversations/messages?as=profile:1&with=profile:2", aliceToken, nil)
	require.Equal(http.StatusOK, status)
	var messages model.MessagePage
	require.NoError(json.Unmarshal(body.Data, &messages))
	require.Len(messages.Items, 1)
	require.Equal(model.StatusRead, messages.Items[0].Status)

	status, body = a.do(t, http.MethodPost, "/v1/messages/"+itoa(sent.ID)+"/reactions", bobToken, fiber.Map{"emoji": "👍"})
	require.Equal(http.StatusOK, status)
	var reacted model.Message
	require.NoError(json.Unmarshal(body.Data, &reacted))
	require.Len(reacted.Reactions, 1)

	status, _ = a.do(t, http.MethodDelete, "/v1/conversations?as=profile:1&with=profile:2", aliceToken, nil)
	require.Equal(http.StatusOK, status)

	status, body = a.do(t, http.MethodGet, "/v1/conversations?as=profile:2", bobToken, nil)
	require.Equal(http.StatusOK, status)
	require.NoError(json.Unmarshal(body.Data, &summaries))
	require.Empty(summaries)
}

func TestRestMapsDomainErrors(t *testing.T) {
	a := newTestApp(t)
	bobToken := session(t, "u-bob", false)

	status, body := a.do(t, http.MethodPost, "/v1/conversations/messages", bobToken, fiber.Map{
		"as":   fiber.Map{"kind": "profile", "id": "1"},
		"to":   fiber.Map{"kind": "profile", "id": "2"},
		"text": "pretending to be alice",
	})
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, "error", body.Status)
	require.Equal(t, "Forbidden", *body.Message)

	status, _ = a.do(t, http.MethodGet, "/v1/conversations?as=bogus", bobToken, nil)
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = a.do(t, http.MethodPost, "/v1/notifications/999/read", bobToken, nil)
	require.Equal(t, http.StatusNotFound, status)

	status, _ = a.do(t, http.MethodPost, "/v1/conversations/messages", bobToken, fiber.Map{
		"as": fiber.Map{"kind": "profile", "id": "2"},
		"to": fiber.Map{"kind": "profile", "id": "1"},
	})
	require.Equal(t, http.StatusBadRequest, status)
}

func TestRestAdminRoutesEnforcePolicy(t *testing.T) {
	require := require.New(t)
	a := newTestApp(t)

	status, _ := a.do(t, http.MethodPost, "/v1/conversations/messages", session(t, "u-alice", false), fiber.Map{
		"as":   fiber.Map{"kind": "profile", "id": "1"},
		"to":   fiber.Map{"kind": "profile", "id": "2"},
		"text": "hi",
	})
	require.Equal(http.StatusCreated, status)

	status, _ = a.do(t, http.MethodDelete, "/v1/admin/users/u-bob/notifications", session(t, "u-alice", false), nil)
	require.Equal(http.StatusForbidden, status)

	_, err := a.enforcer.AddGroupingPolicy("u-admin", database.AdminRole)
	require.NoError(err)

	status, body := a.do(t, http.MethodDelete, "/v1/admin/users/u-bob/notifications", session(t, "u-admin", false), nil)
	require.Equal(http.StatusOK, status)
	var data struct {
		Deleted int64 `json:"deleted"`
	}
	require.NoError(json.Unmarshal(body.Data, &data))
	require.EqualValues(1, data.Deleted)
}

func TestRestHealthAndMetrics(t *testing.T) {
	a := newTestApp(t)

	status, body := a.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "success", body.Status)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	res, err := a.app.Test(req, -1)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
}

func itoa(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
