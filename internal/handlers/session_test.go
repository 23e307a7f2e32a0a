package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"comm-server/internal/middleware"
	"comm-server/internal/mocks"
	"comm-server/internal/models"
	"comm-server/internal/session"
)

func setupSessionRouter(handler *SessionHandler, userID int64) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(middleware.UserIDKey, userID)
		c.Next()
	})
	r.POST("/sessions", handler.CreateSession)
	r.GET("/sessions/:session_id/poll", handler.Poll)
	r.POST("/sessions/:session_id/ack", handler.Ack)
	r.POST("/sessions/:session_id/heartbeat", handler.Heartbeat)
	r.DELETE("/sessions/:session_id", handler.CloseSession)
	return r
}

func createPollSession(t *testing.T, router *gin.Engine) models.Session {
	t.Helper()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sessions", nil))
	require.Equal(t, http.StatusCreated, rec.Code)

	var body struct {
		Session models.Session `json:"session"`
		Pending int            `json:"pending"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Session
}

func TestLongPollSessionFlow(t *testing.T) {
	registry := session.NewRegistry(time.Hour, zerolog.Nop())
	delivery := new(mocks.DeliveryMock)
	dir := new(mocks.DirectoryMock)
	handler := NewSessionHandler(registry, delivery, dir, SessionOptions{MaxWait: 20 * time.Millisecond})
	router := setupSessionRouter(handler, 1)

	dir.On("TouchLogin", mock.Anything, int64(1), mock.Anything).Return(nil)
	delivery.On("Attach", mock.Anything, mock.Anything).Return(0, nil).Once()
	s := createPollSession(t, router)
	assert.Equal(t, "longpoll", s.Transport)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/"+s.ID+"/poll", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"frames":[]}`, rec.Body.String())

	conn, _, ok := registry.Attachment(s.ID)
	require.True(t, ok)
	require.NoError(t, conn.Push(context.Background(), []byte(`{"type":"message","message":{"id":"m1"}}`)))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/"+s.ID+"/poll", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"frames":[{"type":"message","message":{"id":"m1"}}]}`, rec.Body.String())

	delivery.On("Ack", mock.Anything, s.ID, "m1").Return(nil).Once()
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sessions/"+s.ID+"/ack", bytes.NewBufferString(`{"message_ids":["m1"]}`)))
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sessions/"+s.ID+"/heartbeat", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/sessions/"+s.ID, nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	_, ok = registry.Get(s.ID)
	assert.False(t, ok)
	delivery.AssertExpectations(t)
}

func TestSessionsAreOwnedByTheirUser(t *testing.T) {
	registry := session.NewRegistry(time.Hour, zerolog.Nop())
	delivery := new(mocks.DeliveryMock)
	dir := new(mocks.DirectoryMock)
	dir.On("TouchLogin", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	delivery.On("Attach", mock.Anything, mock.Anything).Return(2, nil).Once()

	owner := setupSessionRouter(NewSessionHandler(registry, delivery, dir, SessionOptions{}), 1)
	s := createPollSession(t, owner)

	intruder := setupSessionRouter(NewSessionHandler(registry, delivery, dir, SessionOptions{}), 2)
	rec := httptest.NewRecorder()
	intruder.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/sessions/"+s.ID, nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	_, ok := registry.Get(s.ID)
	assert.True(t, ok)
}
