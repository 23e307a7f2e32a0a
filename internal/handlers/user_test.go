package handlers

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"comm-server/internal/apperrors"
	"comm-server/internal/middleware"
	"comm-server/internal/mocks"
	"comm-server/internal/models"
)

func setupUserRouter(handler *UserHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/users", handler.CreateUser)
	authed := r.Group("/", func(c *gin.Context) {
		c.Set(middleware.UserIDKey, int64(1))
		c.Next()
	})
	authed.GET("/users/:user_id", handler.GetUser)
	authed.PATCH("/users/me", handler.UpdateMe)
	authed.GET("/users/:user_id/presence", handler.GetPresence)
	return r
}

func TestCreateUserDefaultsDisplayName(t *testing.T) {
	dir := new(mocks.DirectoryMock)
	router := setupUserRouter(NewUserHandler(dir, new(mocks.PresenceMock)))
	dir.On("CreateUser", mock.Anything, models.User{Username: "alice", DisplayName: "alice"}).Return(models.User{ID: 1, Username: "alice", DisplayName: "alice"}, nil).Once()

	req := httptest.NewRequest(http.MethodPost, "/users", bytes.NewBufferString(`{"username":"alice"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	dir.AssertExpectations(t)
}

func TestCreateUserValidation(t *testing.T) {
	router := setupUserRouter(NewUserHandler(new(mocks.DirectoryMock), new(mocks.PresenceMock)))

	for _, body := range []string{`{}`, `{"username":"a"}`, `{"username":"alice","email":"nope"}`, `{"username":"bad name"}`} {
		req := httptest.NewRequest(http.MethodPost, "/users", bytes.NewBufferString(body))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestCreateUserDuplicate(t *testing.T) {
	dir := new(mocks.DirectoryMock)
	router := setupUserRouter(NewUserHandler(dir, new(mocks.PresenceMock)))
	dir.On("CreateUser", mock.Anything, mock.Anything).Return(nil, apperrors.Conflict(`username "alice" already taken`)).Once()

	req := httptest.NewRequest(http.MethodPost, "/users", bytes.NewBufferString(`{"username":"alice"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetUserUnavailableHidesDetail(t *testing.T) {
	dir := new(mocks.DirectoryMock)
	router := setupUserRouter(NewUserHandler(dir, new(mocks.PresenceMock)))
	dir.On("GetUser", mock.Anything, int64(2)).Return(nil, apperrors.Unavailable("get user", assert.AnError)).Once()

	req := httptest.NewRequest(http.MethodGet, "/users/2", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"error":"temporarily unavailable"}`, rec.Body.String())
}

func TestUpdateMe(t *testing.T) {
	dir := new(mocks.DirectoryMock)
	router := setupUserRouter(NewUserHandler(dir, new(mocks.PresenceMock)))
	dir.On("UpdateDisplayName", mock.Anything, int64(1), "Alice").Return(models.User{ID: 1, DisplayName: "Alice"}, nil).Once()

	req := httptest.NewRequest(http.MethodPatch, "/users/me", bytes.NewBufferString(`{"display_name":"Alice"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	dir.AssertExpectations(t)
}

func TestGetPresence(t *testing.T) {
	dir := new(mocks.DirectoryMock)
	presence := new(mocks.PresenceMock)
	router := setupUserRouter(NewUserHandler(dir, presence))
	dir.On("GetUser", mock.Anything, int64(2)).Return(models.User{ID: 2}, nil).Once()
	presence.On("Status", int64(2)).Return(models.PresenceAway).Once()

	req := httptest.NewRequest(http.MethodGet, "/users/2/presence", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"user_id":2,"status":"away"}`, rec.Body.String())
}
