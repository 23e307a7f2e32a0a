package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"comm-server/internal/models"
)

type UserStore interface {
	CreateUser(ctx context.Context, user models.User) (models.User, error)
	GetUser(ctx context.Context, userID int64) (models.User, error)
	UpdateDisplayName(ctx context.Context, userID int64, displayName string) (models.User, error)
}

type PresenceReader interface {
	Status(userID int64) models.PresenceStatus
}

// UserHandler serves the user directory.
type UserHandler struct {
	users    UserStore
	presence PresenceReader
}

// NewUserHandler constructs a UserHandler.
func NewUserHandler(users UserStore, presence PresenceReader) *UserHandler {
	return &UserHandler{users: users, presence: presence}
}

// CreateUser handles POST /users.
func (h *UserHandler) CreateUser(c *gin.Context) {
	var req struct {
		Username    string `json:"username" binding:"required,min=3,max=32,alphanum"`
		Email       string `json:"email" binding:"omitempty,email"`
		DisplayName string `json:"display_name" binding:"max=64"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.DisplayName == "" {
		req.DisplayName = req.Username
	}

	user, err := h.users.CreateUser(c.Request.Context(), models.User{Username: req.Username, Email: req.Email, DisplayName: req.DisplayName})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, user)
}

// GetUser handles GET /users/:user_id.
func (h *UserHandler) GetUser(c *gin.Context) {
	userID, ok := parseIDParam(c, "user_id")
	if !ok {
		return
	}
	user, err := h.users.GetUser(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

// UpdateMe handles PATCH /users/me.
func (h *UserHandler) UpdateMe(c *gin.Context) {
	var req struct {
		DisplayName string `json:"display_name" binding:"required,max=64"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, err := h.users.UpdateDisplayName(c.Request.Context(), currentUser(c), req.DisplayName)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

// GetPresence handles GET /users/:user_id/presence.
func (h *UserHandler) GetPresence(c *gin.Context) {
	userID, ok := parseIDParam(c, "user_id")
	if !ok {
		return
	}
	if _, err := h.users.GetUser(c.Request.Context(), userID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "status": h.presence.Status(userID)})
}
