package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"comm-server/internal/apperrors"
	"comm-server/internal/models"
	"comm-server/internal/telemetry"
)

type GroupStore interface {
	CreateGroup(ctx context.Context, creatorID int64, name, description string, memberIDs []int64) (models.Group, error)
	GetGroup(ctx context.Context, groupID int64) (models.Group, error)
	DeleteGroup(ctx context.Context, groupID int64) error
	AddMember(ctx context.Context, groupID, userID int64) error
	RemoveMember(ctx context.Context, groupID, userID int64) error
	IsMember(ctx context.Context, userID, groupID int64) (bool, error)
	MembersOf(ctx context.Context, groupID int64) ([]int64, error)
	ListGroupsForUser(ctx context.Context, userID int64) ([]models.Group, error)
}

// GroupHandler manages groups and their membership.
type GroupHandler struct {
	groups GroupStore
	audit  *telemetry.AuditEmitter
}

// NewGroupHandler constructs a GroupHandler.
func NewGroupHandler(groups GroupStore, audit *telemetry.AuditEmitter) *GroupHandler {
	return &GroupHandler{groups: groups, audit: audit}
}

// CreateGroup handles POST /groups.
func (h *GroupHandler) CreateGroup(c *gin.Context) {
	userID := currentUser(c)

	var req struct {
		Name        string  `json:"name" binding:"required,max=100"`
		Description string  `json:"description" binding:"max=500"`
		MemberIDs   []int64 `json:"member_ids" binding:"dive,gt=0"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.emit(c, "ERROR", "invalid request payload", "create_group", 0, 0)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	group, err := h.groups.CreateGroup(c.Request.Context(), userID, req.Name, req.Description, req.MemberIDs)
	if err != nil {
		h.emit(c, "ERROR", err.Error(), "create_group", 0, 0)
		respondError(c, err)
		return
	}

	h.emit(c, "INFO", "Group created", "create_group", group.ID, 0)
	c.JSON(http.StatusCreated, group)
}

// ListGroups returns groups the caller belongs to.
func (h *GroupHandler) ListGroups(c *gin.Context) {
	groups, err := h.groups.ListGroupsForUser(c.Request.Context(), currentUser(c))
	if err != nil {
		respondError(c, err)
		return
	}
	if groups == nil {
		groups = []models.Group{}
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups})
}

// GetMembers handles GET /groups/:group_id/members. Members only.
func (h *GroupHandler) GetMembers(c *gin.Context) {
	groupID, ok := parseIDParam(c, "group_id")
	if !ok {
		return
	}
	if err := h.requireMember(c, groupID); err != nil {
		respondError(c, err)
		return
	}
	members, err := h.groups.MembersOf(c.Request.Context(), groupID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"group_id": groupID, "members": members})
}

// DeleteGroup handles DELETE /groups/:group_id. Only the creator may delete.
func (h *GroupHandler) DeleteGroup(c *gin.Context) {
	groupID, ok := parseIDParam(c, "group_id")
	if !ok {
		return
	}
	if err := h.requireCreator(c, groupID); err != nil {
		h.emit(c, "ERROR", "not allowed", "delete_group", groupID, 0)
		respondError(c, err)
		return
	}
	if err := h.groups.DeleteGroup(c.Request.Context(), groupID); err != nil {
		respondError(c, err)
		return
	}
	h.emit(c, "INFO", "Group deleted", "delete_group", groupID, 0)
	c.Status(http.StatusNoContent)
}

// AddMember handles POST /groups/:group_id/members. Any member may invite.
func (h *GroupHandler) AddMember(c *gin.Context) {
	groupID, ok := parseIDParam(c, "group_id")
	if !ok {
		return
	}
	var req struct {
		UserID int64 `json:"user_id" binding:"required,gt=0"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.requireMember(c, groupID); err != nil {
		h.emit(c, "ERROR", "not allowed", "add_member", groupID, req.UserID)
		respondError(c, err)
		return
	}
	if err := h.groups.AddMember(c.Request.Context(), groupID, req.UserID); err != nil {
		h.emit(c, "ERROR", err.Error(), "add_member", groupID, req.UserID)
		respondError(c, err)
		return
	}
	h.emit(c, "INFO", "Member added", "add_member", groupID, req.UserID)
	c.Status(http.StatusNoContent)
}

// RemoveMember handles DELETE /groups/:group_id/members/:user_id. Members may
// leave; only the creator may remove someone else.
func (h *GroupHandler) RemoveMember(c *gin.Context) {
	groupID, ok := parseIDParam(c, "group_id")
	if !ok {
		return
	}
	target, ok := parseIDParam(c, "user_id")
	if !ok {
		return
	}

	var err error
	if target == currentUser(c) {
		err = h.requireMember(c, groupID)
	} else {
		err = h.requireCreator(c, groupID)
	}
	if err != nil {
		h.emit(c, "ERROR", "not allowed", "remove_member", groupID, target)
		respondError(c, err)
		return
	}
	if err := h.groups.RemoveMember(c.Request.Context(), groupID, target); err != nil {
		respondError(c, err)
		return
	}
	h.emit(c, "INFO", "Member removed", "remove_member", groupID, target)
	c.Status(http.StatusNoContent)
}

func (h *GroupHandler) requireMember(c *gin.Context, groupID int64) error {
	member, err := h.groups.IsMember(c.Request.Context(), currentUser(c), groupID)
	if err != nil {
		return err
	}
	if !member {
		return apperrors.Forbidden("not a member of group %d", groupID)
	}
	return nil
}

func (h *GroupHandler) requireCreator(c *gin.Context, groupID int64) error {
	group, err := h.groups.GetGroup(c.Request.Context(), groupID)
	if err != nil {
		return err
	}
	if group.Deleted() {
		return apperrors.NotFound("group %d", groupID)
	}
	if group.CreatedByID != currentUser(c) {
		return apperrors.Forbidden("only the creator may manage group %d", groupID)
	}
	return nil
}

func (h *GroupHandler) emit(c *gin.Context, level, text, action string, groupID, targetID int64) {
	emitAudit(c, h.audit, telemetry.AuditPayload{Level: level, Text: text, Action: action, GroupID: groupID, TargetID: targetID})
}
