// Package server exposes the hub's HTTP API: identity registration, project
// lifecycle, membership, change history, statistics, and a live history
// stream.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/novaide/collabsync/internal/docstore"
	"github.com/novaide/collabsync/internal/history"
	"github.com/novaide/collabsync/internal/project"
	"github.com/novaide/collabsync/internal/users"
)

const (
	userIDContextKey      = "collabsync_user_id"
	displayNameContextKey = "collabsync_display_name"
)

var (
	errMissingTokenManager   = errors.New("token manager dependency required")
	errMissingUsersService   = errors.New("users service dependency required")
	errMissingProjectService = errors.New("project service dependency required")
	errMissingHistoryLog     = errors.New("history log dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenManager issues and validates session tokens.
type TokenManager interface {
	IssueToken(ctx context.Context, userID, displayName string) (string, int64, error)
	ValidateToken(token string) (string, string, error)
}

// Dependencies wires the services the HTTP layer fronts.
type Dependencies struct {
	TokenManager   TokenManager
	UsersService   *users.Service
	ProjectService *project.Service
	HistoryLog     *history.Log
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin handler for the hub API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.UsersService == nil {
		return nil, errMissingUsersService
	}
	if deps.ProjectService == nil {
		return nil, errMissingProjectService
	}
	if deps.HistoryLog == nil {
		return nil, errMissingHistoryLog
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:   deps.TokenManager,
		users:    deps.UsersService,
		projects: deps.ProjectService,
		history:  deps.HistoryLog,
		logger:   logger,
	}

	router.POST("/auth/token", handler.handleIssueToken)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/projects", handler.handleCreateProject)
	protected.POST("/projects/join", handler.handleJoinProject)
	protected.GET("/projects", handler.handleListProjects)
	protected.GET("/projects/:projectID/members", handler.handleListMembers)
	protected.DELETE("/projects/:projectID", handler.handleDeleteProject)
	protected.GET("/projects/:projectID/history", handler.handleProjectHistory)
	protected.GET("/projects/:projectID/history/file", handler.handleFileHistory)
	protected.GET("/projects/:projectID/history/user/:userID", handler.handleUserHistory)
	protected.GET("/projects/:projectID/history/stream", handler.handleHistoryStream)
	protected.GET("/projects/:projectID/statistics", handler.handleStatistics)

	return router, nil
}

type httpHandler struct {
	tokens   TokenManager
	users    *users.Service
	projects *project.Service
	history  *history.Log
	logger   *zap.Logger
}

type tokenRequestPayload struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	UserID      string `json:"user_id"`
}

func (h *httpHandler) handleIssueToken(c *gin.Context) {
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Username) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	identity, err := h.users.Register(c.Request.Context(), request.Username, request.DisplayName)
	if err != nil {
		if errors.Is(err, users.ErrInvalidIdentity) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		h.logger.Error("failed to register identity", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registration_failed"})
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), identity.UserID, identity.DisplayName)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		UserID:      identity.UserID,
	})
}

type createProjectPayload struct {
	Name          string `json:"name"`
	WorkspacePath string `json:"workspace_path"`
}

type projectResponsePayload struct {
	ProjectID        string `json:"project_id"`
	Name             string `json:"name"`
	ShareCode        string `json:"share_code"`
	OwnerID          string `json:"owner_id"`
	WorkspacePath    string `json:"workspace_path"`
	CreatedAtSeconds int64  `json:"created_at_s"`
}

func projectResponse(p project.Project) projectResponsePayload {
	return projectResponsePayload{
		ProjectID:        p.ProjectID,
		Name:             p.Name,
		ShareCode:        p.ShareCode,
		OwnerID:          p.OwnerID,
		WorkspacePath:    p.WorkspacePath,
		CreatedAtSeconds: p.CreatedAtSeconds,
	}
}

func (h *httpHandler) handleCreateProject(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	displayName := c.GetString(displayNameContextKey)

	var request createProjectPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	proj, err := h.projects.Create(c.Request.Context(), request.Name, userID, displayName, request.WorkspacePath)
	if err != nil {
		h.logger.Error("failed to create project", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		return
	}
	c.JSON(http.StatusCreated, projectResponse(proj))
}

type joinProjectPayload struct {
	ShareCode string `json:"share_code"`
}

func (h *httpHandler) handleJoinProject(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	displayName := c.GetString(displayNameContextKey)

	var request joinProjectPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.ShareCode) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	proj, err := h.projects.Join(c.Request.Context(), strings.ToUpper(strings.TrimSpace(request.ShareCode)), userID, displayName)
	if err != nil {
		if errors.Is(err, project.ErrProjectNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown_share_code"})
			return
		}
		h.logger.Error("failed to join project", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "join_failed"})
		return
	}
	c.JSON(http.StatusOK, projectResponse(proj))
}

func (h *httpHandler) handleListProjects(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	projects, err := h.projects.UserProjects(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list projects", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	response := make([]projectResponsePayload, 0, len(projects))
	for _, p := range projects {
		response = append(response, projectResponse(p))
	}
	c.JSON(http.StatusOK, gin.H{"projects": response})
}

type memberResponsePayload struct {
	UserID          string `json:"user_id"`
	Username        string `json:"username"`
	Role            string `json:"role"`
	JoinedAtSeconds int64  `json:"joined_at_s"`
}

func (h *httpHandler) handleListMembers(c *gin.Context) {
	projectID := c.Param("projectID")
	if !h.requireMembership(c, projectID) {
		return
	}

	members, err := h.projects.Members(c.Request.Context(), projectID)
	if err != nil {
		h.logger.Error("failed to list members", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	response := make([]memberResponsePayload, 0, len(members))
	for _, m := range members {
		response = append(response, memberResponsePayload{
			UserID:          m.UserID,
			Username:        m.Username,
			Role:            string(m.Role),
			JoinedAtSeconds: m.JoinedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"members": response})
}

func (h *httpHandler) handleDeleteProject(c *gin.Context) {
	projectID := c.Param("projectID")
	userID := c.GetString(userIDContextKey)

	err := h.projects.Delete(c.Request.Context(), projectID, userID)
	if errors.Is(err, project.ErrProjectNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_project"})
		return
	}
	if errors.Is(err, project.ErrNotOwner) {
		c.JSON(http.StatusForbidden, gin.H{"error": "owner_required"})
		return
	}
	if err != nil {
		h.logger.Error("failed to delete project", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

type changeResponsePayload struct {
	ChangeID         string `json:"change_id"`
	FilePath         string `json:"file_path"`
	UserID           string `json:"user_id"`
	Username         string `json:"username"`
	Kind             string `json:"change_kind"`
	Delta            string `json:"delta"`
	LinesAdded       int    `json:"lines_added"`
	LinesRemoved     int    `json:"lines_removed"`
	TimestampSeconds int64  `json:"timestamp_s"`
}

func changeResponses(records []docstore.ChangeRecord) []changeResponsePayload {
	response := make([]changeResponsePayload, 0, len(records))
	for _, record := range records {
		response = append(response, changeResponsePayload{
			ChangeID:         record.ChangeID,
			FilePath:         record.FilePath,
			UserID:           record.UserID,
			Username:         record.Username,
			Kind:             string(record.Kind),
			Delta:            record.Delta,
			LinesAdded:       record.LinesAdded,
			LinesRemoved:     record.LinesRemoved,
			TimestampSeconds: record.TimestampSeconds,
		})
	}
	return response
}

func (h *httpHandler) handleProjectHistory(c *gin.Context) {
	projectID := c.Param("projectID")
	if !h.requireOwner(c, projectID) {
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}

	records, err := h.history.ListForProject(c.Request.Context(), projectID, limit)
	if err != nil {
		h.logger.Error("failed to list history", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"changes": changeResponses(records)})
}

func (h *httpHandler) handleFileHistory(c *gin.Context) {
	projectID := c.Param("projectID")
	if !h.requireOwner(c, projectID) {
		return
	}
	path := c.Query("path")
	if path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_path"})
		return
	}

	records, err := h.history.ListForFile(c.Request.Context(), projectID, path)
	if err != nil {
		h.logger.Error("failed to list file history", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"changes": changeResponses(records)})
}

func (h *httpHandler) handleUserHistory(c *gin.Context) {
	projectID := c.Param("projectID")
	if !h.requireOwner(c, projectID) {
		return
	}

	records, err := h.history.ListForUser(c.Request.Context(), projectID, c.Param("userID"))
	if err != nil {
		h.logger.Error("failed to list user history", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"changes": changeResponses(records)})
}

func (h *httpHandler) handleStatistics(c *gin.Context) {
	projectID := c.Param("projectID")
	if !h.requireOwner(c, projectID) {
		return
	}

	stats, err := h.history.Statistics(c.Request.Context(), projectID)
	if err != nil {
		h.logger.Error("failed to compute statistics", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "statistics_failed"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// handleHistoryStream pushes the history window over SSE whenever a change is
// appended. The initial window is delivered immediately on connect.
func (h *httpHandler) handleHistoryStream(c *gin.Context) {
	projectID := c.Param("projectID")
	if !h.requireMembership(c, projectID) {
		return
	}

	updates := make(chan []docstore.ChangeRecord, 1)
	sub, err := h.history.Subscribe(projectID, func(records []docstore.ChangeRecord) {
		select {
		case updates <- records:
		default:
		}
	})
	if err != nil {
		h.logger.Error("failed to subscribe to history", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stream_failed"})
		return
	}
	defer sub.Close()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	clientGone := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-clientGone:
			return false
		case records := <-updates:
			c.SSEvent("history", gin.H{"changes": changeResponses(records)})
			return true
		}
	})
}

func (h *httpHandler) requireMembership(c *gin.Context, projectID string) bool {
	userID := c.GetString(userIDContextKey)
	members, err := h.projects.Members(c.Request.Context(), projectID)
	if err != nil {
		h.logger.Error("failed to check membership", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "membership_check_failed"})
		return false
	}
	for _, m := range members {
		if m.UserID == userID {
			return true
		}
	}
	c.JSON(http.StatusForbidden, gin.H{"error": "membership_required"})
	return false
}

func (h *httpHandler) requireOwner(c *gin.Context, projectID string) bool {
	userID := c.GetString(userIDContextKey)
	owner, err := h.projects.IsOwner(c.Request.Context(), projectID, userID)
	if errors.Is(err, project.ErrProjectNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_project"})
		return false
	}
	if err != nil {
		h.logger.Error("failed to check ownership", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ownership_check_failed"})
		return false
	}
	if !owner {
		c.JSON(http.StatusForbidden, gin.H{"error": "owner_required"})
		return false
	}
	return true
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	userID, displayName, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Set(displayNameContextKey, displayName)
	c.Next()
}
