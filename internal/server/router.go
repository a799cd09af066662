package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tandemlabs/tandem/internal/node"
	"github.com/tandemlabs/tandem/internal/synchronizer"
	"github.com/tandemlabs/tandem/internal/transport"
	"github.com/tandemlabs/tandem/internal/workspace"
)

const userIDContextKey = "tandem_user_id"

var (
	errMissingTokenManager     = errors.New("token manager dependency required")
	errMissingWorkspaceService = errors.New("workspace service dependency required")
	errMissingRegistry         = errors.New("synchronizer registry dependency required")
	errInvalidAuthorization    = errors.New("authorization header missing or invalid")
)

type BackendTokenManager interface {
	IssueAccessToken(ctx context.Context, userID string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

type Dependencies struct {
	TokenManager     BackendTokenManager
	WorkspaceService *workspace.Service
	Registry         *synchronizer.Registry
	Dispatcher       *RealtimeDispatcher
	Logger           *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.WorkspaceService == nil {
		return nil, errMissingWorkspaceService
	}
	if deps.Registry == nil {
		return nil, errMissingRegistry
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
		tokens:     deps.TokenManager,
		workspaces: deps.WorkspaceService,
		registry:   deps.Registry,
		dispatcher: deps.Dispatcher,
		logger:     logger,
	}

	router.POST("/auth/token", handler.handleIssueToken)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/workspaces/:workspaceID/mutations", handler.handleApplyMutations)
	protected.GET("/sync/:kind/:scope", handler.handleFetchSyncItems)
	protected.GET("/nodes/:nodeID/history", handler.handleNodeHistory)
	protected.POST("/workspaces/:workspaceID/collaborators", handler.handleAddCollaborator)
	protected.DELETE("/workspaces/:workspaceID/collaborators/:collaboratorID", handler.handleRemoveCollaborator)
	protected.GET("/realtime", handler.handleRealtime)

	return router, nil
}

type httpHandler struct {
	tokens     BackendTokenManager
	workspaces *workspace.Service
	registry   *synchronizer.Registry
	dispatcher *RealtimeDispatcher
	logger     *zap.Logger
}

type tokenRequestPayload struct {
	UserID string `json:"user_id"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleIssueToken(c *gin.Context) {
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	token, expiresIn, err := h.tokens.IssueAccessToken(c.Request.Context(), strings.TrimSpace(request.UserID))
	if err != nil {
		h.logger.Error("failed to issue access token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

type mutationsRequestPayload struct {
	Mutations []transport.MutationPayload `json:"mutations"`
}

type mutationsResponsePayload struct {
	Results []transport.MutationResult `json:"results"`
}

func (h *httpHandler) handleApplyMutations(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request mutationsRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Mutations) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	results := h.workspaces.ApplyMutations(c.Request.Context(), userID, c.Param("workspaceID"), request.Mutations)
	c.JSON(http.StatusOK, mutationsResponsePayload{Results: results})
}

type syncResponsePayload struct {
	Items []synchronizer.Item `json:"items"`
}

func (h *httpHandler) handleFetchSyncItems(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	kind, err := synchronizer.ParseKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_kind"})
		return
	}
	cursor := int64(0)
	if raw := c.Query("cursor"); raw != "" {
		cursor, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || cursor < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor"})
			return
		}
	}

	items, err := h.registry.Collect(c.Request.Context(), userID, kind, c.Param("scope"), cursor, 0)
	if err != nil {
		h.logger.Error("failed to collect sync items", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
		return
	}
	if items == nil {
		items = []synchronizer.Item{}
	}
	c.JSON(http.StatusOK, syncResponsePayload{Items: items})
}

func (h *httpHandler) handleNodeHistory(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	items, err := h.workspaces.ListNodeHistory(c.Request.Context(), userID, c.Param("nodeID"))
	if err != nil {
		switch {
		case errors.Is(err, workspace.ErrNodeNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "node_not_found"})
		case errors.Is(err, workspace.ErrNotAuthorized):
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		default:
			h.logger.Error("failed to list node history", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "history_failed"})
		}
		return
	}
	if items == nil {
		items = []synchronizer.Item{}
	}
	c.JSON(http.StatusOK, syncResponsePayload{Items: items})
}

type collaboratorRequestPayload struct {
	RootID         string `json:"root_id"`
	CollaboratorID string `json:"collaborator_id"`
	Role           string `json:"role"`
}

func (h *httpHandler) handleAddCollaborator(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request collaboratorRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.RootID == "" || request.CollaboratorID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	role, err := node.ParseCollaborationRole(request.Role)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_role"})
		return
	}

	err = h.workspaces.AddCollaborator(c.Request.Context(), userID, c.Param("workspaceID"), request.RootID, request.CollaboratorID, role)
	if err != nil {
		if errors.Is(err, workspace.ErrNotAuthorized) {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		h.logger.Error("failed to add collaborator", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "collaborator_add_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleRemoveCollaborator(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	rootID := c.Query("root_id")
	if rootID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	err := h.workspaces.RemoveCollaborator(c.Request.Context(), userID, c.Param("workspaceID"), rootID, c.Param("collaboratorID"))
	if err != nil {
		switch {
		case errors.Is(err, workspace.ErrNotAuthorized):
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		case errors.Is(err, workspace.ErrLastOwner):
			c.JSON(http.StatusConflict, gin.H{"error": "last_owner"})
		default:
			h.logger.Error("failed to remove collaborator", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "collaborator_remove_failed"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
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
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}
