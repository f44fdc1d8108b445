package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/annolab/picturedesk/internal/annotation"
	"github.com/annolab/picturedesk/internal/assignment"
	"github.com/annolab/picturedesk/internal/auth"
	"github.com/annolab/picturedesk/internal/catalog"
	"github.com/annolab/picturedesk/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errMissingTokenIssuer = errors.New("token issuer dependency required")
	errMissingUsers       = errors.New("users service dependency required")
	errMissingAllocator   = errors.New("allocator dependency required")
	errMissingLedger      = errors.New("assignment ledger dependency required")
	errMissingAnnotations = errors.New("annotation service dependency required")
	errMissingCookieName  = errors.New("session cookie name required")
)

const defaultPageSize = 25

// Dependencies wires the HTTP layer to the domain services.
type Dependencies struct {
	TokenIssuer *auth.TokenIssuer
	CookieName  string
	Users       *users.Service
	Allocator   *assignment.Allocator
	Ledger      *assignment.Ledger
	Annotations *annotation.Service
	ImageDir    string
	PageSize    int
	Logger      *zap.Logger
}

// NewHTTPHandler assembles the gin router for the annotation API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenIssuer == nil {
		return nil, errMissingTokenIssuer
	}
	if strings.TrimSpace(deps.CookieName) == "" {
		return nil, errMissingCookieName
	}
	if deps.Users == nil {
		return nil, errMissingUsers
	}
	if deps.Allocator == nil {
		return nil, errMissingAllocator
	}
	if deps.Ledger == nil {
		return nil, errMissingLedger
	}
	if deps.Annotations == nil {
		return nil, errMissingAnnotations
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pageSize := deps.PageSize
	if pageSize < 1 {
		pageSize = defaultPageSize
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(requestLogger(logger))

	handler := &httpHandler{
		tokens:      deps.TokenIssuer,
		cookieName:  deps.CookieName,
		users:       deps.Users,
		allocator:   deps.Allocator,
		ledger:      deps.Ledger,
		annotations: deps.Annotations,
		pageSize:    pageSize,
		logger:      logger,
	}

	router.POST("/auth/signup", handler.handleSignup)
	router.POST("/auth/login", handler.handleLogin)
	router.POST("/auth/logout", handler.handleLogout)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/auth/me", handler.handleMe)
	protected.GET("/items", handler.handleListItems)
	protected.GET("/items/:id", handler.handleItemDetail)
	protected.POST("/items/:id/annotation", handler.handleSaveAnnotation)
	protected.GET("/export", handler.handleExport)
	protected.GET("/stats", handler.handleStats)

	if deps.ImageDir != "" {
		router.Static("/images", deps.ImageDir)
	}

	return router, nil
}

type httpHandler struct {
	tokens      *auth.TokenIssuer
	cookieName  string
	users       *users.Service
	allocator   *assignment.Allocator
	ledger      *assignment.Ledger
	annotations *annotation.Service
	pageSize    int
	logger      *zap.Logger
}

type credentialsPayload struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type userPayload struct {
	ID    uint   `json:"id"`
	Email string `json:"email"`
}

func (h *httpHandler) handleSignup(c *gin.Context) {
	var request credentialsPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	account, err := h.users.Register(c.Request.Context(), request.Email, request.Password)
	switch {
	case errors.Is(err, users.ErrInvalidEmail):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_email"})
		return
	case errors.Is(err, users.ErrWeakPassword):
		c.JSON(http.StatusBadRequest, gin.H{"error": "weak_password"})
		return
	case errors.Is(err, users.ErrEmailTaken):
		c.JSON(http.StatusBadRequest, gin.H{"error": "email_taken"})
		return
	case err != nil:
		h.logger.Error("signup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "signup_failed"})
		return
	}

	// Allocation failure is logged but does not fail signup; the account is
	// already durable and the ledger can be repaired by a later run.
	batch, err := h.allocator.Allocate(c.Request.Context(), account.ID)
	if err != nil {
		h.logger.Error("allocation after signup failed", zap.Error(err), zap.Uint("user_id", account.ID))
	}

	if err := h.setSessionCookie(c, account.ID); err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"user":           userPayload{ID: account.ID, Email: account.Email},
		"assigned_items": batch.AssignedCount,
	})
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request credentialsPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	account, err := h.users.Authenticate(c.Request.Context(), request.Email, request.Password)
	if errors.Is(err, users.ErrInvalidCredentials) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
		return
	}
	if err != nil {
		h.logger.Error("login failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login_failed"})
		return
	}

	if err := h.setSessionCookie(c, account.ID); err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"user": userPayload{ID: account.ID, Email: account.Email}})
}

func (h *httpHandler) handleLogout(c *gin.Context) {
	c.SetCookie(h.cookieName, "", -1, "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *httpHandler) handleMe(c *gin.Context) {
	userID := currentUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	profile, err := h.users.ProfileByID(c.Request.Context(), userID)
	if errors.Is(err, users.ErrUserNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "user_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("profile lookup failed", zap.Error(err), zap.Uint("user_id", userID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "profile_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user": gin.H{
			"id":                    profile.User.ID,
			"email":                 profile.User.Email,
			"created_at":            profile.User.CreatedAt.UTC().Format(time.RFC3339),
			"assigned_items":        profile.AssignedCount,
			"completed_annotations": profile.CompletedCount,
		},
	})
}

type assignedItemPayload struct {
	ItemID        int    `json:"item_id"`
	PairedMode    bool   `json:"paired_mode"`
	PrimaryPath   string `json:"primary_path"`
	SecondaryPath string `json:"secondary_path,omitempty"`
	PrimaryText   string `json:"primary_text"`
	SecondaryText string `json:"secondary_text"`
	Completed     bool   `json:"completed"`
}

type paginationPayload struct {
	CurrentPage     int  `json:"current_page"`
	TotalPages      int  `json:"total_pages"`
	TotalItems      int  `json:"total_items"`
	PageSize        int  `json:"page_size"`
	HasNextPage     bool `json:"has_next_page"`
	HasPreviousPage bool `json:"has_previous_page"`
}

func (h *httpHandler) handleListItems(c *gin.Context) {
	userID := currentUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	items, err := h.ledger.ItemsAssignedTo(c.Request.Context(), userID)
	if err != nil {
		h.respondServiceError(c, err, "list_failed")
		return
	}

	switch c.Query("filter") {
	case "completed":
		items = filterItems(items, true)
	case "incomplete":
		items = filterItems(items, false)
	case "":
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_filter"})
		return
	}

	page := 1
	if raw := c.Query("page"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_page"})
			return
		}
		page = parsed
	}

	totalItems := len(items)
	totalPages := (totalItems + h.pageSize - 1) / h.pageSize
	start := (page - 1) * h.pageSize
	end := start + h.pageSize
	if start > totalItems {
		start = totalItems
	}
	if end > totalItems {
		end = totalItems
	}

	payload := make([]assignedItemPayload, 0, end-start)
	for _, item := range items[start:end] {
		payload = append(payload, assignedItemPayload{
			ItemID:        item.ItemID,
			PairedMode:    item.PairedMode,
			PrimaryPath:   item.PrimaryPath,
			SecondaryPath: item.SecondaryPath,
			PrimaryText:   item.PrimaryText,
			SecondaryText: item.SecondaryText,
			Completed:     item.Completed,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"items": payload,
		"pagination": paginationPayload{
			CurrentPage:     page,
			TotalPages:      totalPages,
			TotalItems:      totalItems,
			PageSize:        h.pageSize,
			HasNextPage:     page < totalPages,
			HasPreviousPage: page > 1,
		},
	})
}

func filterItems(items []assignment.AssignedItem, completed bool) []assignment.AssignedItem {
	filtered := make([]assignment.AssignedItem, 0, len(items))
	for _, item := range items {
		if item.Completed == completed {
			filtered = append(filtered, item)
		}
	}
	return filtered
}

func (h *httpHandler) handleItemDetail(c *gin.Context) {
	userID := currentUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	itemID, err := strconv.Atoi(c.Param("id"))
	if err != nil || itemID < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_item_id"})
		return
	}

	detail, err := h.annotations.ForUserItem(c.Request.Context(), userID, itemID)
	if errors.Is(err, annotation.ErrNotAssigned) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not_assigned"})
		return
	}
	if errors.Is(err, catalog.ErrItemNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "item_not_found"})
		return
	}
	if err != nil {
		h.respondServiceError(c, err, "detail_failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"item": assignedItemPayload{
			ItemID:        detail.Item.ItemID,
			PairedMode:    detail.Item.PairedMode,
			PrimaryPath:   detail.Item.PrimaryPath,
			SecondaryPath: detail.Item.SecondaryPath,
			PrimaryText:   detail.PrimaryText,
			SecondaryText: detail.SecondaryText,
			Completed:     detail.Completed,
		},
	})
}

type saveAnnotationPayload struct {
	PrimaryText   string `json:"primary_text"`
	SecondaryText string `json:"secondary_text"`
}

func (h *httpHandler) handleSaveAnnotation(c *gin.Context) {
	userID := currentUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	itemID, err := strconv.Atoi(c.Param("id"))
	if err != nil || itemID < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_item_id"})
		return
	}

	var request saveAnnotationPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.annotations.Save(c.Request.Context(), userID, itemID, request.PrimaryText, request.SecondaryText)
	if errors.Is(err, annotation.ErrNotAssigned) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not_assigned"})
		return
	}
	if errors.Is(err, catalog.ErrItemNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "item_not_found"})
		return
	}
	if err != nil {
		h.respondServiceError(c, err, "save_failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"completed": result.Completed})
}

func (h *httpHandler) handleExport(c *gin.Context) {
	rows, err := h.annotations.ExportRows(c.Request.Context())
	if err != nil {
		h.respondServiceError(c, err, "export_failed")
		return
	}

	filename := fmt.Sprintf("annotations_export_%d.csv", time.Now().UTC().Unix())
	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Status(http.StatusOK)

	if err := annotation.WriteCSV(c.Writer, rows); err != nil {
		h.logger.Error("csv export write failed", zap.Error(err))
	}
}

func (h *httpHandler) handleStats(c *gin.Context) {
	stats, err := h.ledger.Stats(c.Request.Context())
	if err != nil {
		h.respondServiceError(c, err, "stats_failed")
		return
	}

	userLoads := make([]gin.H, 0, len(stats.UserLoads))
	for _, load := range stats.UserLoads {
		userLoads = append(userLoads, gin.H{
			"user_id":        load.UserID,
			"email":          load.Email,
			"assigned_count": load.AssignedCount,
		})
	}
	offTarget := make([]gin.H, 0, len(stats.OffTargetItems))
	for _, item := range stats.OffTargetItems {
		offTarget = append(offTarget, gin.H{
			"item_id":          item.ItemID,
			"assignment_count": item.Count,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"user_loads":       userLoads,
		"off_target_items": offTarget,
	})
}

func (h *httpHandler) setSessionCookie(c *gin.Context, userID uint) error {
	token, expiresIn, err := h.tokens.IssueSessionToken(userID)
	if err != nil {
		return err
	}
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(h.cookieName, token, int(expiresIn), "/", "", false, true)
	return nil
}

// respondServiceError surfaces the service error code on 5xx responses so
// operators can correlate with logs.
func (h *httpHandler) respondServiceError(c *gin.Context, err error, short string) {
	h.logger.Error("request failed", zap.String("error", short), zap.Error(err))

	type coder interface{ Code() string }
	var withCode coder
	if errors.As(err, &withCode) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": short, "code": withCode.Code()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": short})
}
