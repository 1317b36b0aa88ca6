// Package server exposes the local control API the app shell talks to:
// outfit CRUD, offline action introspection, sync triggering, and status.
package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dali-labs/dali-sync/internal/offline"
	"github.com/dali-labs/dali-sync/internal/outfits"
	"github.com/dali-labs/dali-sync/internal/prefs"
	"github.com/dali-labs/dali-sync/internal/syncer"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errMissingOutfitStore = errors.New("outfit store dependency required")
	errMissingQueue       = errors.New("pending action queue dependency required")
	errMissingEngine      = errors.New("sync engine dependency required")
	errMissingState       = errors.New("connectivity state dependency required")
)

// Dependencies carries the collaborators the HTTP layer exposes.
type Dependencies struct {
	Outfits     *outfits.Store
	Queue       *offline.Queue
	Engine      *syncer.Engine
	State       *offline.State
	Preferences *prefs.Store
	Users       syncer.UserProvider
	Logger      *zap.Logger
}

// NewHTTPHandler validates dependencies and builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Outfits == nil {
		return nil, errMissingOutfitStore
	}
	if deps.Queue == nil {
		return nil, errMissingQueue
	}
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.State == nil {
		return nil, errMissingState
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		outfits:     deps.Outfits,
		queue:       deps.Queue,
		engine:      deps.Engine,
		state:       deps.State,
		preferences: deps.Preferences,
		users:       deps.Users,
		logger:      logger,
	}

	router.GET("/healthz", handler.handleHealth)

	v1 := router.Group("/v1")
	v1.GET("/outfits", handler.handleListOutfits)
	v1.GET("/outfits/count", handler.handleCountOutfits)
	v1.GET("/outfits/:id", handler.handleGetOutfit)
	v1.POST("/outfits", handler.handleSaveOutfit)
	v1.POST("/outfits/:id/like", handler.handleLikeOutfit)
	v1.POST("/outfits/:id/save", handler.handleSaveFlagOutfit)
	v1.DELETE("/outfits/:id", handler.handleDeleteOutfit)
	v1.GET("/actions", handler.handleListActions)
	v1.POST("/sync", handler.handleSync)
	v1.GET("/sync/status", handler.handleSyncStatus)
	v1.GET("/preferences", handler.handleGetPreferences)
	v1.PUT("/preferences", handler.handlePutPreferences)

	return router, nil
}

type httpHandler struct {
	outfits     *outfits.Store
	queue       *offline.Queue
	engine      *syncer.Engine
	state       *offline.State
	preferences *prefs.Store
	users       syncer.UserProvider
	logger      *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "online": h.state.IsOnline()})
}

type outfitPayload struct {
	ID              string  `json:"id"`
	UserID          string  `json:"user_id"`
	Name            string  `json:"name"`
	Occasion        string  `json:"occasion"`
	GarmentImageURL *string `json:"garment_image_url"`
	Items           string  `json:"items"`
	Theory          string  `json:"theory"`
	StyleTags       string  `json:"style_tags"`
	IsLiked         bool    `json:"is_liked"`
	IsFavorited     bool    `json:"is_favorited"`
	IsDeleted       bool    `json:"is_deleted"`
	CreatedAtMs     int64   `json:"created_at"`
	UpdatedAtMs     int64   `json:"updated_at"`
	SyncStatus      string  `json:"sync_status"`
}

func toPayload(record outfits.Record) outfitPayload {
	return outfitPayload{
		ID:              record.ID,
		UserID:          record.UserID,
		Name:            record.Name,
		Occasion:        record.Occasion,
		GarmentImageURL: record.GarmentImageURL,
		Items:           record.ItemsJSON,
		Theory:          record.TheoryJSON,
		StyleTags:       record.StyleTagsJSON,
		IsLiked:         record.IsLiked,
		IsFavorited:     record.IsFavorited,
		IsDeleted:       record.IsDeleted,
		CreatedAtMs:     record.CreatedAtMs,
		UpdatedAtMs:     record.UpdatedAtMs,
		SyncStatus:      string(record.SyncStatus),
	}
}

func parseFilters(c *gin.Context) (outfits.Filters, error) {
	filters := outfits.Filters{}
	if value := c.Query("user_id"); value != "" {
		filters.UserID = &value
	}
	if value := c.Query("occasion"); value != "" {
		filters.Occasion = &value
	}
	if value := c.Query("liked"); value != "" {
		liked, err := strconv.ParseBool(value)
		if err != nil {
			return outfits.Filters{}, err
		}
		filters.IsLiked = &liked
	}
	if value := c.Query("favorited"); value != "" {
		favorited, err := strconv.ParseBool(value)
		if err != nil {
			return outfits.Filters{}, err
		}
		filters.IsFavorited = &favorited
	}
	if value := c.Query("start_date"); value != "" {
		start, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return outfits.Filters{}, err
		}
		filters.StartDateMs = &start
	}
	if value := c.Query("end_date"); value != "" {
		end, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return outfits.Filters{}, err
		}
		filters.EndDateMs = &end
	}
	if value := c.Query("include_deleted"); value != "" {
		includeDeleted, err := strconv.ParseBool(value)
		if err != nil {
			return outfits.Filters{}, err
		}
		filters.IncludeDeleted = includeDeleted
	}
	if value := c.Query("limit"); value != "" {
		limit, err := strconv.Atoi(value)
		if err != nil {
			return outfits.Filters{}, err
		}
		filters.Limit = limit
	}
	if value := c.Query("offset"); value != "" {
		offset, err := strconv.Atoi(value)
		if err != nil {
			return outfits.Filters{}, err
		}
		filters.Offset = offset
	}
	return filters, nil
}

func (h *httpHandler) handleListOutfits(c *gin.Context) {
	filters, err := parseFilters(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_filter"})
		return
	}
	records, err := h.outfits.List(c.Request.Context(), filters)
	if err != nil {
		h.logger.Error("failed to list outfits", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	payloads := make([]outfitPayload, 0, len(records))
	for _, record := range records {
		payloads = append(payloads, toPayload(record))
	}
	c.JSON(http.StatusOK, gin.H{"outfits": payloads})
}

func (h *httpHandler) handleCountOutfits(c *gin.Context) {
	filters, err := parseFilters(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_filter"})
		return
	}
	count, err := h.outfits.Count(c.Request.Context(), filters)
	if err != nil {
		h.logger.Error("failed to count outfits", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "count_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}

func (h *httpHandler) handleGetOutfit(c *gin.Context) {
	record, err := h.outfits.GetByID(c.Request.Context(), c.Param("id"))
	if errors.Is(err, outfits.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load outfit", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}
	c.JSON(http.StatusOK, toPayload(record))
}

func (h *httpHandler) handleSaveOutfit(c *gin.Context) {
	var request outfitPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	input := outfits.SaveInput{
		ID:              request.ID,
		UserID:          request.UserID,
		Name:            request.Name,
		Occasion:        request.Occasion,
		GarmentImageURL: request.GarmentImageURL,
		ItemsJSON:       request.Items,
		TheoryJSON:      request.Theory,
		StyleTagsJSON:   request.StyleTags,
		IsLiked:         request.IsLiked,
		IsFavorited:     request.IsFavorited,
	}
	err := h.outfits.Save(c.Request.Context(), input)
	if errors.Is(err, outfits.ErrMissingOutfitID) || errors.Is(err, outfits.ErrMissingOutfitName) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err != nil {
		h.logger.Error("failed to save outfit", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save_failed"})
		return
	}
	record, err := h.outfits.GetByID(c.Request.Context(), request.ID)
	if err != nil {
		h.logger.Error("failed to reload saved outfit", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save_failed"})
		return
	}
	c.JSON(http.StatusOK, toPayload(record))
}

type likePayload struct {
	Liked bool `json:"liked"`
}

// handleLikeOutfit flips the like flag locally and enqueues the intent so
// it survives a killed process until a sync pass confirms it.
func (h *httpHandler) handleLikeOutfit(c *gin.Context) {
	var request likePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	outfitID := c.Param("id")
	err := h.outfits.SetLiked(c.Request.Context(), outfitID, request.Liked)
	if errors.Is(err, outfits.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to set like flag", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
		return
	}

	actionType := offline.ActionUnlike
	if request.Liked {
		actionType = offline.ActionLike
	}
	action, err := h.queue.Add(c.Request.Context(), actionType, outfitID)
	if err != nil {
		h.logger.Error("failed to enqueue like action", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"action_id": action.ID, "action_type": string(action.Type)})
}

type savePayload struct {
	Favorited bool `json:"favorited"`
}

func (h *httpHandler) handleSaveFlagOutfit(c *gin.Context) {
	var request savePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	outfitID := c.Param("id")
	err := h.outfits.SetFavorited(c.Request.Context(), outfitID, request.Favorited)
	if errors.Is(err, outfits.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to set favorite flag", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
		return
	}

	actionType := offline.ActionUnsave
	if request.Favorited {
		actionType = offline.ActionSave
	}
	action, err := h.queue.Add(c.Request.Context(), actionType, outfitID)
	if err != nil {
		h.logger.Error("failed to enqueue save action", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"action_id": action.ID, "action_type": string(action.Type)})
}

func (h *httpHandler) handleDeleteOutfit(c *gin.Context) {
	outfitID := c.Param("id")
	err := h.outfits.Delete(c.Request.Context(), outfitID)
	if errors.Is(err, outfits.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to delete outfit", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed"})
		return
	}
	action, err := h.queue.Add(c.Request.Context(), offline.ActionDelete, outfitID)
	if err != nil {
		h.logger.Error("failed to enqueue delete action", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"action_id": action.ID, "action_type": string(action.Type)})
}

type actionPayload struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	OutfitID    string `json:"outfit_id"`
	TimestampMs int64  `json:"timestamp"`
	RetryCount  int    `json:"retry_count"`
}

func (h *httpHandler) handleListActions(c *gin.Context) {
	var (
		actions []offline.PendingAction
		err     error
	)
	if outfitID := c.Query("outfit_id"); outfitID != "" {
		actions, err = h.queue.ForOutfit(c.Request.Context(), outfitID)
	} else {
		actions, err = h.queue.All(c.Request.Context())
	}
	if err != nil {
		h.logger.Error("failed to list pending actions", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	payloads := make([]actionPayload, 0, len(actions))
	for _, action := range actions {
		payloads = append(payloads, actionPayload{
			ID:          action.ID,
			Type:        string(action.Type),
			OutfitID:    action.OutfitID,
			TimestampMs: action.TimestampMs,
			RetryCount:  action.RetryCount,
		})
	}
	c.JSON(http.StatusOK, gin.H{"actions": payloads})
}

func (h *httpHandler) handleSync(c *gin.Context) {
	result, err := h.engine.Sync(c.Request.Context())
	switch {
	case errors.Is(err, syncer.ErrSyncInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "sync_in_progress"})
	case errors.Is(err, syncer.ErrOffline):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "offline"})
	case errors.Is(err, syncer.ErrUnreachable), errors.Is(err, syncer.ErrUnauthorized):
		c.JSON(http.StatusBadGateway, gin.H{"error": "remote_unreachable", "result": result})
	case err != nil:
		h.logger.Error("sync pass failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed", "result": result})
	default:
		c.JSON(http.StatusOK, result)
	}
}

func (h *httpHandler) handleSyncStatus(c *gin.Context) {
	pendingActions, err := h.queue.Count(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to count pending actions", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_failed"})
		return
	}
	pendingOutfits, err := h.outfits.CountPending(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to count pending outfits", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"online":          h.state.IsOnline(),
		"is_syncing":      h.engine.IsSyncing(),
		"last_sync_time":  h.engine.LastSyncTimeFormatted(),
		"pending_outfits": pendingOutfits,
		"pending_actions": pendingActions,
	})
}

func (h *httpHandler) activeUser(c *gin.Context) (string, bool) {
	if h.users == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no_active_user"})
		return "", false
	}
	userID, err := h.users.Subject()
	if err != nil || strings.TrimSpace(userID) == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no_active_user"})
		return "", false
	}
	return userID, true
}

func (h *httpHandler) handleGetPreferences(c *gin.Context) {
	if h.preferences == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	userID, ok := h.activeUser(c)
	if !ok {
		return
	}
	record, err := h.preferences.Get(c.Request.Context(), userID)
	if errors.Is(err, prefs.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load preferences", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":    record.UserID,
		"payload":    record.PayloadJSON,
		"updated_at": record.UpdatedAtMs,
		"pending":    record.Pending,
	})
}

type preferencesPayload struct {
	Payload string `json:"payload"`
}

func (h *httpHandler) handlePutPreferences(c *gin.Context) {
	if h.preferences == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	userID, ok := h.activeUser(c)
	if !ok {
		return
	}
	var request preferencesPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.preferences.Save(c.Request.Context(), userID, request.Payload); err != nil {
		h.logger.Error("failed to save preferences", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "pending": true})
}
