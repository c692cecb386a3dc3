package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/storyunlock/pkg/unlock"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	messageNoCandidates      = "No stories match this category and character. Try a different selection."
	messageInsufficientFunds = "Not enough coins to unlock a new story."
	messageInternal          = "Something went wrong. Please try again later."
	messageInvalidPayload    = "categoryId and characterId are required."
	messageInvalidStoryID    = "A valid story id is required."
	messageNotOwned          = "This story is not in your library."
	messageInvalidFavorite   = "isFavorite is required."
)

// UnlockService is the domain surface the HTTP API exposes.
type UnlockService interface {
	Unlock(ctx context.Context, request unlock.UnlockRequest) (unlock.UnlockResult, error)
	Balance(ctx context.Context, userID unlock.UserID) (unlock.Coins, error)
	Library(ctx context.Context, userID unlock.UserID, limit int) ([]unlock.Ownership, error)
	ReadStory(ctx context.Context, userID unlock.UserID, storyID unlock.StoryID) (unlock.Story, unlock.Ownership, error)
	SetFavorite(ctx context.Context, userID unlock.UserID, storyID unlock.StoryID, favorite bool) error
}

// Run serves the HTTP API until ctx is cancelled.
func Run(ctx context.Context, cfg Config, service UnlockService, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	verifier, err := NewTokenVerifier(cfg.JWTSigningKey, cfg.JWTIssuer)
	if err != nil {
		return fmt.Errorf("token verifier: %w", err)
	}
	router := NewRouter(cfg, service, verifier, logger)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: cfg.RequestTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter wires the routes, CORS and bearer authentication.
func NewRouter(cfg Config, service UnlockService, verifier *TokenVerifier, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	handler := &httpHandler{service: service, logger: logger, timeout: cfg.RequestTimeout}
	api := router.Group("/api")
	api.Use(verifier.GinMiddleware())

	api.POST("/stories/unlock", handler.handleUnlock)
	api.GET("/wallet", handler.handleWallet)
	api.GET("/library", handler.handleLibrary)
	api.GET("/library/:storyId", handler.handleReadStory)
	api.PUT("/library/:storyId/favorite", handler.handleFavorite)

	return router
}

type httpHandler struct {
	service UnlockService
	logger  *zap.Logger
	timeout time.Duration
}

func (handler *httpHandler) handleUnlock(ctx *gin.Context) {
	userID, ok := handler.requireUser(ctx)
	if !ok {
		return
	}
	var payload unlockPayload
	if err := ctx.ShouldBindJSON(&payload); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(messageInvalidPayload))
		return
	}
	request, err := payload.toRequest(userID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(messageInvalidPayload))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.timeout)
	defer cancel()

	result, err := handler.service.Unlock(requestCtx, request)
	if err != nil {
		switch {
		case errors.Is(err, unlock.ErrNoCandidates):
			ctx.JSON(http.StatusNotFound, errorResponse(messageNoCandidates))
		case errors.Is(err, unlock.ErrInsufficientFunds):
			ctx.JSON(http.StatusForbidden, errorResponse(messageInsufficientFunds))
		default:
			handler.logger.Error("unlock failed",
				zap.String("user_id", userID.String()),
				zap.String("category_id", request.CategoryID.String()),
				zap.String("character_id", request.CharacterID.String()),
				zap.Error(err),
			)
			ctx.JSON(http.StatusInternalServerError, errorResponse(messageInternal))
		}
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"success":        true,
		"data":           newStoryPayload(result.Story),
		"remainingCoins": result.RemainingCoins.Int64(),
		"unlocked":       result.Unlocked,
		"message":        result.Message(),
	})
}

func (handler *httpHandler) handleWallet(ctx *gin.Context) {
	userID, ok := handler.requireUser(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.timeout)
	defer cancel()

	balance, err := handler.service.Balance(requestCtx, userID)
	if err != nil {
		handler.respondInternal(ctx, "wallet fetch failed", userID, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"coins": balance.Int64()}})
}

func (handler *httpHandler) handleLibrary(ctx *gin.Context) {
	userID, ok := handler.requireUser(ctx)
	if !ok {
		return
	}
	limit := libraryPageLimit
	if rawLimit := strings.TrimSpace(ctx.Query("limit")); rawLimit != "" {
		parsed, err := strconv.Atoi(rawLimit)
		if err != nil || parsed <= 0 {
			ctx.JSON(http.StatusBadRequest, errorResponse("limit must be a positive integer."))
			return
		}
		limit = parsed
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.timeout)
	defer cancel()

	ownerships, err := handler.service.Library(requestCtx, userID, limit)
	if err != nil {
		handler.respondInternal(ctx, "library fetch failed", userID, err)
		return
	}
	entries := make([]ownershipPayload, 0, len(ownerships))
	for _, ownership := range ownerships {
		entries = append(entries, newOwnershipPayload(ownership))
	}
	ctx.JSON(http.StatusOK, gin.H{"success": true, "data": entries})
}

func (handler *httpHandler) handleReadStory(ctx *gin.Context) {
	userID, ok := handler.requireUser(ctx)
	if !ok {
		return
	}
	storyID, err := unlock.NewStoryID(ctx.Param("storyId"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(messageInvalidStoryID))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.timeout)
	defer cancel()

	story, ownership, err := handler.service.ReadStory(requestCtx, userID, storyID)
	if err != nil {
		if errors.Is(err, unlock.ErrNotOwned) || errors.Is(err, unlock.ErrUnknownStory) {
			ctx.JSON(http.StatusNotFound, errorResponse(messageNotOwned))
			return
		}
		handler.respondInternal(ctx, "story read failed", userID, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"success":   true,
		"data":      newStoryPayload(story),
		"ownership": newOwnershipPayload(ownership),
	})
}

func (handler *httpHandler) handleFavorite(ctx *gin.Context) {
	userID, ok := handler.requireUser(ctx)
	if !ok {
		return
	}
	storyID, err := unlock.NewStoryID(ctx.Param("storyId"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(messageInvalidStoryID))
		return
	}
	var payload favoritePayload
	if err := ctx.ShouldBindJSON(&payload); err != nil || payload.IsFavorite == nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(messageInvalidFavorite))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.timeout)
	defer cancel()

	if err := handler.service.SetFavorite(requestCtx, userID, storyID, *payload.IsFavorite); err != nil {
		if errors.Is(err, unlock.ErrNotOwned) {
			ctx.JSON(http.StatusNotFound, errorResponse(messageNotOwned))
			return
		}
		handler.respondInternal(ctx, "favorite update failed", userID, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"storyId": storyID.String(), "isFavorite": *payload.IsFavorite}})
}

func (handler *httpHandler) requireUser(ctx *gin.Context) (unlock.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse(messageUnauthorized))
		return unlock.UserID{}, false
	}
	userID, err := claims.Identity()
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse(messageUnauthorized))
		return unlock.UserID{}, false
	}
	return userID, true
}

func (handler *httpHandler) respondInternal(ctx *gin.Context, message string, userID unlock.UserID, err error) {
	handler.logger.Error(message, zap.String("user_id", userID.String()), zap.Error(err))
	ctx.JSON(http.StatusInternalServerError, errorResponse(messageInternal))
}

func errorResponse(message string) gin.H {
	return gin.H{
		"success": false,
		"error":   message,
	}
}

type unlockPayload struct {
	CategoryID  string `json:"categoryId"`
	CharacterID string `json:"characterId"`
	Place       string `json:"place"`
	Moral       string `json:"moral"`
}

func (payload unlockPayload) toRequest(userID unlock.UserID) (unlock.UnlockRequest, error) {
	categoryID, err := unlock.NewCategoryID(payload.CategoryID)
	if err != nil {
		return unlock.UnlockRequest{}, err
	}
	characterID, err := unlock.NewCharacterID(payload.CharacterID)
	if err != nil {
		return unlock.UnlockRequest{}, err
	}
	passthrough := make(map[string]string, 2)
	if place := strings.TrimSpace(payload.Place); place != "" {
		passthrough["place"] = place
	}
	if moral := strings.TrimSpace(payload.Moral); moral != "" {
		passthrough["moral"] = moral
	}
	raw, err := json.Marshal(passthrough)
	if err != nil {
		return unlock.UnlockRequest{}, err
	}
	metadata, err := unlock.NewMetadataJSON(string(raw))
	if err != nil {
		return unlock.UnlockRequest{}, err
	}
	return unlock.UnlockRequest{
		UserID:      userID,
		CategoryID:  categoryID,
		CharacterID: characterID,
		Metadata:    metadata,
	}, nil
}

type favoritePayload struct {
	IsFavorite *bool `json:"isFavorite"`
}

type storyPayload struct {
	StoryID     string `json:"storyId"`
	CategoryID  string `json:"categoryId"`
	CharacterID string `json:"characterId"`
	Title       string `json:"title"`
	Content     string `json:"content"`
	AuthorID    string `json:"authorId"`
	AuthorRole  string `json:"authorRole"`
}

func newStoryPayload(story unlock.Story) storyPayload {
	return storyPayload{
		StoryID:     story.StoryID.String(),
		CategoryID:  story.CategoryID.String(),
		CharacterID: story.CharacterID.String(),
		Title:       story.Title,
		Content:     story.Content,
		AuthorID:    story.AuthorID,
		AuthorRole:  story.AuthorRole.String(),
	}
}

type ownershipPayload struct {
	StoryID        string `json:"storyId"`
	GrantedUnixUTC int64  `json:"grantedUnixUtc"`
	LastAccessed   int64  `json:"lastAccessedUnixUtc"`
	IsFavorite     bool   `json:"isFavorite"`
}

func newOwnershipPayload(ownership unlock.Ownership) ownershipPayload {
	return ownershipPayload{
		StoryID:        ownership.StoryID.String(),
		GrantedUnixUTC: ownership.GrantedUnixUTC,
		LastAccessed:   ownership.LastAccessedUnixUTC,
		IsFavorite:     ownership.IsFavorite,
	}
}
