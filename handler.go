package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/SebasMorneau/sport-app-sub001/syncqueue"
)

// Handler holds shared dependencies (db pool, sync engine, config) for all
// route handlers.
type Handler struct {
	db          *pgxpool.Pool
	sync        *syncqueue.Engine
	cleanupDays int // Default cleanup threshold when the request sends none

	// authenticate maps a bearer token to its owner id (overridable for tests).
	authenticate func(ctx context.Context, token string) (int64, error)
}

func newHandler(db *pgxpool.Pool, engine *syncqueue.Engine, cleanupDays int) *Handler {
	h := &Handler{db: db, sync: engine, cleanupDays: cleanupDays}
	h.authenticate = h.userIDForToken
	return h
}

// apiError returns a consistent JSON error response: {"error": "message"}.
func apiError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}

// syncError maps engine errors to status codes. Anything unrecognised is a
// 500 with the fallback message; the cause is logged, not returned.
func syncError(c *gin.Context, fn string, err error, fallback string) {
	switch {
	case errors.Is(err, syncqueue.ErrValidation):
		apiError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, syncqueue.ErrNotFound):
		apiError(c, http.StatusNotFound, "conflict not found")
	case errors.Is(err, syncqueue.ErrReplayInProgress):
		apiError(c, http.StatusConflict, "sync already in progress")
	default:
		log.Printf("[%s] %v", fn, err)
		apiError(c, http.StatusInternalServerError, fallback)
	}
}

/* ─── Server setup ────────────────────────────────────────────────────── */

// registerRoutes registers all API routes on the router.
func (h *Handler) registerRoutes(router *gin.Engine) {
	// Public routes
	router.GET("/healthz", h.healthz)

	// Authenticated routes
	api := router.Group("/api", h.authMiddleware())
	api.POST("/sync/queue", h.enqueueOperations)
	api.POST("/sync/process", h.processQueue)
	api.GET("/sync/status", h.getSyncStatus)
	api.PUT("/sync/conflicts/:id/resolve", h.resolveConflict)
	api.POST("/sync/failed/:id/retry", h.retryFailed)
	api.DELETE("/sync/cleanup", h.cleanupQueue)
}

// healthz reports whether the server can reach its database.
// GET /healthz (public, no auth required).
func (h *Handler) healthz(c *gin.Context) {
	if h.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			log.Printf("[healthz] DB ping failed: %v", err)
			apiError(c, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
