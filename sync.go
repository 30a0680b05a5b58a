package main

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/SebasMorneau/sport-app-sub001/syncqueue"
)

// enqueueOperations stores a batch of offline mutations as pending operations.
// POST /api/sync/queue. Body: { "operations": [{ resource_type, operation_kind, payload }] }.
// Malformed items are skipped and reported in "rejected" with their index.
func (h *Handler) enqueueOperations(c *gin.Context) {
	userID := c.GetInt64("user_id")

	var body enqueueRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		apiError(c, http.StatusBadRequest, "operations must be an array")
		return
	}

	result, err := h.sync.Enqueue(c.Request.Context(), userID, body.Operations)
	if err != nil {
		syncError(c, "enqueueOperations", err, "failed to queue operations")
		return
	}

	c.JSON(http.StatusCreated, result)
}

// processQueue replays the caller's pending operations, oldest first.
// POST /api/sync/process. Returns the batch summary; 409 if a replay for the
// same user is already running.
func (h *Handler) processQueue(c *gin.Context) {
	userID := c.GetInt64("user_id")

	summary, err := h.sync.ProcessPending(c.Request.Context(), userID)
	if err != nil {
		syncError(c, "processQueue", err, "failed to process sync queue")
		return
	}

	c.JSON(http.StatusOK, summary)
}

// getSyncStatus returns per-status counts, the oldest conflicts and the last
// successful sync time.
// GET /api/sync/status.
func (h *Handler) getSyncStatus(c *gin.Context) {
	userID := c.GetInt64("user_id")

	report, err := h.sync.Status(c.Request.Context(), userID)
	if err != nil {
		syncError(c, "getSyncStatus", err, "failed to fetch sync status")
		return
	}

	c.JSON(http.StatusOK, report)
}

// resolveConflict settles one conflicting operation.
// PUT /api/sync/conflicts/:id/resolve. Body: { "resolution": "use_local" | "use_server" | "merge",
// "resolved_data": {...} }. resolved_data is required for merge.
func (h *Handler) resolveConflict(c *gin.Context) {
	userID := c.GetInt64("user_id")
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		apiError(c, http.StatusBadRequest, "invalid id")
		return
	}

	var body resolveRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		apiError(c, http.StatusBadRequest, "invalid request body")
		return
	}

	op, err := h.sync.Resolve(c.Request.Context(), userID, id,
		syncqueue.Resolution(body.Resolution), body.ResolvedData)
	if err != nil {
		syncError(c, "resolveConflict", err, "failed to resolve conflict")
		return
	}

	c.JSON(http.StatusOK, op)
}

// retryFailed re-queues one failed operation as-is. Its retry count is kept.
// POST /api/sync/failed/:id/retry.
func (h *Handler) retryFailed(c *gin.Context) {
	userID := c.GetInt64("user_id")
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		apiError(c, http.StatusBadRequest, "invalid id")
		return
	}

	op, err := h.sync.Retry(c.Request.Context(), userID, id)
	if errors.Is(err, syncqueue.ErrNotFound) {
		apiError(c, http.StatusNotFound, "failed operation not found")
		return
	}
	if err != nil {
		syncError(c, "retryFailed", err, "failed to retry operation")
		return
	}

	c.JSON(http.StatusOK, op)
}

// cleanupQueue deletes synced operations older than older_than_days.
// DELETE /api/sync/cleanup. The body is optional; the threshold defaults to
// the configured value (7 days unless overridden).
func (h *Handler) cleanupQueue(c *gin.Context) {
	userID := c.GetInt64("user_id")

	var body cleanupRequest
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		apiError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	days := h.cleanupDays
	if body.OlderThanDays != nil {
		days = *body.OlderThanDays
	}

	n, err := h.sync.Cleanup(c.Request.Context(), userID, days)
	if err != nil {
		syncError(c, "cleanupQueue", err, "failed to clean up sync queue")
		return
	}

	c.JSON(http.StatusOK, cleanupResponse{CleanedCount: n})
}
