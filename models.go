package main

import (
	"encoding/json"

	"github.com/SebasMorneau/sport-app-sub001/syncqueue"
)

/* ─── Request/response structs ───────────────────────────────────────── */

// enqueueRequest is the body of POST /api/sync/queue.
type enqueueRequest struct {
	Operations []syncqueue.Item `json:"operations" binding:"required"`
}

// resolveRequest is the body of PUT /api/sync/conflicts/:id/resolve.
// ResolvedData is only read for the "merge" resolution.
type resolveRequest struct {
	Resolution   string          `json:"resolution"`
	ResolvedData json.RawMessage `json:"resolved_data"`
}

// cleanupRequest is the optional body of DELETE /api/sync/cleanup. A nil
// OlderThanDays means the server default.
type cleanupRequest struct {
	OlderThanDays *int `json:"older_than_days"`
}

type cleanupResponse struct {
	CleanedCount int64 `json:"cleaned_count"`
}
