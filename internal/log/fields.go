package log

// Canonical field name constants for structured logging, kept here so every
// package spells the same key the same way.
const (
	// Identity fields
	FieldSessionID     = "session_id"
	FieldCorrelationID = "correlation_id"
	FieldRequestID     = "request_id"
	FieldJobID         = "job_id"
	FieldWorkerID      = "worker_id"
	FieldDownloadID    = "download_id"
	FieldTrackID       = "track_id"
	FieldArtistID      = "artist_id"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldTaskType  = "task_type"
	FieldJobType   = "job_type"

	// State fields
	FieldOldState  = "old_state"
	FieldNewState  = "new_state"
	FieldErrorCode = "error_code"

	// External-service fields
	FieldService  = "service"
	FieldProvider = "provider"
)
