package ipc

import "encoding/json"

// SocketPath is the default daemon socket; config may override it.
const SocketPath = "/tmp/retrace.sock"

// Command represents a command sent over the socket
type Command struct {
	Name string      `json:"name"`
	Args interface{} `json:"args,omitempty"`
}

// Response represents a response sent back over the socket
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"` // Optional data in response
}

// --- Command Names (Constants) ---

const (
	CmdPing               = "ping"
	CmdStatus             = "status"
	CmdIngestAnalysis     = "ingest_analysis"
	CmdSearchActivities   = "search_activities"
	CmdGetActivity        = "get_activity"
	CmdGetActivitiesRange = "get_activities_range"
	CmdGetSuggestions     = "get_suggestions"
	CmdRespondSuggestion  = "respond_suggestion"
	CmdGetSummaries       = "get_summaries"
	CmdGenerateSummary    = "generate_summary"
	CmdRunDetection       = "run_detection"
	CmdFlushSession       = "flush_session"
	CmdGetSettings        = "get_settings"
	CmdSetSettings        = "set_settings"
)

// --- Command Argument Structs ---

// IngestAnalysisArgs wraps one raw analysis payload. The payload bytes are
// preserved verbatim on the stored record.
type IngestAnalysisArgs struct {
	SegmentID string          `json:"segment_id,omitempty"` // fallback identity when the payload has none
	Payload   json.RawMessage `json:"payload"`
}

type SearchActivitiesArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

type GetActivityArgs struct {
	ID int64 `json:"id"`
}

// GetActivitiesRangeArgs bounds are RFC3339 timestamps.
type GetActivitiesRangeArgs struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type RespondSuggestionArgs struct {
	ID       string `json:"id"`
	Status   string `json:"status"` // "accepted" or "dismissed"
	Response string `json:"response,omitempty"`
}

// GetSummariesArgs bounds are RFC3339 timestamps; Kind is daily, weekly or
// monthly.
type GetSummariesArgs struct {
	Kind  string `json:"kind"`
	Start string `json:"start"`
	End   string `json:"end"`
}

// GenerateSummaryArgs regenerates the summary for the period containing
// Date ("2006-01-02", default today).
type GenerateSummaryArgs struct {
	Kind string `json:"kind"`
	Date string `json:"date,omitempty"`
}

type SetSettingsArgs struct {
	Settings map[string]string `json:"settings"`
}

// --- Response Data Structs ---

// IngestResult reports what happened to one submitted payload. Valid
// reflects schema validation; grouping happens asynchronously afterwards.
type IngestResult struct {
	SegmentID string `json:"segment_id"`
	Valid     bool   `json:"valid"`
}

// StatusData is the flattened daemon status served to clients.
type StatusData struct {
	SchemaVersion      uint   `json:"schema_version"`
	StoreReady         bool   `json:"store_ready"`
	PipelineEnabled    bool   `json:"pipeline_enabled"`
	Ingested           int64  `json:"ingested"`
	Malformed          int64  `json:"malformed"`
	OutOfOrder         int64  `json:"out_of_order"`
	SessionsClosed     int64  `json:"sessions_closed"`
	LastIngest         string `json:"last_ingest,omitempty"` // RFC3339, empty when none yet
	OpenSessionID      int64  `json:"open_session_id,omitempty"`
	OpenSessions       int64  `json:"open_sessions"`
	ClosedSessions     int64  `json:"closed_sessions"`
	TotalAnalyses      int64  `json:"total_analyses"`
	InvalidAnalyses    int64  `json:"invalid_analyses"`
	Backlog            int    `json:"backlog"`
	PendingSuggestions int    `json:"pending_suggestions"`
}
