package domain

// EngineStatus is the snapshot returned by the flow engine's Status call.
type EngineStatus struct {
	Running          bool    `json:"running"`
	Interface        string  `json:"interface"`
	PacketsCaptured  uint64  `json:"packets_captured"`
	FlowsDetected    uint64  `json:"flows_detected"`
	ActiveFlows      int     `json:"active_flows"`
	PacketsDropped   uint64  `json:"packets_dropped"`
	PacketsDuplicate uint64  `json:"packets_duplicate"`
	AvgProcessTimeUs float64 `json:"avg_process_time_us"`
	QueueDepth       int     `json:"queue_depth"`
}

// DatabaseStats summarizes the persistent store for health reporting.
type DatabaseStats struct {
	Devices         int64  `json:"devices"`
	Flows           int64  `json:"flows"`
	Threats         int64  `json:"threats"`
	SchemaVersion   int    `json:"schema_version"`
	FileSizeBytes   int64  `json:"file_size_bytes"`
	OpenConnections int    `json:"open_connections"`
	Healthy         bool   `json:"healthy"`
	LastError       string `json:"last_error,omitempty"`
}

// RetentionResult reports what a cleanup pass deleted.
type RetentionResult struct {
	FlowsDeleted   int64 `json:"flows_deleted"`
	ThreatsDeleted int64 `json:"threats_deleted"`
}
