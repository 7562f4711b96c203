package sync

// Status is the visible state of outbound progress transmission
type Status string

const (
	StatusSynced  Status = "synced"
	StatusSyncing Status = "syncing"
	StatusError   Status = "error"
)

// Trigger names the reason an update was transmitted
type Trigger string

const (
	TriggerNone       Trigger = ""
	TriggerHeartbeat  Trigger = "heartbeat"
	TriggerCompletion Trigger = "completion"
	TriggerSeek       Trigger = "seek"
	TriggerManual     Trigger = "manual"
	TriggerFlush      Trigger = "flush"
	TriggerReplay     Trigger = "replay"
	TriggerConflict   Trigger = "conflict"
)
