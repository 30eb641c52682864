package models

import "time"

// SystemState is the user-observable playback state surfaced to the indicator
type SystemState string

const (
	StateIdle            SystemState = "idle"
	StateChecking        SystemState = "checking"
	StatePlaying         SystemState = "playing"
	StatePlayingDownload SystemState = "playing download"
	StateFailed          SystemState = "failed"
	StatePowerOff        SystemState = "poweroff"
)

// Asset represents a content file known to the library
type Asset struct {
	ID         int       `json:"id"`
	Identity   string    `json:"identity"` // 16 uppercase hex digits
	AudioID    uint32    `json:"audioId"`
	TotalBytes int64     `json:"totalBytes"`
	Chapters   int       `json:"chapters"`
	FileSize   int64     `json:"fileSize"`
	Health     string    `json:"health"`
	FilePath   string    `json:"-"` // don't expose file path to client
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Play records a single playback session of an asset
type Play struct {
	ID        int       `json:"id"`
	Identity  string    `json:"identity"`
	Source    string    `json:"source"` // local, download or default
	Frame     int64     `json:"frame"`
	StartedAt time.Time `json:"startedAt"`
}
