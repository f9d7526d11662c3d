package models

import (
	"time"

	"github.com/google/uuid"
)

// MergedVideo holds the final artifact URLs produced by the merge step.
// Populated if and only if a merge job for the session has completed.
type MergedVideo struct {
	Host        string `json:"host,omitempty"`
	Guest       string `json:"guest,omitempty"`
	FinalMerged string `json:"final_merged,omitempty"`
}

// Session is a studio recording session. The merge worker is the sole writer of
// MergedVideo and of IsLive=false.
type Session struct {
	ID          string      `json:"id"`
	Title       string      `json:"title,omitempty"`
	HostID      *uuid.UUID  `json:"host_id,omitempty"`
	IsLive      bool        `json:"is_live"`
	MergedVideo MergedVideo `json:"merged_video"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// SessionWithHost is a session joined with its host user, as returned by the
// find-and-update used when a merge completes.
type SessionWithHost struct {
	Session
	Host *User `json:"host,omitempty"`
}
