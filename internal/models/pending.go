package models

import "time"

// Pending ref update states. Transitions are monotone:
// preliminary -> processed|failed (or row deletion), processed -> finished|failed.
const (
	PendingStatePreliminary = "preliminary"
	PendingStateProcessed   = "processed"
	PendingStateFinished    = "finished"
	PendingStateFailed      = "failed"
)

// PendingRefUpdate is an in-flight change to one ref. At most one
// non-terminal row may exist per (repository, ref name); the hook server
// rejects overlapping pushes.
type PendingRefUpdate struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	RepositoryID uint   `gorm:"index:idx_pending_repo_ref;not null"`
	RefName      string `gorm:"size:256;index:idx_pending_repo_ref;not null"`
	OldSHA1      string `gorm:"size:40;not null"`
	NewSHA1      string `gorm:"size:40;not null"`
	UpdaterID    *uint
	// Flags carries JSON side-channel data from the pusher's environment,
	// e.g. {"trackedbranch_id": 7}.
	Flags     string `gorm:"type:text"`
	State     string `gorm:"size:16;default:preliminary;index"`
	StartedAt time.Time
	Abandoned bool `gorm:"default:false"`

	Repository Repository `gorm:"foreignKey:RepositoryID"`
	Updater    *User      `gorm:"foreignKey:UpdaterID"`
}

// Terminal reports whether the row's state admits no further transitions.
func (p *PendingRefUpdate) Terminal() bool {
	return p.State == PendingStateFinished || p.State == PendingStateFailed
}

// PendingRefUpdateOutput is the ordered live-output tail streamed back to
// the pushing client by the post-receive wait.
type PendingRefUpdateOutput struct {
	ID                 uint `gorm:"primaryKey;autoIncrement"`
	PendingRefUpdateID uint `gorm:"index;not null"`
	Output             string `gorm:"type:text"`
	CreatedAt          time.Time
}
