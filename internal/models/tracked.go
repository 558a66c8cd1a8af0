package models

import "time"

// TrackedBranch is a DB-configured mirror of a remote branch into a local
// repository, periodically refreshed by the branch tracker. A LocalName of
// "*" mirrors all tags instead of a single head.
type TrackedBranch struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	RepositoryID uint   `gorm:"index:idx_tracked_repo_name,unique;not null"`
	LocalName    string `gorm:"size:256;index:idx_tracked_repo_name,unique;not null"`
	Remote       string `gorm:"size:256;not null"`
	RemoteName   string `gorm:"size:256;not null"`
	// Delay is the refresh interval; Next is the next scheduled run, with
	// NULL meaning "as soon as possible".
	Delay    time.Duration
	Previous *time.Time
	Next     *time.Time
	Disabled bool `gorm:"default:false"`
	Updating bool `gorm:"default:false"`
	// Forced updates are pushed with --force; tags always are.
	Forced bool `gorm:"default:false"`

	Repository Repository `gorm:"foreignKey:RepositoryID"`
	Users      []User     `gorm:"many2many:trackedbranchusers"`
}

// TrackedBranchLog records the outcome of one tracker run that moved the
// branch.
type TrackedBranchLog struct {
	ID              uint   `gorm:"primaryKey;autoIncrement"`
	TrackedBranchID uint   `gorm:"index;not null"`
	FromSHA1        string `gorm:"size:40"`
	ToSHA1          string `gorm:"size:40"`
	HookOutput      string `gorm:"type:text"`
	Successful      bool
	CreatedAt       time.Time
}
