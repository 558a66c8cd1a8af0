package models

import "time"

// Review states.
const (
	ReviewStateOpen    = "open"
	ReviewStateClosed  = "closed"
	ReviewStateDropped = "dropped"
)

// Review is a code review bound to one branch.
type Review struct {
	ID       uint   `gorm:"primaryKey;autoIncrement"`
	BranchID uint   `gorm:"uniqueIndex;not null"`
	State    string `gorm:"size:16;default:open;index"`
	// Serial increments on every review update; used by the front-end to
	// detect staleness.
	Serial       int `gorm:"default:0"`
	Summary      string
	Description  string `gorm:"type:text"`
	ApplyFilters bool   `gorm:"default:true"`
	CreatedAt    time.Time
	UpdatedAt    time.Time

	Branch Branch `gorm:"foreignKey:BranchID"`
}

// BranchUpdate records one observed movement of a branch head.
type BranchUpdate struct {
	ID                 uint `gorm:"primaryKey;autoIncrement"`
	BranchID           uint `gorm:"index;not null"`
	UpdaterID          *uint
	FromHeadID         *uint
	ToHeadID           uint
	Rebase             bool `gorm:"default:false"`
	PendingRefUpdateID *uint
	CreatedAt          time.Time

	Branch Branch `gorm:"foreignKey:BranchID"`
}

// ReviewUpdate links a branch update to the review recomputation that
// consumed it. Its absence marks work for the review updater.
type ReviewUpdate struct {
	BranchUpdateID uint `gorm:"primaryKey"`
	ReviewID       uint `gorm:"index;not null"`
	CreatedAt      time.Time

	BranchUpdate BranchUpdate `gorm:"foreignKey:BranchUpdateID"`
	Review       Review       `gorm:"foreignKey:ReviewID"`
}
