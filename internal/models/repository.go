// Package models defines the GORM schema shared by all Refinery services.
package models

import "time"

// Repository is a managed git repository.
type Repository struct {
	ID       uint   `gorm:"primaryKey;autoIncrement"`
	Name     string `gorm:"size:64;uniqueIndex;not null"`
	Path     string `gorm:"size:256;not null"`
	ParentID *uint

	Parent *Repository `gorm:"foreignKey:ParentID"`
}

// BranchTypeNormal and BranchTypeReview classify branches.
const (
	BranchTypeNormal = "normal"
	BranchTypeReview = "review"
)

// Branch is a ref under refs/heads/ known to the system.
type Branch struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	RepositoryID uint   `gorm:"index:idx_branch_repo_name,unique;not null"`
	Name         string `gorm:"size:256;index:idx_branch_repo_name,unique;not null"`
	HeadID       uint
	Type         string `gorm:"size:16;default:normal"`
	Archived     bool   `gorm:"default:false"`
	CreatedAt    time.Time

	Repository Repository `gorm:"foreignKey:RepositoryID"`
	Head       Commit     `gorm:"foreignKey:HeadID"`
}

// Tag is a ref under refs/tags/.
type Tag struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	RepositoryID uint   `gorm:"index:idx_tag_repo_name,unique;not null"`
	Name         string `gorm:"size:256;index:idx_tag_repo_name,unique;not null"`
	SHA1         string `gorm:"size:40;not null"`
}
