package models

import "time"

// Commit caches metadata for one git commit.
type Commit struct {
	ID              uint   `gorm:"primaryKey;autoIncrement"`
	SHA1            string `gorm:"size:40;uniqueIndex;not null"`
	AuthorGitUserID uint
	CommitGitUserID uint
	AuthorTime      time.Time
	CommitTime      time.Time

	AuthorGitUser GitUser `gorm:"foreignKey:AuthorGitUserID"`
	CommitGitUser GitUser `gorm:"foreignKey:CommitGitUserID"`
}

// CommitEdge is a parent-to-child edge in the commit DAG.
type CommitEdge struct {
	ParentID uint `gorm:"primaryKey"`
	ChildID  uint `gorm:"primaryKey"`

	Parent Commit `gorm:"foreignKey:ParentID"`
	Child  Commit `gorm:"foreignKey:ChildID"`
}

// GitUser is a (name, email) identity seen in commits.
type GitUser struct {
	ID       uint   `gorm:"primaryKey;autoIncrement"`
	Fullname string `gorm:"size:256;index:idx_gituser_identity,unique"`
	Email    string `gorm:"size:256;index:idx_gituser_identity,unique"`
}

// User is an account known to the review system. Only the fields the
// background services rely on are modelled.
type User struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Name      string `gorm:"size:64;uniqueIndex;not null"`
	Email     string `gorm:"size:256"`
	Developer bool   `gorm:"default:false"`
	// ReviewBranchOptIn permits creating review branches by push.
	ReviewBranchOptIn bool `gorm:"default:false"`
	// PostReceiveTimeout overrides the hook server's wait timeout, seconds.
	PostReceiveTimeout int `gorm:"default:0"`
}
