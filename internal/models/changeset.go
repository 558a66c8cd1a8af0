package models

import "time"

// Changeset types. Custom changesets are requested ad hoc by the front-end
// and are purged by maintenance after three months.
const (
	ChangesetTypeDirect = "direct"
	ChangesetTypeCustom = "custom"
)

// Changeset records a computed (parent, child) file-change set.
type Changeset struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	RepositoryID uint   `gorm:"index:idx_changeset_key,unique;not null"`
	ParentSHA1   string `gorm:"size:40;index:idx_changeset_key,unique"`
	ChildSHA1    string `gorm:"size:40;index:idx_changeset_key,unique;not null"`
	Type         string `gorm:"size:16;default:direct"`
	CreatedAt    time.Time

	Files []ChangesetFile `gorm:"foreignKey:ChangesetID"`
}

// ChangesetFile is one file touched by a changeset.
type ChangesetFile struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	ChangesetID uint   `gorm:"index;not null"`
	Path        string `gorm:"size:512;not null"`
	OldSHA1     string `gorm:"size:40"`
	NewSHA1     string `gorm:"size:40"`
	OldMode     string `gorm:"size:8"`
	NewMode     string `gorm:"size:8"`
	Status      string `gorm:"size:4"`
}

// CodeContext is a highlight side table mapping cached blobs to extracted
// code contexts; rows whose cache files are gone are purged by compaction.
type CodeContext struct {
	ID       uint   `gorm:"primaryKey;autoIncrement"`
	SHA1     string `gorm:"size:40;index;not null"`
	Language string `gorm:"size:32"`
	Context  string `gorm:"type:text"`
}
