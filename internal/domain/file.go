package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	FileKindSceneVideo    = "scene_video"
	FileKindCombinedVideo = "combined_video"
	FileKindThumbnail     = "thumbnail"
	FileKindSceneCode     = "scene_code"
	FileKindAsset         = "asset"
)

// FileMetadata rows are inserted only after the backing write is
// acknowledged. LogicalName is the idempotency key for uploads: one row and
// one object per (job_id, kind, scene_index, logical_name).
type FileMetadata struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	OwnerUserID    uuid.UUID  `gorm:"type:uuid;not null;index" json:"owner_user_id"`
	JobID          *uuid.UUID `gorm:"type:uuid;index:idx_files_job_kind,priority:1" json:"job_id,omitempty"`
	Kind           string     `gorm:"column:kind;not null;index:idx_files_job_kind,priority:2" json:"kind"`
	SceneIndex     *int       `gorm:"column:scene_index" json:"scene_index,omitempty"`
	LogicalName    string     `gorm:"column:logical_name;not null" json:"logical_name"`
	Bucket         string     `gorm:"column:bucket" json:"bucket,omitempty"`
	ObjectKey      string     `gorm:"column:object_key" json:"object_key,omitempty"`
	LocalPath      string     `gorm:"column:local_path" json:"local_path,omitempty"`
	SizeBytes      int64      `gorm:"column:size_bytes;not null" json:"size_bytes"`
	ContentType    string     `gorm:"column:content_type" json:"content_type,omitempty"`
	ChecksumSHA256 string     `gorm:"column:checksum_sha256" json:"checksum_sha256,omitempty"`
	VersionID      string     `gorm:"column:version_id" json:"version_id,omitempty"`
	CreatedAt      time.Time  `gorm:"not null;default:now()" json:"created_at"`
}

func (FileMetadata) TableName() string { return "file_metadata" }
