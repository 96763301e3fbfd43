package storage

import (
	"fmt"

	"github.com/google/uuid"
)

// Object keys are stable and derivable from job metadata alone, so artifacts
// can be located without consulting file_metadata.

func jobPrefix(userID, jobID uuid.UUID) string {
	return fmt.Sprintf("users/%s/jobs/%s", userID, jobID)
}

// JobPrefix is the root of all objects belonging to one job.
func JobPrefix(userID, jobID uuid.UUID) string {
	return jobPrefix(userID, jobID) + "/"
}

func SceneVideoKey(userID, jobID uuid.UUID, sceneIndex int) string {
	return fmt.Sprintf("%s/videos/scene_%03d/output.mp4", jobPrefix(userID, jobID), sceneIndex)
}

func CombinedVideoKey(userID, jobID uuid.UUID) string {
	return fmt.Sprintf("%s/videos/combined.mp4", jobPrefix(userID, jobID))
}

func SceneCodeKey(userID, jobID uuid.UUID, sceneIndex int) string {
	return fmt.Sprintf("%s/code/scene_%03d.py", jobPrefix(userID, jobID), sceneIndex)
}

func ThumbnailKey(userID, jobID uuid.UUID, size string) string {
	return fmt.Sprintf("%s/thumbnails/%s.jpg", jobPrefix(userID, jobID), size)
}

func CoverKey(userID, jobID uuid.UUID) string {
	return fmt.Sprintf("%s/thumbnails/cover.png", jobPrefix(userID, jobID))
}
