package storage

import (
	"testing"

	"github.com/google/uuid"
)

func TestKeyLayout(t *testing.T) {
	userID := uuid.MustParse("6f1f64e8-8a3f-4a59-9d0b-0a4f6f4e1a11")
	jobID := uuid.MustParse("b0a1c2d3-e4f5-4678-9abc-def012345678")
	prefix := "users/6f1f64e8-8a3f-4a59-9d0b-0a4f6f4e1a11/jobs/b0a1c2d3-e4f5-4678-9abc-def012345678"

	cases := []struct {
		got  string
		want string
	}{
		{SceneVideoKey(userID, jobID, 0), prefix + "/videos/scene_000/output.mp4"},
		{SceneVideoKey(userID, jobID, 12), prefix + "/videos/scene_012/output.mp4"},
		{SceneVideoKey(userID, jobID, 123), prefix + "/videos/scene_123/output.mp4"},
		{CombinedVideoKey(userID, jobID), prefix + "/videos/combined.mp4"},
		{SceneCodeKey(userID, jobID, 7), prefix + "/code/scene_007.py"},
		{ThumbnailKey(userID, jobID, "640"), prefix + "/thumbnails/640.jpg"},
		{CoverKey(userID, jobID), prefix + "/thumbnails/cover.png"},
		{JobPrefix(userID, jobID), prefix + "/"},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Errorf("key mismatch:\n got  %s\n want %s", tc.got, tc.want)
		}
	}
}
