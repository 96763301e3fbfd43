package videogen

// SceneDescriptor is one planned scene. Index is 1-based and contiguous
// within an outline.
type SceneDescriptor struct {
	Index int      `json:"index"`
	Title string   `json:"title"`
	Beats []string `json:"beats"`
}

// SceneOutline is the planner output, ordered by scene index.
type SceneOutline struct {
	Scenes []SceneDescriptor `json:"scenes"`
}

// ImplementationPlan expands one scene into concrete shots, required assets,
// and narration text.
type ImplementationPlan struct {
	SceneIndex int      `json:"scene_index"`
	Title      string   `json:"title"`
	Shots      []string `json:"shots"`
	Assets     []string `json:"assets,omitempty"`
	Narration  string   `json:"narration"`
}

// SceneProgram is the generated animation program for one scene.
type SceneProgram struct {
	SceneIndex int    `json:"scene_index"`
	Title      string `json:"title"`
	Source     string `json:"source"`
	Repaired   bool   `json:"repaired,omitempty"`
}
