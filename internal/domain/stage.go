package domain

const (
	StageInitializing     = "initializing"
	StagePlanning         = "planning"
	StageScenarioCreation = "scenario_creation"
	StageCodeGeneration   = "code_generation"
	StageRendering        = "rendering"
	StageCombining        = "combining"
	StageStorage          = "storage"
	StageCompleted        = "completed"
)

// StageOrder is the canonical pipeline order. stages_completed on a job is
// always a prefix of this list.
var StageOrder = []string{
	StageInitializing,
	StagePlanning,
	StageScenarioCreation,
	StageCodeGeneration,
	StageRendering,
	StageCombining,
	StageStorage,
	StageCompleted,
}

// StageEntryPct is the progress lower bound at stage entry.
var StageEntryPct = map[string]float64{
	StageInitializing:     5,
	StagePlanning:         15,
	StageScenarioCreation: 30,
	StageCodeGeneration:   50,
	StageRendering:        80,
	StageCombining:        90,
	StageStorage:          95,
	StageCompleted:        100,
}

// IsStagePrefix reports whether completed is a prefix of StageOrder.
func IsStagePrefix(completed []string) bool {
	if len(completed) > len(StageOrder) {
		return false
	}
	for i, s := range completed {
		if StageOrder[i] != s {
			return false
		}
	}
	return true
}

// NextStage returns the first stage after the given completed prefix, or ""
// when the pipeline is done.
func NextStage(completed []string) string {
	if len(completed) >= len(StageOrder) {
		return ""
	}
	return StageOrder[len(completed)]
}
