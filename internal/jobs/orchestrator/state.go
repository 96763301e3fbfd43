package orchestrator

import (
	"encoding/json"

	"github.com/yungbote/vidforge-backend/internal/jobs/runtime"
)

// State is the resumable checkpoint serialized into the jobs row. Stage
// outputs go into Data keyed by stage name; a re-dispatched job reads back
// everything its completed stages produced.
type State struct {
	Version      int                        `json:"version"`
	Data         map[string]json.RawMessage `json:"data,omitempty"`
	Attempts     map[string]int             `json:"attempts,omitempty"`
	LastProgress float64                    `json:"last_progress"`
}

const stateVersion = 1

func (st *State) ensure() {
	if st.Version == 0 {
		st.Version = stateVersion
	}
	if st.Data == nil {
		st.Data = map[string]json.RawMessage{}
	}
	if st.Attempts == nil {
		st.Attempts = map[string]int{}
	}
}

// clone deep-copies the checkpoint. A timed-out stage keeps writing into its
// own copy, never the one being serialized.
func (st *State) clone() *State {
	st.ensure()
	cp := &State{
		Version:      st.Version,
		LastProgress: st.LastProgress,
		Data:         make(map[string]json.RawMessage, len(st.Data)),
		Attempts:     make(map[string]int, len(st.Attempts)),
	}
	for k, v := range st.Data {
		cp.Data[k] = v
	}
	for k, v := range st.Attempts {
		cp.Attempts[k] = v
	}
	return cp
}

// Get decodes the stored output for stage into out. Returns false when the
// stage has no stored output.
func (st *State) Get(stage string, out any) (bool, error) {
	raw, ok := st.Data[stage]
	if !ok || len(raw) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

// Put stores the output of stage.
func (st *State) Put(stage string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	st.ensure()
	st.Data[stage] = raw
	return nil
}

// LoadState reads the checkpoint off the job row. A missing or malformed
// checkpoint yields a fresh state; completed-stage bookkeeping lives in
// stages_completed, so the worst case is recomputing stage outputs.
func LoadState(jc *runtime.Context) *State {
	st := &State{}
	if jc != nil && jc.Job != nil && len(jc.Job.State) > 0 && string(jc.Job.State) != "null" {
		_ = json.Unmarshal(jc.Job.State, st)
	}
	st.ensure()
	return st
}

// SaveState writes the checkpoint back through the runtime guard.
func SaveState(jc *runtime.Context, st *State) error {
	if jc == nil || st == nil {
		return nil
	}
	st.ensure()
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return jc.SaveState(raw)
}
