package store

import (
	"time"
)

// Mode selects how a test run compares its two URL sets.
type Mode string

const (
	// ModeAB compares reference URLs against test URLs in a single run.
	ModeAB Mode = "a_b"
	// ModeBeforeAfter captures references first ("before") and compares later ("after").
	ModeBeforeAfter Mode = "before_after"
)

// Valid reports whether m is a supported mode.
func (m Mode) Valid() bool {
	return m == ModeAB || m == ModeBeforeAfter
}

// ResultBearing reports whether a run for the given mode and stage produces
// screenshot results. A "before" stage only captures references.
func ResultBearing(mode Mode, stage string) bool {
	return mode == ModeAB || stage == StageAfter
}

// ValidStage reports whether stage can be queued for mode: a_b runs take no
// stage, before_after runs take before or after.
func ValidStage(mode Mode, stage string) bool {
	switch mode {
	case ModeAB:
		return stage == StageNone
	case ModeBeforeAfter:
		return stage == StageBefore || stage == StageAfter
	}
	return false
}

// Viewport is a named screen size.
type Viewport struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// ScenarioOptions are passed through to the diff tool as-is.
type ScenarioOptions struct {
	ReadyEvent        string   `json:"readyEvent,omitempty"`
	Delay             int      `json:"delay,omitempty"`
	MisMatchThreshold float64  `json:"misMatchThreshold,omitempty"`
	Selectors         []string `json:"selectors,omitempty"`
	RemoveSelectors   []string `json:"removeSelectors,omitempty"`
	HideSelectors     []string `json:"hideSelectors,omitempty"`
	OnBeforeScript    string   `json:"onBeforeScript,omitempty"`
	OnReadyScript     string   `json:"onReadyScript,omitempty"`
}

// Scenario is one page compared across both URL sets.
type Scenario struct {
	ID           int64           `json:"id"`
	Label        string          `json:"label"`
	ReferenceURL string          `json:"referenceUrl"`
	TestURL      string          `json:"testUrl"`
	Options      ScenarioOptions `json:"options"`
}

// RunMetadata summarizes one completed run of a test.
type RunMetadata struct {
	Stage          string    `json:"stage"`
	ViewportCount  int       `json:"viewportCount"`
	ScenarioCount  int       `json:"scenarioCount"`
	Datetime       time.Time `json:"datetime"`
	Duration       float64   `json:"duration"`
	PassedCount    *int      `json:"passedCount"`
	FailedCount    *int      `json:"failedCount"`
	PassRate       float64   `json:"passRate"`
	ContainsResult bool      `json:"containsResult"`
	Success        bool      `json:"success"`
}

// NewRunMetadata builds metadata for a finished run and derives pass rate and success.
func NewRunMetadata(stage string, viewports, scenarios int, started time.Time, duration time.Duration, passed, failed *int, containsResult bool) RunMetadata {
	m := RunMetadata{
		Stage:          stage,
		ViewportCount:  viewports,
		ScenarioCount:  scenarios,
		Datetime:       started.UTC(),
		Duration:       duration.Seconds(),
		PassedCount:    passed,
		FailedCount:    failed,
		ContainsResult: containsResult,
	}

	p, f := 0, 0
	if passed != nil {
		p = *passed
	}
	if failed != nil {
		f = *failed
	}
	if p+f > 0 {
		m.PassRate = float64(p) / float64(p+f)
	}

	m.Success = f == 0 && passed != nil
	return m
}

// ScreenshotResult is the comparison outcome for one scenario at one viewport.
type ScreenshotResult struct {
	ScenarioID    int64  `json:"scenarioId"`
	ViewportID    int64  `json:"viewportId"`
	ReferencePath string `json:"referencePath"`
	TestPath      string `json:"testPath"`
	DiffPath      string `json:"diffPath"`
	Success       bool   `json:"success"`
}

// TestRun is one configured visual regression test and its accumulated history.
type TestRun struct {
	ID                int64
	UUID              string
	Mode              Mode
	Status            Status
	Browser           string
	Engine            string
	Viewports         []Viewport
	Scenarios         []Scenario
	ConfigurationPath string
	HTMLReportPath    string
	LifetimeMetadata  []RunMetadata
	LastRunMetadata   []RunMetadata
	Result            []ScreenshotResult
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// AddMetadata appends m to the lifetime history and replaces the last-run
// entry with the same stage, appending when the stage is new.
func (r *TestRun) AddMetadata(m RunMetadata) {
	r.LifetimeMetadata = append(r.LifetimeMetadata, m)

	for i := range r.LastRunMetadata {
		if r.LastRunMetadata[i].Stage == m.Stage {
			r.LastRunMetadata[i] = m
			return
		}
	}
	r.LastRunMetadata = append(r.LastRunMetadata, m)
}

// LastRun returns the last-run metadata for a stage.
func (r *TestRun) LastRun(stage string) (RunMetadata, bool) {
	for _, m := range r.LastRunMetadata {
		if m.Stage == stage {
			return m, true
		}
	}
	return RunMetadata{}, false
}

// SetResult replaces the stored screenshot results.
func (r *TestRun) SetResult(results []ScreenshotResult) {
	r.Result = results
}

// ScenarioIDsByLabel maps scenario labels to their persisted ids.
func (r *TestRun) ScenarioIDsByLabel() map[string]int64 {
	ids := make(map[string]int64, len(r.Scenarios))
	for _, s := range r.Scenarios {
		ids[s.Label] = s.ID
	}
	return ids
}

// ViewportIDsByLabel maps viewport names to their persisted ids.
func (r *TestRun) ViewportIDsByLabel() map[string]int64 {
	ids := make(map[string]int64, len(r.Viewports))
	for _, v := range r.Viewports {
		ids[v.Name] = v.ID
	}
	return ids
}
