package store

import (
	"testing"
	"time"
)

func intPtr(v int) *int { return &v }

func TestAddMetadata_UpsertsByStage(t *testing.T) {
	run := &TestRun{Mode: ModeBeforeAfter}
	now := time.Now()

	run.AddMetadata(NewRunMetadata(StageBefore, 2, 3, now, time.Second, nil, nil, false))
	if len(run.LastRunMetadata) != 1 || len(run.LifetimeMetadata) != 1 {
		t.Fatalf("expected 1/1 entries, got last=%d lifetime=%d", len(run.LastRunMetadata), len(run.LifetimeMetadata))
	}

	run.AddMetadata(NewRunMetadata(StageAfter, 2, 3, now, time.Second, intPtr(6), intPtr(0), true))
	if len(run.LastRunMetadata) != 2 {
		t.Errorf("new stage should append, got %d entries", len(run.LastRunMetadata))
	}

	replacement := NewRunMetadata(StageBefore, 2, 3, now.Add(time.Hour), 2*time.Second, nil, nil, false)
	run.AddMetadata(replacement)

	if len(run.LastRunMetadata) != 2 {
		t.Errorf("existing stage should replace, got %d entries", len(run.LastRunMetadata))
	}
	if len(run.LifetimeMetadata) != 3 {
		t.Errorf("lifetime should grow on every add, got %d", len(run.LifetimeMetadata))
	}
	got, ok := run.LastRun(StageBefore)
	if !ok {
		t.Fatal("expected before stage in last run metadata")
	}
	if got.Duration != 2 {
		t.Errorf("expected replaced entry, got duration %v", got.Duration)
	}
}

func TestNewRunMetadata_Success(t *testing.T) {
	m := NewRunMetadata(StageNone, 2, 3, time.Now(), 1500*time.Millisecond, intPtr(6), intPtr(0), true)
	if !m.Success {
		t.Error("expected success with no failures")
	}
	if m.PassRate != 1 {
		t.Errorf("expected pass rate 1, got %v", m.PassRate)
	}
	if m.Duration != 1.5 {
		t.Errorf("expected duration 1.5, got %v", m.Duration)
	}
}

func TestNewRunMetadata_Failure(t *testing.T) {
	m := NewRunMetadata(StageNone, 2, 3, time.Now(), time.Second, intPtr(5), intPtr(1), true)
	if m.Success {
		t.Error("expected failure when failedCount > 0")
	}
	if m.PassRate < 0.83 || m.PassRate > 0.84 {
		t.Errorf("unexpected pass rate %v", m.PassRate)
	}
}

func TestNewRunMetadata_NilPassedIsNotSuccess(t *testing.T) {
	m := NewRunMetadata(StageBefore, 1, 1, time.Now(), time.Second, nil, nil, false)
	if m.Success {
		t.Error("nil passedCount must not count as success")
	}
	if m.PassRate != 0 {
		t.Errorf("expected pass rate 0, got %v", m.PassRate)
	}
}

func TestResultBearing(t *testing.T) {
	cases := []struct {
		mode  Mode
		stage string
		want  bool
	}{
		{ModeAB, StageNone, true},
		{ModeBeforeAfter, StageBefore, false},
		{ModeBeforeAfter, StageAfter, true},
		{ModeBeforeAfter, StageNone, false},
	}
	for _, c := range cases {
		if got := ResultBearing(c.mode, c.stage); got != c.want {
			t.Errorf("ResultBearing(%s, %q) = %v, want %v", c.mode, c.stage, got, c.want)
		}
	}
}

func TestLabelMaps(t *testing.T) {
	run := &TestRun{
		Viewports: []Viewport{{ID: 10, Name: "phone"}, {ID: 11, Name: "desktop"}},
		Scenarios: []Scenario{{ID: 20, Label: "home"}},
	}
	if got := run.ViewportIDsByLabel()["desktop"]; got != 11 {
		t.Errorf("expected viewport id 11, got %d", got)
	}
	if got := run.ScenarioIDsByLabel()["home"]; got != 20 {
		t.Errorf("expected scenario id 20, got %d", got)
	}
	if _, ok := run.ScenarioIDsByLabel()["missing"]; ok {
		t.Error("unexpected id for unknown label")
	}
}

func TestValidStage(t *testing.T) {
	tests := []struct {
		mode  Mode
		stage string
		want  bool
	}{
		{ModeAB, StageNone, true},
		{ModeAB, StageBefore, false},
		{ModeBeforeAfter, StageBefore, true},
		{ModeBeforeAfter, StageAfter, true},
		{ModeBeforeAfter, StageNone, false},
		{Mode("other"), StageNone, false},
	}
	for _, tt := range tests {
		if got := ValidStage(tt.mode, tt.stage); got != tt.want {
			t.Errorf("ValidStage(%s, %q) = %v, want %v", tt.mode, tt.stage, got, tt.want)
		}
	}
}
