package backstop

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"shotplane/internal/store"
)

// DiffPrefix is prepended to bitmap names for failed comparisons.
const DiffPrefix = "failed_diff_"

var (
	unsafeLabel = regexp.MustCompile(`[ /]`)
	unsafeName  = regexp.MustCompile(`[^a-zA-Z0-9_-]`)
)

func makeSafe(s string) string {
	return unsafeLabel.ReplaceAllString(s, "_")
}

// FileName reproduces the tool's bitmap naming:
// {configId}_{scenarioLabel}_{selectorIndex}_{selectorLabel}_{viewportIndex}_{viewportLabel}.png
func FileName(configID, scenarioLabel string, selectorIndex int, selector string, viewportIndex int, viewportName string) string {
	name := strings.Join([]string{
		configID,
		makeSafe(scenarioLabel),
		strconv.Itoa(selectorIndex),
		makeSafe(selector),
		strconv.Itoa(viewportIndex),
		makeSafe(viewportName),
	}, "_")
	return unsafeName.ReplaceAllString(name, "") + ".png"
}

// ParseScreenshots lists the comparison result of every scenario at every
// viewport, scenario-major. testDir is the bitmap folder of the run being
// reported; exists tells whether a diff image was produced.
func ParseScreenshots(run *store.TestRun, paths Paths, testDir string, exists func(path string) bool) []store.ScreenshotResult {
	configID := ConfigID(run.ID)
	results := make([]store.ScreenshotResult, 0, len(run.Scenarios)*len(run.Viewports))

	for _, sc := range run.Scenarios {
		selector := defaultSelector
		if len(sc.Options.Selectors) > 0 {
			selector = sc.Options.Selectors[0]
		}

		for vi, vp := range run.Viewports {
			name := FileName(configID, sc.Label, 0, selector, vi, vp.Name)
			diff := filepath.Join(testDir, DiffPrefix+name)

			r := store.ScreenshotResult{
				ScenarioID:    sc.ID,
				ViewportID:    vp.ID,
				ReferencePath: filepath.Join(paths.Config.BitmapsReference, name),
				TestPath:      filepath.Join(testDir, name),
				Success:       true,
			}
			if exists != nil && exists(diff) {
				r.DiffPath = diff
				r.Success = false
			}
			results = append(results, r)
		}
	}

	return results
}
