package backstop

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Markers searched for in the diff tool stdout.
var (
	CompletionMarkers = []string{"successfully executed", "Test completed"}
	ReportMarker      = "report |"
)

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// Summary accumulates what was learned from the tool's output.
// Counts are captured once; later report lines do not override them.
type Summary struct {
	BitmapGenerationSuccess bool
	Passed                  *int
	Failed                  *int
}

// Scan inspects one output line.
func (s *Summary) Scan(line string) {
	line = ansiEscape.ReplaceAllString(line, "")

	if !s.BitmapGenerationSuccess {
		for _, marker := range CompletionMarkers {
			if strings.Contains(line, marker) {
				s.BitmapGenerationSuccess = true
				break
			}
		}
	}

	idx := strings.Index(line, ReportMarker)
	if idx < 0 {
		return
	}
	rest := line[idx+len(ReportMarker):]

	switch {
	case strings.Contains(rest, "Passed") && s.Passed == nil:
		s.Passed = extractCount(rest)
	case strings.Contains(rest, "Failed") && s.Failed == nil:
		s.Failed = extractCount(rest)
	}
}

// extractCount keeps only the digits of s.
func extractCount(s string) *int {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if digits == "" {
		return nil
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return nil
	}
	return &n
}

// Args builds the command line for a subcommand. A virtual display wrapper is
// prepended when the engine needs one.
func Args(binaryDir string, command Command, configPath string, virtualDisplay bool) []string {
	executable := "backstop"
	if binaryDir != "" {
		executable = filepath.Join(binaryDir, "backstop")
	}

	var args []string
	if virtualDisplay {
		args = append(args, "xvfb-run", "-a")
	}
	return append(args, executable, string(command), "--configPath="+configPath)
}

// NeedsVirtualDisplay reports whether the engine runs a headed browser.
func NeedsVirtualDisplay(engine string) bool {
	return engine == "playwright"
}
