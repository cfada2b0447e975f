// Package backstop describes the contract with the external screenshot diff
// tool: the configuration file it consumes, the command line it is started
// with, the stdout it emits and the bitmap layout it leaves behind.
package backstop

import (
	"fmt"
	"path/filepath"
	"strconv"

	"shotplane/internal/store"
)

// Command is a diff tool subcommand.
type Command string

const (
	CommandReference Command = "reference"
	CommandTest      Command = "test"
)

// Valid reports whether c is a supported subcommand.
func (c Command) Valid() bool {
	return c == CommandReference || c == CommandTest
}

// Viewport as understood by the diff tool.
type Viewport struct {
	Name   string `json:"name"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Scenario as understood by the diff tool.
type Scenario struct {
	Label             string   `json:"label"`
	ReferenceURL      string   `json:"referenceUrl"`
	URL               string   `json:"url"`
	ReadyEvent        string   `json:"readyEvent,omitempty"`
	Delay             int      `json:"delay"`
	MisMatchThreshold float64  `json:"misMatchThreshold"`
	Selectors         []string `json:"selectors"`
	RemoveSelectors   []string `json:"removeSelectors,omitempty"`
	HideSelectors     []string `json:"hideSelectors,omitempty"`
	OnBeforeScript    string   `json:"onBeforeScript,omitempty"`
	OnReadyScript     string   `json:"onReadyScript,omitempty"`
}

// PathsConfig tells the diff tool where to read and write artifacts.
type PathsConfig struct {
	BitmapsReference string `json:"bitmaps_reference"`
	BitmapsTest      string `json:"bitmaps_test"`
	EngineScripts    string `json:"engine_scripts"`
	HTMLReport       string `json:"html_report"`
	CIReport         string `json:"ci_report"`
}

// EngineOptions are handed to the browser engine.
type EngineOptions struct {
	Browser string   `json:"browser,omitempty"`
	Args    []string `json:"args"`
}

// Config is the JSON document passed with --configPath.
type Config struct {
	ID                string        `json:"id"`
	Viewports         []Viewport    `json:"viewports"`
	Scenarios         []Scenario    `json:"scenarios"`
	Paths             PathsConfig   `json:"paths"`
	Report            []string      `json:"report"`
	Engine            string        `json:"engine"`
	EngineOptions     EngineOptions `json:"engineOptions"`
	AsyncCaptureLimit int           `json:"asyncCaptureLimit"`
	AsyncCompareLimit int           `json:"asyncCompareLimit"`
	Debug             bool          `json:"debug"`
	DebugWindow       bool          `json:"debugWindow"`
}

const (
	DefaultEngine            = "puppeteer"
	DefaultMisMatchThreshold = 0.1
	defaultSelector          = "document"
)

// DefaultEngineFlags are passed to headless Chromium.
var DefaultEngineFlags = []string{"--no-sandbox", "--disable-setuid-sandbox"}

// Paths is the on-disk layout of one test's artifacts.
type Paths struct {
	Root       string
	ConfigFile string
	Config     PathsConfig
}

// NewPaths lays out the artifact tree for a test under the private root.
// engineScripts may point at a shared directory; empty keeps scripts per test.
func NewPaths(privateRoot string, testID int64, engineScripts string) Paths {
	root := filepath.Join(privateRoot, strconv.FormatInt(testID, 10))
	if engineScripts == "" {
		engineScripts = filepath.Join(root, "engine_scripts")
	}
	return Paths{
		Root:       root,
		ConfigFile: filepath.Join(root, "backstop.json"),
		Config: PathsConfig{
			BitmapsReference: filepath.Join(root, "bitmaps_reference"),
			BitmapsTest:      filepath.Join(root, "bitmaps_test"),
			EngineScripts:    engineScripts,
			HTMLReport:       filepath.Join(root, "html_report"),
			CIReport:         filepath.Join(root, "ci_report"),
		},
	}
}

// HTMLReportIndex is the entry page of the generated report.
func (p Paths) HTMLReportIndex() string {
	return filepath.Join(p.Config.HTMLReport, "index.html")
}

// ConfigID is the identifier embedded in every bitmap file name of a test.
func ConfigID(testID int64) string {
	return fmt.Sprintf("test_%d", testID)
}

// BuildOptions tune the generated configuration.
type BuildOptions struct {
	Debug bool
}

// BuildConfig converts a test run into the diff tool configuration.
func BuildConfig(run *store.TestRun, paths Paths, opts BuildOptions) (*Config, error) {
	if run == nil {
		return nil, fmt.Errorf("nil test run")
	}
	if len(run.Viewports) == 0 {
		return nil, fmt.Errorf("test %d has no viewports", run.ID)
	}
	if len(run.Scenarios) == 0 {
		return nil, fmt.Errorf("test %d has no scenarios", run.ID)
	}

	engine := run.Engine
	if engine == "" {
		engine = DefaultEngine
	}

	cfg := &Config{
		ID:                ConfigID(run.ID),
		Paths:             paths.Config,
		Report:            []string{"browser", "CI"},
		Engine:            engine,
		EngineOptions:     EngineOptions{Browser: run.Browser, Args: DefaultEngineFlags},
		AsyncCaptureLimit: 5,
		AsyncCompareLimit: 50,
		Debug:             opts.Debug,
	}

	for _, v := range run.Viewports {
		cfg.Viewports = append(cfg.Viewports, Viewport{Name: v.Name, Width: v.Width, Height: v.Height})
	}

	for _, sc := range run.Scenarios {
		o := sc.Options
		threshold := o.MisMatchThreshold
		if threshold == 0 {
			threshold = DefaultMisMatchThreshold
		}
		selectors := o.Selectors
		if len(selectors) == 0 {
			selectors = []string{defaultSelector}
		}
		cfg.Scenarios = append(cfg.Scenarios, Scenario{
			Label:             sc.Label,
			ReferenceURL:      sc.ReferenceURL,
			URL:               sc.TestURL,
			ReadyEvent:        o.ReadyEvent,
			Delay:             o.Delay,
			MisMatchThreshold: threshold,
			Selectors:         selectors,
			RemoveSelectors:   o.RemoveSelectors,
			HideSelectors:     o.HideSelectors,
			OnBeforeScript:    o.OnBeforeScript,
			OnReadyScript:     o.OnReadyScript,
		})
	}

	return cfg, nil
}
