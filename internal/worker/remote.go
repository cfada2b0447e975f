package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"shotplane/internal/store"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/spf13/afero"
	"golang.org/x/time/rate"
)

// Remote worker endpoints.
const (
	PublishPath = "/api/v1/test/add"
	FetchPath   = "/api/v1/result/fetch"
)

// RemoteConfig holds configuration for the remote worker client.
type RemoteConfig struct {
	Host           string        // Base URL of the remote worker; empty disables publishing
	Origin         string        // Instance id sent as origin
	Environment    string        // Deployment environment sent with every publish
	ConnectTimeout time.Duration // Dial timeout (default: 10s)
	Timeout        time.Duration // Whole request timeout (default: 60s)
	RetryMax       int           // Retries for network errors and 5xx responses
	RatePerSecond  float64       // Request pacing; 0 disables it
}

// ErrorKind classifies a failed remote call.
type ErrorKind string

const (
	KindClient  ErrorKind = "client"
	KindServer  ErrorKind = "server"
	KindNetwork ErrorKind = "network"
)

// RemoteError is a failed remote call. Code, Message and Reason come from the
// remote error body when one was sent.
type RemoteError struct {
	Kind       ErrorKind `json:"-"`
	StatusCode int       `json:"-"`
	Code       int       `json:"code"`
	Message    string    `json:"message"`
	Reason     string    `json:"reason"`
	Err        error     `json:"-"`
}

func (e *RemoteError) Error() string {
	if e.Kind == KindNetwork {
		return fmt.Sprintf("remote %s error: %v", e.Kind, e.Err)
	}
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return fmt.Sprintf("remote %s error %d: %s", e.Kind, e.StatusCode, msg)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// Response is a successful remote call.
type Response struct {
	Code int
	Body []byte
}

// PublishRequest is the body posted to the remote test endpoint.
type PublishRequest struct {
	Browser     string          `json:"browser"`
	Mode        string          `json:"mode"`
	Stage       string          `json:"stage,omitempty"`
	UUID        string          `json:"uuid"`
	Origin      string          `json:"origin"`
	Environment string          `json:"environment"`
	TestConfig  json.RawMessage `json:"test_config"`
}

type fetchRequest struct {
	Origin    string   `json:"origin"`
	TestUUIDs []string `json:"testUuids"`
}

// FetchResponse is the body returned by the result endpoint, keyed by test uuid.
type FetchResponse struct {
	Results map[string]RemoteResult `json:"results"`
}

// RemoteResult is one finished remote run.
type RemoteResult struct {
	Data       RemoteResultData `json:"data"`
	ResultsURL string           `json:"resultsUrl"`
	SentAt     string           `json:"sentAt"`

	// Raw is the undecoded result as received.
	Raw json.RawMessage `json:"-"`
}

// RemoteResultData holds the metadata and screenshots of a remote run.
type RemoteResultData struct {
	Metadata RemoteMetadata     `json:"metadata"`
	Results  []RemoteScreenshot `json:"results"`
}

// RemoteMetadata is the run summary reported by the remote worker.
type RemoteMetadata struct {
	Mode        string  `json:"mode"`
	Stage       string  `json:"stage"`
	Datetime    string  `json:"datetime"`
	Duration    float64 `json:"duration"`
	PassedCount *int    `json:"passedCount"`
	FailedCount *int    `json:"failedCount"`
	Engine      string  `json:"engine"`
	Browser     string  `json:"browser"`
}

// RemoteScreenshot references scenarios and viewports by label.
type RemoteScreenshot struct {
	ScenarioLabel string `json:"scenarioLabel"`
	ViewportLabel string `json:"viewportLabel"`
	ReferencePath string `json:"referencePath"`
	TestPath      string `json:"testPath"`
	DiffPath      string `json:"diffPath"`
	Success       bool   `json:"success"`
}

// UnmarshalJSON keeps a copy of the raw result next to the decoded fields.
func (r *RemoteResult) UnmarshalJSON(data []byte) error {
	type plain RemoteResult
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = RemoteResult(p)
	r.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// RemoteWorker hands tests to a remote worker over HTTP.
type RemoteWorker struct {
	config  RemoteConfig
	client  *retryablehttp.Client
	limiter *rate.Limiter
	fs      afero.Fs
	logger  *slog.Logger
}

// NewRemoteWorker creates a remote worker client. fs is used to read test
// configuration files in Run.
func NewRemoteWorker(config RemoteConfig, fs afero.Fs, logger *slog.Logger) *RemoteWorker {
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	config.Host = strings.TrimRight(config.Host, "/")

	client := retryablehttp.NewClient()
	client.RetryMax = config.RetryMax
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.Logger = logger
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.HTTPClient = &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			Proxy:       http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{Timeout: config.ConnectTimeout}).DialContext,
		},
	}

	limit := rate.Inf
	if config.RatePerSecond > 0 {
		limit = rate.Limit(config.RatePerSecond)
	}

	return &RemoteWorker{
		config:  config,
		client:  client,
		limiter: rate.NewLimiter(limit, 1),
		fs:      fs,
		logger:  logger,
	}
}

// Configured reports whether a remote host is set.
func (w *RemoteWorker) Configured() bool {
	return w.config.Host != ""
}

// Publish posts a test to the remote worker. Without a host it returns a
// 204 response and performs no request.
func (w *RemoteWorker) Publish(ctx context.Context, req PublishRequest) (*Response, error) {
	if !w.Configured() {
		return &Response{Code: http.StatusNoContent}, nil
	}
	req.Origin = w.config.Origin
	req.Environment = w.config.Environment
	if len(req.TestConfig) == 0 {
		req.TestConfig = json.RawMessage("{}")
	}
	return w.post(ctx, PublishPath, req)
}

// FetchResults asks the remote worker for finished results of uuids.
func (w *RemoteWorker) FetchResults(ctx context.Context, uuids []string) (*FetchResponse, error) {
	if !w.Configured() {
		return &FetchResponse{}, nil
	}
	resp, err := w.post(ctx, FetchPath, fetchRequest{Origin: w.config.Origin, TestUUIDs: uuids})
	if err != nil {
		return nil, err
	}

	var out FetchResponse
	if len(bytes.TrimSpace(resp.Body)) == 0 || resp.Code == http.StatusNoContent {
		return &out, nil
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("decode fetch response: %w", err)
	}
	return &out, nil
}

// Run publishes test and returns ErrDeferred; the result is consumed later.
// Before/after tests map the reference command to the before stage and the
// test command to the after stage.
func (w *RemoteWorker) Run(ctx context.Context, browser, command string, test *store.TestRun) (RunResult, error) {
	if test == nil {
		return RunResult{}, ErrInvalidEntity
	}
	stage := store.StageNone
	if test.Mode == store.ModeBeforeAfter {
		switch command {
		case "reference":
			stage = store.StageBefore
		case "test":
			stage = store.StageAfter
		default:
			return RunResult{}, fmt.Errorf("%w: %q", ErrInvalidCommand, command)
		}
	}

	cfg, err := w.readConfig(test)
	if err != nil {
		return RunResult{}, err
	}

	if _, err := w.Publish(ctx, PublishRequest{
		Browser:    browser,
		Mode:       string(test.Mode),
		Stage:      stage,
		UUID:       test.UUID,
		TestConfig: cfg,
	}); err != nil {
		return FailedResult(test.Engine, browser), err
	}
	return RunResult{Engine: test.Engine, Browser: browser}, ErrDeferred
}

// CheckRunStatus never fails; the remote side schedules its own work.
func (w *RemoteWorker) CheckRunStatus(ctx context.Context) error {
	return nil
}

// Status describes the remote target.
func (w *RemoteWorker) Status(ctx context.Context) string {
	if !w.Configured() {
		return "disabled"
	}
	return "publishing to " + w.config.Host
}

func (w *RemoteWorker) readConfig(test *store.TestRun) (json.RawMessage, error) {
	if test.ConfigurationPath == "" {
		return nil, fmt.Errorf("%w: test %d has no configuration path", ErrInvalidConfiguration, test.ID)
	}
	data, err := afero.ReadFile(w.fs, test.ConfigurationPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%w: %s is not valid JSON", ErrInvalidConfiguration, test.ConfigurationPath)
	}
	return data, nil
}

func (w *RemoteWorker) post(ctx context.Context, path string, body any) (*Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	if err := w.limiter.Wait(ctx); err != nil {
		return nil, &RemoteError{Kind: KindNetwork, Err: err}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, w.config.Host+path, payload)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, &RemoteError{Kind: KindNetwork, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RemoteError{Kind: KindNetwork, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode >= 400 {
		rerr := &RemoteError{Kind: KindClient, StatusCode: resp.StatusCode}
		if resp.StatusCode >= 500 {
			rerr.Kind = KindServer
		}
		if jerr := json.Unmarshal(data, rerr); jerr != nil {
			rerr.Message = strings.TrimSpace(string(data))
		}
		return nil, rerr
	}

	return &Response{Code: resp.StatusCode, Body: data}, nil
}

// IsRemoteError reports whether err is a failed remote call of kind.
func IsRemoteError(err error, kind ErrorKind) bool {
	var rerr *RemoteError
	return errors.As(err, &rerr) && rerr.Kind == kind
}
