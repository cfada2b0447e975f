// Package notify tells interested parties that a test run finished.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
)

// Notification describes one finished run.
type Notification struct {
	TestID    int64   `json:"testId"`
	TestUUID  string  `json:"testUuid"`
	Stage     string  `json:"stage,omitempty"`
	PassRate  float64 `json:"passRate"`
	Success   bool    `json:"success"`
	ReportURL string  `json:"reportUrl"`
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Noop discards notifications.
type Noop struct{}

func (Noop) Notify(ctx context.Context, n Notification) error { return nil }

// Log writes notifications to a logger.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(ctx context.Context, n Notification) error {
	l.Logger.InfoContext(ctx, "test run finished",
		"test_id", n.TestID,
		"stage", n.Stage,
		"pass_rate", n.PassRate,
		"success", n.Success,
		"report_url", n.ReportURL,
	)
	return nil
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReportURL joins the public report base URL with a test's report index.
// An absolute resultsURL from a remote worker wins over the local report.
func ReportURL(baseURL string, testID int64, resultsURL string) string {
	if resultsURL != "" {
		return resultsURL
	}
	if baseURL == "" {
		return ""
	}
	return strings.TrimRight(baseURL, "/") + "/" + strconv.FormatInt(testID, 10) + "/html_report/index.html"
}
