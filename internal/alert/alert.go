// Package alert delivers operational alerts raised by the reconciliation
// monitor and other background loops.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"github.com/sirupsen/logrus"

	"github.com/mailforge/syncd/internal/model"
)

// Notifier sends an alert to wherever operators are watching.
type Notifier interface {
	Notify(ctx context.Context, a model.Alert) error
}

// LogNotifier writes alerts to the structured log. It is the fallback
// when no alert endpoint is configured.
type LogNotifier struct {
	Logger *logrus.Logger
}

func (n *LogNotifier) Notify(_ context.Context, a model.Alert) error {
	entry := n.Logger.WithFields(logrus.Fields{
		"source":   a.Source,
		"severity": a.Severity,
		"counters": a.Counters,
	})
	switch a.Severity {
	case model.SeverityError:
		entry.Error(a.Message)
	case model.SeverityWarning:
		entry.Warn(a.Message)
	default:
		entry.Info(a.Message)
	}
	return nil
}

// HTTPNotifier posts alerts as JSON to a configured endpoint.
type HTTPNotifier struct {
	endpoint string
	client   *http.Client
	logger   *logrus.Logger
}

// NewHTTPNotifier creates a notifier posting to endpoint.
func NewHTTPNotifier(endpoint string, logger *logrus.Logger) *HTTPNotifier {
	return &HTTPNotifier{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
	}
}

func (n *HTTPNotifier) Notify(ctx context.Context, a model.Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return eris.Wrap(err, "failed to encode alert")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "failed to build alert request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return eris.Wrapf(err, "failed to post alert to %s", n.endpoint)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return eris.New(fmt.Sprintf("alert endpoint returned %d", resp.StatusCode))
	}
	n.logger.WithField("severity", a.Severity).Debug("Alert delivered")
	return nil
}

// New picks an HTTP notifier when an endpoint is configured, the log
// notifier otherwise.
func New(endpoint string, logger *logrus.Logger) Notifier {
	if endpoint != "" {
		return NewHTTPNotifier(endpoint, logger)
	}
	return &LogNotifier{Logger: logger}
}
