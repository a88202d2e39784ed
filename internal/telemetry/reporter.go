// Package telemetry sends fire-and-forget events to the business backend.
// Reports run on their own goroutines and never block or fail the request
// that produced them.
package telemetry

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/modelrelay/gateway/internal/models"
)

const (
	errorsPath = "/v1/telemetry/errors"
	usagePath  = "/v1/telemetry/usage"
)

// Reporter posts telemetry events to the business backend.
type Reporter struct {
	client  *http.Client
	baseURL string
	logger  *log.Logger

	wg sync.WaitGroup
}

// New builds a Reporter with a short dedicated timeout so a slow telemetry
// endpoint cannot pile up goroutines indefinitely.
func New(baseURL string, logger *log.Logger) *Reporter {
	return &Reporter{
		client:  &http.Client{Timeout: 5 * time.Second},
		baseURL: baseURL,
		logger:  logger,
	}
}

// ReportError submits an error event and returns immediately.
func (r *Reporter) ReportError(event models.ErrorEvent) {
	r.post(errorsPath, event)
}

// ReportUsage submits a usage event and returns immediately.
func (r *Reporter) ReportUsage(event models.UsageEvent) {
	r.post(usagePath, event)
}

// Wait blocks until in-flight reports finish. Used by shutdown and tests.
func (r *Reporter) Wait() {
	r.wg.Wait()
}

func (r *Reporter) post(path string, event any) {
	body, err := json.Marshal(event)
	if err != nil {
		r.logger.Printf("telemetry: marshal event: %v", err)
		return
	}
	url := r.baseURL + path

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		resp, err := r.client.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			r.logger.Printf("telemetry: post %s: %v", path, err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			r.logger.Printf("telemetry: post %s: status %d", path, resp.StatusCode)
		}
	}()
}
