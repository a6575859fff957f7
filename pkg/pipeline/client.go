// Package pipeline is the client for the upstream recommendation producer.
// The producer owns SKU matching and the base pricing context; this service
// only consumes its results.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/rfp-ignite/reviewd/internal/tracing"
	"github.com/rfp-ignite/reviewd/pkg/apperror"
	"github.com/rfp-ignite/reviewd/pkg/models"
)

// Client fetches pipeline results over HTTP. Failures surface as
// upstream-unavailable; retries are the caller's decision.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a pipeline client.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// FetchResult runs the upstream pipeline and returns its result for rfpID.
func (c *Client) FetchResult(ctx context.Context, rfpID string) (*models.PipelineResult, error) {
	ctx, span := tracing.StartSpan(ctx, "pipeline.Client.FetchResult")
	defer span.End()

	body, err := json.Marshal(map[string]string{"rfp_id": rfpID})
	if err != nil {
		return nil, apperror.Internal(err, "failed to encode pipeline request")
	}

	url := fmt.Sprintf("%s/run-rfp-pipeline", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, apperror.Internal(err, "failed to build pipeline request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("pipeline request failed", zap.String("rfp_id", rfpID), zap.Error(err))
		return nil, apperror.Upstream(err, "pipeline unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperror.Upstream(nil, "pipeline returned status %d", resp.StatusCode)
	}

	var result models.PipelineResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, apperror.Upstream(err, "failed to decode pipeline result")
	}

	if !result.Success {
		msg := result.Message
		if msg == "" {
			msg = "pipeline execution failed"
		}
		return nil, apperror.Upstream(nil, "%s", msg)
	}
	if result.RFPID != rfpID {
		return nil, apperror.Validation("pipeline returned RFP %s, expected %s", result.RFPID, rfpID)
	}
	return &result, nil
}
