package crm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/suntrack/sales-agent/pkg/logging"
)

// PipelineClient implements Client against the pipeline's REST API.
type PipelineClient struct {
	http   *resty.Client
	logger *logging.Logger
}

// NewPipelineClient configures a client with bearer auth and a per-call
// timeout.
func NewPipelineClient(baseURL, apiToken string, timeout time.Duration, logger *logging.Logger) (*PipelineClient, error) {
	if baseURL == "" {
		return nil, errors.New("crm: pipeline base URL required")
	}
	if apiToken == "" {
		return nil, errors.New("crm: pipeline api token required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(apiToken).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	return &PipelineClient{http: client, logger: logger}, nil
}

var _ Client = (*PipelineClient)(nil)

type upsertResponse struct {
	ID string `json:"id"`
}

func (c *PipelineClient) UpsertLead(ctx context.Context, lead ExternalLead) (string, error) {
	if lead.Phone == "" {
		return "", errors.New("crm: lead phone required for upsert")
	}

	var result upsertResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(lead).
		SetResult(&result).
		Post("/api/v1/leads/upsert")
	if err != nil {
		return "", fmt.Errorf("crm: upsert request failed: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("crm: upsert returned status %d: %s", resp.StatusCode(), resp.String())
	}
	if result.ID == "" {
		return "", errors.New("crm: upsert response missing lead id")
	}
	return result.ID, nil
}

func (c *PipelineClient) MoveStage(ctx context.Context, pipelineID, stage string) error {
	if pipelineID == "" {
		return errors.New("crm: pipeline id required")
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"stage": stage}).
		Post(fmt.Sprintf("/api/v1/leads/%s/stage", pipelineID))
	if err != nil {
		return fmt.Errorf("crm: move stage request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("crm: move stage returned status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

func (c *PipelineClient) AddTags(ctx context.Context, pipelineID string, tags []string) error {
	if pipelineID == "" {
		return errors.New("crm: pipeline id required")
	}
	if len(tags) == 0 {
		return nil
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string][]string{"tags": tags}).
		Post(fmt.Sprintf("/api/v1/leads/%s/tags", pipelineID))
	if err != nil {
		return fmt.Errorf("crm: add tags request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("crm: add tags returned status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

func (c *PipelineClient) AddNote(ctx context.Context, pipelineID, note string) error {
	if pipelineID == "" {
		return errors.New("crm: pipeline id required")
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"text": note}).
		Post(fmt.Sprintf("/api/v1/leads/%s/notes", pipelineID))
	if err != nil {
		return fmt.Errorf("crm: add note request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("crm: add note returned status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}
