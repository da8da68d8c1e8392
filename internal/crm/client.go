// Package crm mirrors lead state into the external sales pipeline. The
// pipeline is a projection: local state is authoritative and the reconciler
// pushes one-way, never reads decisions back.
package crm

import (
	"context"
	"errors"
)

// ErrUnmappedStage means the stage map in config lacks an entry for a stage
// a lead reached. It is a deployment error and must surface loudly instead
// of being skipped.
var ErrUnmappedStage = errors.New("crm: stage not mapped to pipeline")

// ExternalLead is the lead projection sent to the pipeline on upsert.
type ExternalLead struct {
	Phone  string            `json:"phone"`
	Name   string            `json:"name"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Client talks to the external CRM pipeline.
type Client interface {
	// UpsertLead creates or updates the pipeline card and returns its id.
	UpsertLead(ctx context.Context, lead ExternalLead) (string, error)
	MoveStage(ctx context.Context, pipelineID, stage string) error
	AddTags(ctx context.Context, pipelineID string, tags []string) error
	AddNote(ctx context.Context, pipelineID, note string) error
}
