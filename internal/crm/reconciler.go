package crm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/suntrack/sales-agent/internal/locks"
	"github.com/suntrack/sales-agent/internal/observability/metrics"
	"github.com/suntrack/sales-agent/internal/store"
	"github.com/suntrack/sales-agent/pkg/logging"
)

var reconcilerTracer = otel.Tracer("salesagent.internal.crm.reconciler")

const reconcileLockTTL = time.Minute

// StageMap translates local funnel stages to pipeline stage identifiers.
type StageMap map[store.Stage]string

// ParseStageMap decodes a JSON object of local stage to pipeline stage id,
// e.g. {"new":"col-1","qualified":"col-3"}. Unknown local stages are rejected
// so a typo fails at startup instead of at reconcile time.
func ParseStageMap(raw string) (StageMap, error) {
	if strings.TrimSpace(raw) == "" {
		return StageMap{}, nil
	}
	var decoded map[string]string
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Errorf("crm: invalid stage map: %w", err)
	}
	out := make(StageMap, len(decoded))
	for key, value := range decoded {
		stage := store.Stage(key)
		if !stage.Valid() {
			return nil, fmt.Errorf("crm: stage map references unknown stage %q", key)
		}
		out[stage] = value
	}
	return out, nil
}

// Reconciler diffs each lead against the last pushed snapshot and sends only
// what changed. A clean diff makes zero external calls, so retrying is free.
type Reconciler struct {
	client   Client
	leads    store.LeadRepository
	syncs    store.SyncStateRepository
	locks    *locks.Manager
	stageMap StageMap
	metrics  *metrics.LifecycleMetrics
	logger   *logging.Logger
	now      func() time.Time
}

func NewReconciler(
	client Client,
	leads store.LeadRepository,
	syncs store.SyncStateRepository,
	lockManager *locks.Manager,
	stageMap StageMap,
	logger *logging.Logger,
) *Reconciler {
	if client == nil {
		panic("crm: client cannot be nil")
	}
	if leads == nil || syncs == nil {
		panic("crm: repositories cannot be nil")
	}
	if lockManager == nil {
		panic("crm: lock manager cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Reconciler{
		client:   client,
		leads:    leads,
		syncs:    syncs,
		locks:    lockManager,
		stageMap: stageMap,
		logger:   logger,
		now:      time.Now,
	}
}

// WithMetrics sets the lifecycle metrics sink.
func (r *Reconciler) WithMetrics(m *metrics.LifecycleMetrics) *Reconciler {
	r.metrics = m
	return r
}

// WithClock replaces the time source for tests.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// Reconcile pushes the lead's drift to the pipeline. The snapshot is updated
// only after every push succeeded; a partial failure leaves it stale so the
// next pass retries the remainder. Safe to call when nothing changed.
func (r *Reconciler) Reconcile(ctx context.Context, lead *store.Lead) error {
	ctx, span := reconcilerTracer.Start(ctx, "crm.reconcile")
	defer span.End()
	span.SetAttributes(attribute.String("salesagent.lead_id", lead.ID))

	lease, err := r.locks.Acquire(ctx, lead.ID, "reconcile", reconcileLockTTL)
	if errors.Is(err, locks.ErrNotAcquired) {
		return nil
	}
	if err != nil {
		return err
	}
	defer lease.Release(ctx)

	snap, err := r.syncs.Get(ctx, lead.ID)
	if err != nil {
		return fmt.Errorf("crm: failed to load sync snapshot: %w", err)
	}

	fields := leadFields(lead)
	stageChanged := snap == nil || snap.Stage != lead.Stage
	newTags := missingTags(lead.Tags, snap)
	fieldsChanged := snap == nil || !equalFields(snap.Fields, fields)

	if !stageChanged && len(newTags) == 0 && !fieldsChanged && lead.PipelineID != "" {
		// Refresh synced_at so a drift-free lead (say a name-only update)
		// drops out of the dirty sweep instead of re-diffing forever.
		refreshed := *snap
		refreshed.SyncedAt = r.now().UTC()
		if err := r.syncs.Put(ctx, lead.ID, refreshed); err != nil {
			return fmt.Errorf("crm: failed to refresh sync snapshot: %w", err)
		}
		r.metrics.ObserveReconcile("noop")
		return nil
	}

	var pipelineStage string
	if stageChanged {
		var ok bool
		pipelineStage, ok = r.stageMap[lead.Stage]
		if !ok {
			r.metrics.ObserveReconcile("unmapped")
			return fmt.Errorf("%w: %q", ErrUnmappedStage, lead.Stage)
		}
	}

	if err := r.push(ctx, lead, fields, stageChanged, pipelineStage, newTags, fieldsChanged); err != nil {
		r.metrics.ObserveReconcile("error")
		span.RecordError(err)
		return err
	}

	next := store.SyncSnapshot{
		Stage:    lead.Stage,
		Tags:     unionTags(snap, lead.Tags),
		Fields:   fields,
		SyncedAt: r.now().UTC(),
	}
	if err := r.syncs.Put(ctx, lead.ID, next); err != nil {
		r.metrics.ObserveReconcile("error")
		return fmt.Errorf("crm: failed to store sync snapshot: %w", err)
	}

	r.metrics.ObserveReconcile("synced")
	r.logger.Info("lead reconciled to pipeline",
		"lead_id", lead.ID, "pipeline_id", lead.PipelineID,
		"stage_changed", stageChanged, "new_tags", len(newTags), "fields_changed", fieldsChanged)
	return nil
}

func (r *Reconciler) push(
	ctx context.Context,
	lead *store.Lead,
	fields map[string]string,
	stageChanged bool,
	pipelineStage string,
	newTags []string,
	fieldsChanged bool,
) error {
	if lead.PipelineID == "" || fieldsChanged {
		id, err := r.client.UpsertLead(ctx, ExternalLead{
			Phone:  lead.Phone,
			Name:   lead.Name,
			Fields: fields,
		})
		if err != nil {
			return err
		}
		if lead.PipelineID == "" {
			if err := r.leads.SetPipelineID(ctx, lead.ID, id); err != nil {
				return fmt.Errorf("crm: failed to store pipeline id: %w", err)
			}
			lead.PipelineID = id
		}
	}

	if stageChanged {
		if err := r.client.MoveStage(ctx, lead.PipelineID, pipelineStage); err != nil {
			return err
		}
	}
	if len(newTags) > 0 {
		if err := r.client.AddTags(ctx, lead.PipelineID, newTags); err != nil {
			return err
		}
	}
	return nil
}

// leadFields flattens the lead into the pipeline's custom-field projection.
func leadFields(lead *store.Lead) map[string]string {
	fields := make(map[string]string, len(lead.Fields)+4)
	for k, v := range lead.Fields {
		fields[k] = v
	}
	if lead.BillCents > 0 {
		fields["bill_cents"] = strconv.FormatInt(lead.BillCents, 10)
	}
	if lead.PropertyType != "" {
		fields["property_type"] = lead.PropertyType
	}
	if lead.Plan != "" {
		fields["plan"] = lead.Plan
	}
	if lead.DecisionMaker != nil {
		fields["decision_maker"] = strconv.FormatBool(*lead.DecisionMaker)
	}
	if lead.Score > 0 {
		fields["score"] = strconv.Itoa(lead.Score)
	}
	return fields
}

// missingTags returns the lead tags absent from the snapshot. Tags are
// additive: nothing is ever removed from the pipeline.
func missingTags(tags []string, snap *store.SyncSnapshot) []string {
	var out []string
	for _, tag := range tags {
		if !snap.HasTag(tag) {
			out = append(out, tag)
		}
	}
	return out
}

func unionTags(snap *store.SyncSnapshot, tags []string) []string {
	var out []string
	if snap != nil {
		out = append(out, snap.Tags...)
	}
	for _, tag := range tags {
		found := false
		for _, existing := range out {
			if existing == tag {
				found = true
				break
			}
		}
		if !found {
			out = append(out, tag)
		}
	}
	return out
}

func equalFields(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
