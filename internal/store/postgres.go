package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgxPool is the subset of pgxpool.Pool the repositories need. pgxmock
// satisfies it in tests.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// PostgresLeadRepository stores leads in Postgres via pgx.
type PostgresLeadRepository struct {
	db PgxPool
}

func NewPostgresLeadRepository(db PgxPool) *PostgresLeadRepository {
	return &PostgresLeadRepository{db: db}
}

var _ LeadRepository = (*PostgresLeadRepository)(nil)

const leadColumns = `id, phone, name, score, bill_cents, bill_count, property_type, plan,
	decision_maker, stage, tags, fields, pipeline_id, created_at, updated_at`

func (r *PostgresLeadRepository) Create(ctx context.Context, lead *Lead) error {
	if lead.Phone == "" {
		return ErrMissingPhone
	}
	if lead.ID == "" {
		lead.ID = uuid.NewString()
	}
	if lead.Stage == "" {
		lead.Stage = StageNew
	}
	now := time.Now().UTC()
	lead.CreatedAt = now
	lead.UpdatedAt = now

	fields, err := marshalFields(lead.Fields)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO leads (id, phone, name, score, bill_cents, bill_count, property_type, plan,
		    decision_maker, stage, tags, fields, pipeline_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$14)`,
		lead.ID, lead.Phone, lead.Name, lead.Score, lead.BillCents, lead.BillCount,
		lead.PropertyType, lead.Plan, lead.DecisionMaker, string(lead.Stage),
		tagsOrEmpty(lead.Tags), fields, lead.PipelineID, now)
	if err != nil {
		return fmt.Errorf("store: failed to create lead: %w", err)
	}
	return nil
}

func (r *PostgresLeadRepository) GetByID(ctx context.Context, id string) (*Lead, error) {
	return r.getBy(ctx, "id", id)
}

func (r *PostgresLeadRepository) GetByPhone(ctx context.Context, phone string) (*Lead, error) {
	return r.getBy(ctx, "phone", phone)
}

func (r *PostgresLeadRepository) getBy(ctx context.Context, column, value string) (*Lead, error) {
	row := r.db.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM leads WHERE %s = $1`, leadColumns, column), value)
	lead, err := scanLead(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrLeadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to load lead: %w", err)
	}
	return lead, nil
}

func (r *PostgresLeadRepository) Update(ctx context.Context, lead *Lead) error {
	lead.UpdatedAt = time.Now().UTC()
	fields, err := marshalFields(lead.Fields)
	if err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE leads SET name=$2, score=$3, bill_cents=$4, bill_count=$5, property_type=$6,
		    plan=$7, decision_maker=$8, stage=$9, tags=$10, fields=$11, updated_at=$12
		WHERE id=$1`,
		lead.ID, lead.Name, lead.Score, lead.BillCents, lead.BillCount, lead.PropertyType,
		lead.Plan, lead.DecisionMaker, string(lead.Stage), tagsOrEmpty(lead.Tags), fields, lead.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: failed to update lead: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeadNotFound
	}
	return nil
}

func (r *PostgresLeadRepository) SetPipelineID(ctx context.Context, id, pipelineID string) error {
	tag, err := r.db.Exec(ctx, `UPDATE leads SET pipeline_id=$2 WHERE id=$1`, id, pipelineID)
	if err != nil {
		return fmt.Errorf("store: failed to set pipeline id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeadNotFound
	}
	return nil
}

func (r *PostgresLeadRepository) List(ctx context.Context, stage Stage, limit, offset int) ([]*Lead, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	query := fmt.Sprintf(`SELECT %s FROM leads ORDER BY created_at DESC LIMIT $1 OFFSET $2`, leadColumns)
	args := []any{limit, offset}
	if stage != "" {
		query = fmt.Sprintf(`SELECT %s FROM leads WHERE stage = $3 ORDER BY created_at DESC LIMIT $1 OFFSET $2`, leadColumns)
		args = append(args, string(stage))
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list leads: %w", err)
	}
	defer rows.Close()

	var out []*Lead
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			return nil, fmt.Errorf("store: failed to scan lead: %w", err)
		}
		out = append(out, lead)
	}
	return out, rows.Err()
}

func (r *PostgresLeadRepository) ListDirty(ctx context.Context) ([]*Lead, error) {
	rows, err := r.db.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM leads l
		LEFT JOIN crm_sync_state s ON s.lead_id = l.id
		WHERE s.lead_id IS NULL OR l.updated_at > s.synced_at
		ORDER BY l.updated_at ASC`, prefixColumns("l", leadColumns)))
	if err != nil {
		return nil, fmt.Errorf("store: failed to list dirty leads: %w", err)
	}
	defer rows.Close()

	var out []*Lead
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			return nil, fmt.Errorf("store: failed to scan dirty lead: %w", err)
		}
		out = append(out, lead)
	}
	return out, rows.Err()
}

func scanLead(row pgx.Row) (*Lead, error) {
	var (
		lead      Lead
		stage     string
		rawFields []byte
	)
	err := row.Scan(&lead.ID, &lead.Phone, &lead.Name, &lead.Score, &lead.BillCents,
		&lead.BillCount, &lead.PropertyType, &lead.Plan, &lead.DecisionMaker, &stage,
		&lead.Tags, &rawFields, &lead.PipelineID, &lead.CreatedAt, &lead.UpdatedAt)
	if err != nil {
		return nil, err
	}
	lead.Stage = Stage(stage)
	if lead.Tags == nil {
		lead.Tags = []string{}
	}
	if len(rawFields) > 0 {
		if err := json.Unmarshal(rawFields, &lead.Fields); err != nil {
			return nil, fmt.Errorf("store: failed to decode lead fields: %w", err)
		}
	}
	if lead.Fields == nil {
		lead.Fields = map[string]string{}
	}
	return &lead, nil
}

// PostgresConversationRepository stores conversations in Postgres via pgx.
type PostgresConversationRepository struct {
	db PgxPool
}

func NewPostgresConversationRepository(db PgxPool) *PostgresConversationRepository {
	return &PostgresConversationRepository{db: db}
}

var _ ConversationRepository = (*PostgresConversationRepository)(nil)

const convColumns = `id, lead_id, session_id, last_inbound_at, last_outbound_at, message_count, status, created_at`

func (r *PostgresConversationRepository) Create(ctx context.Context, conv *Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.SessionID == "" {
		conv.SessionID = uuid.NewString()
	}
	if conv.Status == "" {
		conv.Status = ConversationActive
	}
	conv.CreatedAt = time.Now().UTC()
	_, err := r.db.Exec(ctx, `
		INSERT INTO conversations (id, lead_id, session_id, last_inbound_at, last_outbound_at, message_count, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		conv.ID, conv.LeadID, conv.SessionID, conv.LastInboundAt, conv.LastOutboundAt,
		conv.MessageCount, string(conv.Status), conv.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("store: lead already has an active conversation: %w", err)
		}
		return fmt.Errorf("store: failed to create conversation: %w", err)
	}
	return nil
}

func (r *PostgresConversationRepository) GetByID(ctx context.Context, id string) (*Conversation, error) {
	row := r.db.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM conversations WHERE id = $1`, convColumns), id)
	conv, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to load conversation: %w", err)
	}
	return conv, nil
}

func (r *PostgresConversationRepository) Active(ctx context.Context, leadID string) (*Conversation, error) {
	row := r.db.QueryRow(ctx, fmt.Sprintf(
		`SELECT %s FROM conversations WHERE lead_id = $1 AND status = 'active' ORDER BY created_at DESC LIMIT 1`,
		convColumns), leadID)
	conv, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to load active conversation: %w", err)
	}
	return conv, nil
}

func (r *PostgresConversationRepository) TouchInbound(ctx context.Context, id string, at time.Time) error {
	return r.touch(ctx, id, "last_inbound_at", at)
}

func (r *PostgresConversationRepository) TouchOutbound(ctx context.Context, id string, at time.Time) error {
	return r.touch(ctx, id, "last_outbound_at", at)
}

func (r *PostgresConversationRepository) touch(ctx context.Context, id, column string, at time.Time) error {
	tag, err := r.db.Exec(ctx, fmt.Sprintf(
		`UPDATE conversations SET %s = $2, message_count = message_count + 1 WHERE id = $1`, column), id, at)
	if err != nil {
		return fmt.Errorf("store: failed to touch conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConversationNotFound
	}
	return nil
}

func (r *PostgresConversationRepository) End(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `UPDATE conversations SET status = 'ended' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: failed to end conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConversationNotFound
	}
	return nil
}

func scanConversation(row pgx.Row) (*Conversation, error) {
	var (
		conv   Conversation
		status string
	)
	err := row.Scan(&conv.ID, &conv.LeadID, &conv.SessionID, &conv.LastInboundAt,
		&conv.LastOutboundAt, &conv.MessageCount, &status, &conv.CreatedAt)
	if err != nil {
		return nil, err
	}
	conv.Status = ConversationStatus(status)
	return &conv, nil
}

// PostgresMessageRepository stores messages in Postgres via pgx.
type PostgresMessageRepository struct {
	db PgxPool
}

func NewPostgresMessageRepository(db PgxPool) *PostgresMessageRepository {
	return &PostgresMessageRepository{db: db}
}

var _ MessageRepository = (*PostgresMessageRepository)(nil)

func (r *PostgresMessageRepository) Append(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Status == "" {
		msg.Status = MessageSent
	}
	msg.CreatedAt = time.Now().UTC()
	_, err := r.db.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, direction, content, media_ref, segment, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		msg.ID, msg.ConversationID, string(msg.Direction), msg.Content, msg.MediaRef,
		msg.Segment, string(msg.Status), msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: failed to append message: %w", err)
	}
	return nil
}

func (r *PostgresMessageRepository) MarkFailed(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `UPDATE messages SET status = 'failed' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: failed to mark message failed: %w", err)
	}
	return nil
}

func (r *PostgresMessageRepository) Recent(ctx context.Context, conversationID string, n int) ([]Message, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, conversation_id, direction, content, media_ref, segment, status, created_at
		FROM (
			SELECT id, conversation_id, direction, content, media_ref, segment, status, created_at
			FROM messages WHERE conversation_id = $1 ORDER BY created_at DESC LIMIT $2
		) recent ORDER BY created_at ASC`, conversationID, n)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			msg       Message
			direction string
			status    string
		)
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &direction, &msg.Content,
			&msg.MediaRef, &msg.Segment, &status, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: failed to scan message: %w", err)
		}
		msg.Direction = Direction(direction)
		msg.Status = MessageStatus(status)
		out = append(out, msg)
	}
	return out, rows.Err()
}

// PostgresFollowUpRepository stores follow-ups in Postgres via pgx. A partial
// unique index on (lead_id, rung) WHERE status='pending' enforces the
// single-pending invariant at the database.
type PostgresFollowUpRepository struct {
	db PgxPool
}

func NewPostgresFollowUpRepository(db PgxPool) *PostgresFollowUpRepository {
	return &PostgresFollowUpRepository{db: db}
}

var _ FollowUpRepository = (*PostgresFollowUpRepository)(nil)

const followUpColumns = `id, lead_id, conversation_id, rung, scheduled_at, status, payload, created_at, updated_at`

func (r *PostgresFollowUpRepository) Create(ctx context.Context, fu *FollowUp) error {
	if fu.ID == "" {
		fu.ID = uuid.NewString()
	}
	if fu.Status == "" {
		fu.Status = FollowUpPending
	}
	now := time.Now().UTC()
	fu.CreatedAt = now
	fu.UpdatedAt = now
	_, err := r.db.Exec(ctx, `
		INSERT INTO follow_ups (id, lead_id, conversation_id, rung, scheduled_at, status, payload, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)`,
		fu.ID, fu.LeadID, fu.ConversationID, fu.Rung, fu.ScheduledAt, string(fu.Status), fu.Payload, now)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrPendingFollowUpExists
		}
		return fmt.Errorf("store: failed to create follow-up: %w", err)
	}
	return nil
}

func (r *PostgresFollowUpRepository) GetByID(ctx context.Context, id string) (*FollowUp, error) {
	row := r.db.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM follow_ups WHERE id = $1`, followUpColumns), id)
	fu, err := scanFollowUp(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrFollowUpNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to load follow-up: %w", err)
	}
	return fu, nil
}

func (r *PostgresFollowUpRepository) Due(ctx context.Context, now time.Time) ([]*FollowUp, error) {
	rows, err := r.db.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM follow_ups WHERE status = 'pending' AND scheduled_at <= $1 ORDER BY scheduled_at ASC`,
		followUpColumns), now)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list due follow-ups: %w", err)
	}
	defer rows.Close()

	var out []*FollowUp
	for rows.Next() {
		fu, err := scanFollowUp(rows)
		if err != nil {
			return nil, fmt.Errorf("store: failed to scan follow-up: %w", err)
		}
		out = append(out, fu)
	}
	return out, rows.Err()
}

func (r *PostgresFollowUpRepository) HasPending(ctx context.Context, leadID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM follow_ups WHERE lead_id = $1 AND status = 'pending')`,
		leadID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: failed to check pending follow-ups: %w", err)
	}
	return exists, nil
}

func (r *PostgresFollowUpRepository) CancelPending(ctx context.Context, leadID string, before time.Time) (int, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE follow_ups SET status = 'cancelled', updated_at = now()
		WHERE lead_id = $1 AND status = 'pending' AND created_at < $2`, leadID, before)
	if err != nil {
		return 0, fmt.Errorf("store: failed to cancel follow-ups: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *PostgresFollowUpRepository) MarkSent(ctx context.Context, id string) (bool, error) {
	return r.claim(ctx, id, FollowUpSent)
}

func (r *PostgresFollowUpRepository) MarkCancelled(ctx context.Context, id string) (bool, error) {
	return r.claim(ctx, id, FollowUpCancelled)
}

func (r *PostgresFollowUpRepository) MarkFailed(ctx context.Context, id string) (bool, error) {
	return r.claim(ctx, id, FollowUpFailed)
}

// claim transitions a follow-up out of pending. The WHERE status='pending'
// guard makes concurrent workers race safely: exactly one wins the row.
func (r *PostgresFollowUpRepository) claim(ctx context.Context, id string, to FollowUpStatus) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE follow_ups SET status = $2, updated_at = now()
		WHERE id = $1 AND status = 'pending'`, id, string(to))
	if err != nil {
		return false, fmt.Errorf("store: failed to mark follow-up %s: %w", to, err)
	}
	return tag.RowsAffected() > 0, nil
}

func scanFollowUp(row pgx.Row) (*FollowUp, error) {
	var (
		fu     FollowUp
		status string
	)
	err := row.Scan(&fu.ID, &fu.LeadID, &fu.ConversationID, &fu.Rung, &fu.ScheduledAt,
		&status, &fu.Payload, &fu.CreatedAt, &fu.UpdatedAt)
	if err != nil {
		return nil, err
	}
	fu.Status = FollowUpStatus(status)
	return &fu, nil
}

func marshalFields(fields map[string]string) ([]byte, error) {
	if fields == nil {
		fields = map[string]string{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("store: failed to encode lead fields: %w", err)
	}
	return data, nil
}

func tagsOrEmpty(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func prefixColumns(prefix, columns string) string {
	parts := make([]string, 0, 16)
	for _, col := range splitColumns(columns) {
		parts = append(parts, prefix+"."+col)
	}
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

func splitColumns(columns string) []string {
	var out []string
	cur := ""
	for _, r := range columns {
		switch r {
		case ',':
			out = append(out, cur)
			cur = ""
		case ' ', '\n', '\t':
			// skip whitespace between column names
		default:
			cur += string(r)
		}
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}
