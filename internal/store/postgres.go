package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Users

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, password_hash, role, created_at, updated_at
		FROM users WHERE LOWER(email) = LOWER($1)
	`, strings.TrimSpace(email)))
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, password_hash, role, created_at, updated_at
		FROM users WHERE id = $1
	`, userID))
}

func (s *PostgresStore) scanUser(row *sql.Row) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Email, &user.DisplayName, &user.PasswordHash, &user.Role, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("read user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) (User, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (email, display_name, password_hash, role)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at
	`, strings.TrimSpace(user.Email), user.DisplayName, user.PasswordHash, user.Role).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) InsertCustomer(ctx context.Context, customer Customer) (Customer, error) {
	var orgNumber any
	if customer.OrgNumber != "" {
		orgNumber = customer.OrgNumber
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO customers (name, email, phone, org_number)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, customer.Name, customer.Email, customer.Phone, orgNumber).Scan(&customer.ID, &customer.CreatedAt)
	if err != nil {
		return Customer{}, fmt.Errorf("insert customer: %w", err)
	}
	return customer, nil
}

// Content blocks

const contentBlockColumns = `key, locale, draft, published, version, updated_at, updated_by, published_at, COALESCE(published_by, '')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContentBlock(row rowScanner) (ContentBlock, error) {
	var (
		block     ContentBlock
		draft     []byte
		published []byte
	)
	if err := row.Scan(&block.Key, &block.Locale, &draft, &published, &block.Version, &block.UpdatedAt, &block.UpdatedBy, &block.PublishedAt, &block.PublishedBy); err != nil {
		return ContentBlock{}, err
	}
	if err := json.Unmarshal(draft, &block.Draft); err != nil {
		return ContentBlock{}, fmt.Errorf("decode draft %s/%s: %w", block.Key, block.Locale, err)
	}
	if err := json.Unmarshal(published, &block.Published); err != nil {
		return ContentBlock{}, fmt.Errorf("decode published %s/%s: %w", block.Key, block.Locale, err)
	}
	if block.Draft == nil {
		block.Draft = Fields{}
	}
	if block.Published == nil {
		block.Published = Fields{}
	}
	return block, nil
}

func (s *PostgresStore) ListContentBlocks(ctx context.Context) ([]ContentBlock, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+contentBlockColumns+` FROM content_blocks ORDER BY key, locale`)
	if err != nil {
		return nil, fmt.Errorf("list content blocks: %w", err)
	}
	defer rows.Close()

	items := make([]ContentBlock, 0)
	for rows.Next() {
		item, err := scanContentBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("scan content block: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate content blocks: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetContentBlock(ctx context.Context, key, locale string) (ContentBlock, error) {
	block, err := scanContentBlock(s.db.QueryRowContext(ctx, `
		SELECT `+contentBlockColumns+` FROM content_blocks WHERE key = $1 AND locale = $2
	`, key, locale))
	if errors.Is(err, sql.ErrNoRows) {
		return ContentBlock{}, ErrNotFound
	}
	if err != nil {
		return ContentBlock{}, fmt.Errorf("get content block: %w", err)
	}
	return block, nil
}

// UpsertContentDraft merges the patch into draft with jsonb concatenation, so concurrent writers
// interleave per field. When BaseVersion is set the stored version must match.
func (s *PostgresStore) UpsertContentDraft(ctx context.Context, update DraftUpdate) (ContentBlock, error) {
	patch := update.Patch
	if patch == nil {
		patch = Fields{}
	}
	encoded, err := json.Marshal(patch)
	if err != nil {
		return ContentBlock{}, fmt.Errorf("encode draft patch: %w", err)
	}

	var block ContentBlock
	err = withTx(ctx, s.db, "draft", func(tx *sql.Tx) error {
		if update.BaseVersion != nil {
			// A version 0 placeholder gives concurrent creators a row to lock; it is rolled back on conflict.
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO content_blocks (key, locale, version, updated_by)
				VALUES ($1, $2, 0, $3)
				ON CONFLICT (key, locale) DO NOTHING
			`, update.Key, update.Locale, update.UpdatedBy); err != nil {
				return fmt.Errorf("reserve block row: %w", err)
			}
			var current int
			if err := tx.QueryRowContext(ctx, `
				SELECT version FROM content_blocks WHERE key = $1 AND locale = $2 FOR UPDATE
			`, update.Key, update.Locale).Scan(&current); err != nil {
				return fmt.Errorf("read block version: %w", err)
			}
			if current != *update.BaseVersion {
				return fmt.Errorf("%w: %s/%s is at version %d, not %d", ErrVersionConflict, update.Key, update.Locale, current, *update.BaseVersion)
			}
		}

		var err error
		block, err = scanContentBlock(tx.QueryRowContext(ctx, `
			INSERT INTO content_blocks (key, locale, draft, updated_by)
			VALUES ($1, $2, $3::jsonb, $4)
			ON CONFLICT (key, locale) DO UPDATE
			SET draft = content_blocks.draft || EXCLUDED.draft,
				version = content_blocks.version + 1,
				updated_at = NOW(),
				updated_by = EXCLUDED.updated_by
			RETURNING `+contentBlockColumns,
			update.Key, update.Locale, string(encoded), update.UpdatedBy))
		if err != nil {
			return fmt.Errorf("upsert draft: %w", err)
		}
		return nil
	})
	if err != nil {
		return ContentBlock{}, err
	}
	return block, nil
}

// PublishContentBlock calls the publish_content_block procedure.
func (s *PostgresStore) PublishContentBlock(ctx context.Context, key, locale, actor string) (ContentBlock, error) {
	block, err := scanContentBlock(s.db.QueryRowContext(ctx, `
		SELECT `+contentBlockColumns+` FROM publish_content_block($1, $2, $3)
	`, key, locale, actor))
	if errors.Is(err, sql.ErrNoRows) {
		return ContentBlock{}, ErrNotFound
	}
	if err != nil {
		return ContentBlock{}, fmt.Errorf("publish content block: %w", err)
	}
	return block, nil
}

// Quotes

// GetQuoteByToken returns soft-deleted quotes too; callers decide between not-found and gone.
func (s *PostgresStore) GetQuoteByToken(ctx context.Context, token string) (Quote, error) {
	var quote Quote
	err := s.db.QueryRowContext(ctx, `
		SELECT id, token, customer_name, customer_email, title, total_cents, status, declined_at, deleted_at, created_at
		FROM quotes WHERE token = $1
	`, token).Scan(&quote.ID, &quote.Token, &quote.CustomerName, &quote.CustomerEmail, &quote.Title, &quote.TotalCents, &quote.Status, &quote.DeclinedAt, &quote.DeletedAt, &quote.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Quote{}, ErrNotFound
	}
	if err != nil {
		return Quote{}, fmt.Errorf("get quote: %w", err)
	}
	return quote, nil
}

func (s *PostgresStore) InsertQuoteQuestion(ctx context.Context, question QuoteQuestion) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quote_questions (quote_id, question, customer_name, customer_email)
		VALUES ($1, $2, $3, NULLIF($4, ''))
	`, question.QuoteID, question.Question, question.CustomerName, question.CustomerEmail)
	if err != nil {
		return fmt.Errorf("insert quote question: %w", err)
	}
	return nil
}

// DeclineQuote records the rejection and moves the quote to declined in one transaction.
func (s *PostgresStore) DeclineQuote(ctx context.Context, rejection QuoteRejection) error {
	return withTx(ctx, s.db, "decline", func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE quotes
			SET status = 'declined', declined_at = NOW(), updated_at = NOW()
			WHERE id = $1 AND deleted_at IS NULL AND status NOT IN ('declined', 'accepted')
		`, rejection.QuoteID)
		if err != nil {
			return fmt.Errorf("decline quote: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("decline quote rows: %w", err)
		}
		if affected == 0 {
			return ErrStateConflict
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO quote_rejections (quote_id, reason, reason_text, customer_name, customer_email)
			VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''))
		`, rejection.QuoteID, rejection.Reason, rejection.ReasonText, rejection.CustomerName, rejection.CustomerEmail); err != nil {
			return fmt.Errorf("insert quote rejection: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) InsertQuoteReminder(ctx context.Context, reminder QuoteReminder) (QuoteReminder, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO quote_reminders (quote_id, customer_email, remind_at)
		VALUES ($1, $2, $3)
		RETURNING id
	`, reminder.QuoteID, reminder.CustomerEmail, reminder.RemindAt).Scan(&reminder.ID)
	if err != nil {
		return QuoteReminder{}, fmt.Errorf("insert quote reminder: %w", err)
	}
	return reminder, nil
}

// DueReminders lists unsent reminders of live quotes whose time has come.
func (s *PostgresStore) DueReminders(ctx context.Context, now time.Time, limit int) ([]QuoteReminder, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.quote_id, q.title, r.customer_email, r.remind_at
		FROM quote_reminders r
		JOIN quotes q ON q.id = r.quote_id
		WHERE r.sent_at IS NULL AND r.remind_at <= $1 AND q.deleted_at IS NULL
		ORDER BY r.remind_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due reminders: %w", err)
	}
	defer rows.Close()

	items := make([]QuoteReminder, 0)
	for rows.Next() {
		var item QuoteReminder
		if err := rows.Scan(&item.ID, &item.QuoteID, &item.QuoteTitle, &item.CustomerEmail, &item.RemindAt); err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reminders: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) MarkReminderSent(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE quote_reminders SET sent_at = NOW() WHERE id = $1 AND sent_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("mark reminder sent: %w", err)
	}
	return nil
}

// Projects and jobs

func (s *PostgresStore) DispatchProject(ctx context.Context, projectID, strategy, workerID string) error {
	status := "pooled"
	var worker any
	if strategy == "manual" {
		status = "assigned"
		worker = workerID
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE projects
		SET dispatch_strategy = $2, worker_id = $3, status = $4, dispatched_at = NOW()
		WHERE id = $1
	`, projectID, strategy, worker, status)
	if err != nil {
		return fmt.Errorf("dispatch project: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("dispatch project rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (Job, error) {
	var job Job
	err := s.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(project_id, ''), title, status FROM jobs WHERE id = $1
	`, jobID).Scan(&job.ID, &job.ProjectID, &job.Title, &job.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// InsertJobRequests writes every invitation or none.
func (s *PostgresStore) InsertJobRequests(ctx context.Context, requests []JobRequest) (int, error) {
	err := withTx(ctx, s.db, "job requests", func(tx *sql.Tx) error {
		for _, request := range requests {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO job_requests (id, job_id, worker_id, status, message, expires_at)
				VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
			`, request.ID, request.JobID, request.WorkerID, request.Status, request.Message, request.ExpiresAt); err != nil {
				return fmt.Errorf("insert job request for %s: %w", request.WorkerID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(requests), nil
}

// Feature flags

func (s *PostgresStore) ListFlags(ctx context.Context) ([]FeatureFlag, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, description, enabled, updated_at, updated_by FROM feature_flags ORDER BY key
	`)
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}
	defer rows.Close()

	items := make([]FeatureFlag, 0)
	for rows.Next() {
		var item FeatureFlag
		if err := rows.Scan(&item.Key, &item.Description, &item.Enabled, &item.UpdatedAt, &item.UpdatedBy); err != nil {
			return nil, fmt.Errorf("scan flag: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate flags: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetFlag(ctx context.Context, key string) (FeatureFlag, error) {
	var item FeatureFlag
	err := s.db.QueryRowContext(ctx, `
		SELECT key, description, enabled, updated_at, updated_by FROM feature_flags WHERE key = $1
	`, key).Scan(&item.Key, &item.Description, &item.Enabled, &item.UpdatedAt, &item.UpdatedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return FeatureFlag{}, ErrNotFound
	}
	if err != nil {
		return FeatureFlag{}, fmt.Errorf("get flag: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) UpsertFlag(ctx context.Context, flag FeatureFlag) (FeatureFlag, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO feature_flags (key, description, enabled, updated_by)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE
		SET enabled = EXCLUDED.enabled,
			description = CASE WHEN EXCLUDED.description = '' THEN feature_flags.description ELSE EXCLUDED.description END,
			updated_at = NOW(),
			updated_by = EXCLUDED.updated_by
		RETURNING description, updated_at
	`, flag.Key, flag.Description, flag.Enabled, flag.UpdatedBy).Scan(&flag.Description, &flag.UpdatedAt)
	if err != nil {
		return FeatureFlag{}, fmt.Errorf("upsert flag: %w", err)
	}
	return flag, nil
}

func (s *PostgresStore) ListFlagOverrides(ctx context.Context, key string) ([]FlagOverride, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT flag_key, scope, enabled FROM feature_flag_overrides WHERE flag_key = $1 ORDER BY scope
	`, key)
	if err != nil {
		return nil, fmt.Errorf("list flag overrides: %w", err)
	}
	defer rows.Close()

	items := make([]FlagOverride, 0)
	for rows.Next() {
		var item FlagOverride
		if err := rows.Scan(&item.FlagKey, &item.Scope, &item.Enabled); err != nil {
			return nil, fmt.Errorf("scan flag override: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate flag overrides: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpsertFlagOverride(ctx context.Context, override FlagOverride) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feature_flag_overrides (flag_key, scope, enabled)
		VALUES ($1, $2, $3)
		ON CONFLICT (flag_key, scope) DO UPDATE SET enabled = EXCLUDED.enabled, updated_at = NOW()
	`, override.FlagKey, override.Scope, override.Enabled)
	if err != nil {
		return fmt.Errorf("upsert flag override: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteFlagOverride(ctx context.Context, key, scope string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM feature_flag_overrides WHERE flag_key = $1 AND scope = $2`, key, scope)
	if err != nil {
		return fmt.Errorf("delete flag override: %w", err)
	}
	return nil
}

const scheduledChangeColumns = `id, flag_key, enabled, scheduled_for, executed, cancelled, executed_at, cancelled_at, created_by`

func scanScheduledChange(row rowScanner) (ScheduledFlagChange, error) {
	var item ScheduledFlagChange
	err := row.Scan(&item.ID, &item.FlagKey, &item.Enabled, &item.ScheduledFor, &item.Executed, &item.Cancelled, &item.ExecutedAt, &item.CancelledAt, &item.CreatedBy)
	return item, err
}

func (s *PostgresStore) InsertScheduledFlagChange(ctx context.Context, change ScheduledFlagChange) (ScheduledFlagChange, error) {
	item, err := scanScheduledChange(s.db.QueryRowContext(ctx, `
		INSERT INTO scheduled_flag_changes (flag_key, enabled, scheduled_for, created_by)
		VALUES ($1, $2, $3, $4)
		RETURNING `+scheduledChangeColumns,
		change.FlagKey, change.Enabled, change.ScheduledFor, change.CreatedBy))
	if err != nil {
		return ScheduledFlagChange{}, fmt.Errorf("insert scheduled flag change: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) GetScheduledFlagChange(ctx context.Context, id int64) (ScheduledFlagChange, error) {
	item, err := scanScheduledChange(s.db.QueryRowContext(ctx, `
		SELECT `+scheduledChangeColumns+` FROM scheduled_flag_changes WHERE id = $1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduledFlagChange{}, ErrNotFound
	}
	if err != nil {
		return ScheduledFlagChange{}, fmt.Errorf("get scheduled flag change: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListScheduledFlagChanges(ctx context.Context, key string) ([]ScheduledFlagChange, error) {
	return s.queryScheduledChanges(ctx, `
		SELECT `+scheduledChangeColumns+` FROM scheduled_flag_changes WHERE flag_key = $1 ORDER BY scheduled_for, id
	`, key)
}

func (s *PostgresStore) DueScheduledFlagChanges(ctx context.Context, now time.Time) ([]ScheduledFlagChange, error) {
	return s.queryScheduledChanges(ctx, `
		SELECT `+scheduledChangeColumns+` FROM scheduled_flag_changes
		WHERE NOT executed AND NOT cancelled AND scheduled_for <= $1
		ORDER BY scheduled_for, id
	`, now)
}

func (s *PostgresStore) queryScheduledChanges(ctx context.Context, query string, args ...any) ([]ScheduledFlagChange, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list scheduled flag changes: %w", err)
	}
	defer rows.Close()

	items := make([]ScheduledFlagChange, 0)
	for rows.Next() {
		item, err := scanScheduledChange(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled flag change: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scheduled flag changes: %w", err)
	}
	return items, nil
}

// ExecuteScheduledFlagChange marks a pending change executed and applies it to the flag atomically.
// A change that already reached a terminal state yields ErrStateConflict.
func (s *PostgresStore) ExecuteScheduledFlagChange(ctx context.Context, id int64, actor string) (ScheduledFlagChange, error) {
	var item ScheduledFlagChange
	err := withTx(ctx, s.db, "flag change", func(tx *sql.Tx) error {
		var err error
		item, err = scanScheduledChange(tx.QueryRowContext(ctx, `
			UPDATE scheduled_flag_changes
			SET executed = TRUE, executed_at = NOW()
			WHERE id = $1 AND NOT executed AND NOT cancelled
			RETURNING `+scheduledChangeColumns, id))
		if errors.Is(err, sql.ErrNoRows) {
			return s.terminalOrMissing(ctx, id)
		}
		if err != nil {
			return fmt.Errorf("execute flag change: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE feature_flags SET enabled = $2, updated_at = NOW(), updated_by = $3 WHERE key = $1
		`, item.FlagKey, item.Enabled, actor); err != nil {
			return fmt.Errorf("apply flag change: %w", err)
		}
		return nil
	})
	if err != nil {
		return ScheduledFlagChange{}, err
	}
	return item, nil
}

func (s *PostgresStore) CancelScheduledFlagChange(ctx context.Context, id int64) (ScheduledFlagChange, error) {
	item, err := scanScheduledChange(s.db.QueryRowContext(ctx, `
		UPDATE scheduled_flag_changes
		SET cancelled = TRUE, cancelled_at = NOW()
		WHERE id = $1 AND NOT executed AND NOT cancelled
		RETURNING `+scheduledChangeColumns, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduledFlagChange{}, s.terminalOrMissing(ctx, id)
	}
	if err != nil {
		return ScheduledFlagChange{}, fmt.Errorf("cancel flag change: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) terminalOrMissing(ctx context.Context, id int64) error {
	if _, err := s.GetScheduledFlagChange(ctx, id); err != nil {
		return err
	}
	return ErrStateConflict
}
