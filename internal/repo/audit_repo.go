package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Tandem/internal/domain"
)

// AuditRepo — журнал команд в таблице command_audit.
type AuditRepo struct {
	pool *pgxpool.Pool
}

// NewAuditRepo создаёт новый AuditRepo.
func NewAuditRepo(pool *pgxpool.Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

// Write добавляет запись аудита.
func (r *AuditRepo) Write(ctx context.Context, entry AuditEntry) error {
	_, err := r.insert(ctx, entry, "")
	return err
}

// Claim добавляет запись Received. Уникальный индекс
// idx_command_audit_received не даёт принять команду дважды.
func (r *AuditRepo) Claim(ctx context.Context, entry AuditEntry) error {
	entry.Event = AuditEventReceived
	inserted, err := r.insert(ctx, entry, "ON CONFLICT (command_id) WHERE event = 'Received' DO NOTHING")
	if err != nil {
		return err
	}
	if !inserted {
		return ErrAlreadyExists
	}
	return nil
}

func (r *AuditRepo) insert(ctx context.Context, entry AuditEntry, onConflict string) (bool, error) {
	if entry.Command == nil {
		return false, fmt.Errorf("audit %s: %w", entry.Event, domain.ErrNilPayload)
	}

	commandJSON, err := json.Marshal(entry.Command)
	if err != nil {
		return false, fmt.Errorf("marshal command: %w", err)
	}
	resultJSON, err := marshalNullable(entry.Result)
	if err != nil {
		return false, fmt.Errorf("marshal result: %w", err)
	}

	status := entry.RuntimeStatus
	if status == "" && entry.Result != nil {
		status = entry.Result.RuntimeStatus
	}

	query := `
		INSERT INTO command_audit (command_id, command_type, project_id, provider_id, event,
		                           runtime_status, command, result)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	` + onConflict
	tag, err := r.pool.Exec(ctx, query,
		entry.CommandID,
		entry.CommandType,
		nullString(entry.ProjectID),
		nullString(entry.ProviderID),
		entry.Event,
		nullString(string(status)),
		commandJSON,
		resultJSON,
	)
	if err != nil {
		return false, fmt.Errorf("insert audit: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetCommand возвращает команду из первой записи аудита.
func (r *AuditRepo) GetCommand(ctx context.Context, commandID uuid.UUID) (*domain.Command, error) {
	var raw []byte
	err := r.pool.QueryRow(ctx, `
		SELECT command FROM command_audit
		WHERE command_id = $1
		ORDER BY id ASC
		LIMIT 1
	`, commandID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get audited command: %w", err)
	}

	var cmd domain.Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return nil, fmt.Errorf("unmarshal command: %w", err)
	}
	return &cmd, nil
}

// ListEntries возвращает записи команды в порядке добавления.
func (r *AuditRepo) ListEntries(ctx context.Context, commandID uuid.UUID) ([]AuditEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, command_id, command_type, project_id, provider_id, event,
		       runtime_status, command, result, created_at
		FROM command_audit
		WHERE command_id = $1
		ORDER BY id ASC
	`, commandID)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var (
			e                            AuditEntry
			projectID, providerID, state *string
			commandJSON, resultJSON      []byte
		)
		if err := rows.Scan(
			&e.ID,
			&e.CommandID,
			&e.CommandType,
			&projectID,
			&providerID,
			&e.Event,
			&state,
			&commandJSON,
			&resultJSON,
			&e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}

		e.ProjectID = derefString(projectID)
		e.ProviderID = derefString(providerID)
		e.RuntimeStatus = domain.ParseRuntimeStatus(derefString(state))

		e.Command = &domain.Command{}
		if err := json.Unmarshal(commandJSON, e.Command); err != nil {
			return nil, fmt.Errorf("unmarshal command: %w", err)
		}
		if resultJSON != nil {
			e.Result = &domain.CommandResult{}
			if err := json.Unmarshal(resultJSON, e.Result); err != nil {
				return nil, fmt.Errorf("unmarshal result: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Проверка соответствия интерфейсу.
var _ AuditLog = (*AuditRepo)(nil)
