package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Tandem/internal/domain"
	"github.com/shaiso/Tandem/internal/durable"
)

// DurableStore — durable.Store поверх Postgres.
//
// Экземпляры, история, входящие события и состояние entity лежат
// в таблицах orchestration_* и durable_entities (миграция 00001).
type DurableStore struct {
	pool *pgxpool.Pool
}

// NewDurableStore создаёт DurableStore.
func NewDurableStore(pool *pgxpool.Pool) *DurableStore {
	return &DurableStore{pool: pool}
}

const instanceColumns = `id, name, parent_id, status, generation, input, output,
	custom_status, failure, locked_by, locked_until, created_at, updated_at`

// doneStatuses — статусы, после которых экземпляр не перезаписывается.
var doneStatuses = []string{
	string(domain.RuntimeStatusCompleted),
	string(domain.RuntimeStatusFailed),
	string(domain.RuntimeStatusCanceled),
	string(domain.RuntimeStatusTerminated),
}

func (s *DurableStore) CreateInstance(ctx context.Context, inst *durable.Instance) error {
	if inst.Status == "" {
		inst.Status = domain.RuntimeStatusPending
	}

	query := `
		INSERT INTO orchestration_instances (id, name, parent_id, status, generation, input)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
		RETURNING created_at, updated_at
	`
	err := s.pool.QueryRow(ctx, query,
		inst.ID,
		inst.Name,
		nullString(inst.ParentID),
		inst.Status,
		inst.Generation,
		nullJSON(inst.Input),
	).Scan(&inst.CreatedAt, &inst.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return durable.ErrInstanceExists
	}
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}
	return nil
}

func (s *DurableStore) GetInstance(ctx context.Context, id string) (*durable.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM orchestration_instances WHERE id = $1`
	inst, err := scanInstance(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, durable.ErrInstanceNotFound
	}
	return inst, err
}

func (s *DurableStore) ListInstances(ctx context.Context, filter durable.InstanceFilter) ([]durable.Instance, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if filter.Name != "" {
		where = append(where, "name = "+arg(filter.Name))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		where = append(where, "status = ANY("+arg(statuses)+")")
	}
	if filter.LeaseExpiredBefore != nil {
		where = append(where, "(locked_until IS NULL OR locked_until <= "+arg(*filter.LeaseExpiredBefore)+")")
	}

	query := `SELECT ` + instanceColumns + ` FROM orchestration_instances`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var out []durable.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inst)
	}
	return out, rows.Err()
}

func (s *DurableStore) SetRunning(ctx context.Context, id string) error {
	query := `
		UPDATE orchestration_instances
		SET status = $2, updated_at = now()
		WHERE id = $1 AND status = ANY($3)
	`
	result, err := s.pool.Exec(ctx, query, id, domain.RuntimeStatusRunning,
		[]string{string(domain.RuntimeStatusPending), string(domain.RuntimeStatusContinuedAsNew)})
	if err != nil {
		return fmt.Errorf("set running: %w", err)
	}
	if result.RowsAffected() == 0 {
		return s.mustExist(ctx, id)
	}
	return nil
}

func (s *DurableStore) CompleteInstance(ctx context.Context, id string, status domain.RuntimeStatus, output json.RawMessage, failure *durable.FailureDetails) (bool, error) {
	failureJSON, err := marshalNullable(failure)
	if err != nil {
		return false, fmt.Errorf("marshal failure: %w", err)
	}

	query := `
		UPDATE orchestration_instances
		SET status = $2, output = $3, failure = $4, updated_at = now()
		WHERE id = $1 AND NOT (status = ANY($5))
	`
	result, err := s.pool.Exec(ctx, query, id, status, nullJSON(output), failureJSON, doneStatuses)
	if err != nil {
		return false, fmt.Errorf("complete instance: %w", err)
	}
	if result.RowsAffected() == 0 {
		return false, s.mustExist(ctx, id)
	}
	return true, nil
}

func (s *DurableStore) SetCustomStatus(ctx context.Context, id string, status json.RawMessage) error {
	query := `UPDATE orchestration_instances SET custom_status = $2, updated_at = now() WHERE id = $1`
	result, err := s.pool.Exec(ctx, query, id, nullJSON(status))
	if err != nil {
		return fmt.Errorf("set custom status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return durable.ErrInstanceNotFound
	}
	return nil
}

func (s *DurableStore) ContinueAsNew(ctx context.Context, id string, input json.RawMessage) (int, error) {
	var generation int
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`SELECT generation FROM orchestration_instances WHERE id = $1 FOR UPDATE`, id,
		).Scan(&generation)
		if errors.Is(err, pgx.ErrNoRows) {
			return durable.ErrInstanceNotFound
		}
		if err != nil {
			return fmt.Errorf("lock instance: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`DELETE FROM orchestration_history WHERE instance_id = $1 AND generation = $2`, id, generation,
		); err != nil {
			return fmt.Errorf("delete history: %w", err)
		}

		generation++
		_, err = tx.Exec(ctx, `
			UPDATE orchestration_instances
			SET generation = $2, input = $3, status = $4, updated_at = now()
			WHERE id = $1
		`, id, generation, nullJSON(input), domain.RuntimeStatusContinuedAsNew)
		if err != nil {
			return fmt.Errorf("update instance: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return generation, nil
}

func (s *DurableStore) PurgeInstance(ctx context.Context, id string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM orchestration_inbox WHERE instance_id = $1`, id); err != nil {
			return fmt.Errorf("delete inbox: %w", err)
		}
		result, err := tx.Exec(ctx, `DELETE FROM orchestration_instances WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("delete instance: %w", err)
		}
		if result.RowsAffected() == 0 {
			return durable.ErrInstanceNotFound
		}
		return nil
	})
}

func (s *DurableStore) ClaimInstance(ctx context.Context, id, owner string, until time.Time) (bool, error) {
	query := `
		UPDATE orchestration_instances
		SET locked_by = $2, locked_until = $3
		WHERE id = $1
		  AND (locked_by IS NULL OR locked_by = $2 OR locked_until IS NULL OR locked_until < now())
	`
	result, err := s.pool.Exec(ctx, query, id, owner, until)
	if err != nil {
		return false, fmt.Errorf("claim instance: %w", err)
	}
	if result.RowsAffected() == 0 {
		return false, s.mustExist(ctx, id)
	}
	return true, nil
}

func (s *DurableStore) RenewLeases(ctx context.Context, owner string, until time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE orchestration_instances SET locked_until = $2 WHERE locked_by = $1`, owner, until)
	if err != nil {
		return fmt.Errorf("renew leases: %w", err)
	}
	return nil
}

func (s *DurableStore) ReleaseInstance(ctx context.Context, id, owner string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE orchestration_instances
		SET locked_by = NULL, locked_until = NULL
		WHERE id = $1 AND locked_by = $2
	`, id, owner)
	if err != nil {
		return fmt.Errorf("release instance: %w", err)
	}
	return nil
}

func (s *DurableStore) SaveHistory(ctx context.Context, ev durable.HistoryEvent) error {
	return saveHistory(ctx, s.pool, ev)
}

// execer — общее у пула и транзакции.
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func saveHistory(ctx context.Context, db execer, ev durable.HistoryEvent) error {
	failureJSON, err := marshalNullable(ev.Failure)
	if err != nil {
		return fmt.Errorf("marshal failure: %w", err)
	}

	query := `
		INSERT INTO orchestration_history (instance_id, generation, seq, kind, name, completed, payload, failure, fire_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (instance_id, generation, seq) DO UPDATE
		SET kind = EXCLUDED.kind, name = EXCLUDED.name, completed = EXCLUDED.completed,
		    payload = EXCLUDED.payload, failure = EXCLUDED.failure, fire_at = EXCLUDED.fire_at,
		    created_at = now()
		WHERE NOT orchestration_history.completed
	`
	_, err = db.Exec(ctx, query,
		ev.InstanceID,
		ev.Generation,
		ev.Seq,
		ev.Kind,
		ev.Name,
		ev.Completed,
		nullJSON(ev.Payload),
		failureJSON,
		ev.FireAt,
	)
	if err != nil {
		return fmt.Errorf("save history: %w", err)
	}
	return nil
}

const historyColumns = `instance_id, generation, seq, kind, name, completed, payload, failure, fire_at, created_at`

func (s *DurableStore) LoadHistory(ctx context.Context, id string, generation int) ([]durable.HistoryEvent, error) {
	query := `
		SELECT ` + historyColumns + `
		FROM orchestration_history
		WHERE instance_id = $1 AND generation = $2
		ORDER BY seq ASC
	`
	rows, err := s.pool.Query(ctx, query, id, generation)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var out []durable.HistoryEvent
	for rows.Next() {
		ev, err := scanHistoryEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

func (s *DurableStore) GetHistoryEvent(ctx context.Context, id string, generation, seq int) (*durable.HistoryEvent, error) {
	query := `
		SELECT ` + historyColumns + `
		FROM orchestration_history
		WHERE instance_id = $1 AND generation = $2 AND seq = $3
	`
	ev, err := scanHistoryEvent(s.pool.QueryRow(ctx, query, id, generation, seq))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return ev, err
}

func (s *DurableStore) EnqueueEvent(ctx context.Context, instanceID, name, dedupeKey string, payload json.RawMessage) error {
	query := `
		INSERT INTO orchestration_inbox (instance_id, name, dedupe_key, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (instance_id, dedupe_key) DO NOTHING
	`
	if _, err := s.pool.Exec(ctx, query, instanceID, name, nullString(dedupeKey), nullJSON(payload)); err != nil {
		return fmt.Errorf("enqueue event: %w", err)
	}
	return nil
}

func (s *DurableStore) ReceiveEvent(ctx context.Context, instanceID, name string, record durable.HistoryEvent) (json.RawMessage, bool, error) {
	var (
		payload []byte
		found   bool
	)

	// Событие помечается полученным и попадает в историю в одной транзакции.
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			UPDATE orchestration_inbox
			SET consumed_at = now()
			WHERE id = (
				SELECT id FROM orchestration_inbox
				WHERE instance_id = $1 AND name = $2 AND consumed_at IS NULL
				ORDER BY id ASC
				LIMIT 1
				FOR UPDATE SKIP LOCKED
			)
			RETURNING payload
		`, instanceID, name).Scan(&payload)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("receive event: %w", err)
		}

		found = true
		record.Payload = payload
		return saveHistory(ctx, tx, record)
	})
	if err != nil {
		return nil, false, err
	}
	return payload, found, nil
}

func (s *DurableStore) UpdateEntity(ctx context.Context, id durable.EntityID, fn func(state json.RawMessage) (json.RawMessage, error)) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO durable_entities (name, key) VALUES ($1, $2)
			ON CONFLICT (name, key) DO NOTHING
		`, id.Name, id.Key); err != nil {
			return fmt.Errorf("ensure entity: %w", err)
		}

		// Строка entity блокируется до конца транзакции: операции над
		// одним entity выполняются строго по одной.
		var state []byte
		if err := tx.QueryRow(ctx, `
			SELECT state FROM durable_entities WHERE name = $1 AND key = $2 FOR UPDATE
		`, id.Name, id.Key).Scan(&state); err != nil {
			return fmt.Errorf("lock entity: %w", err)
		}

		next, err := fn(state)
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			UPDATE durable_entities SET state = $3, updated_at = now() WHERE name = $1 AND key = $2
		`, id.Name, id.Key, nullJSON(next)); err != nil {
			return fmt.Errorf("update entity: %w", err)
		}
		return nil
	})
}

func (s *DurableStore) GetEntity(ctx context.Context, id durable.EntityID) (json.RawMessage, error) {
	var state []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM durable_entities WHERE name = $1 AND key = $2`, id.Name, id.Key,
	).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entity: %w", err)
	}
	return state, nil
}

func (s *DurableStore) TryLockEntity(ctx context.Context, id durable.EntityID, owner string) (bool, error) {
	var holder string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO durable_entities (name, key, locked_by) VALUES ($1, $2, $3)
		ON CONFLICT (name, key) DO UPDATE
		SET locked_by = EXCLUDED.locked_by
		WHERE durable_entities.locked_by IS NULL OR durable_entities.locked_by = EXCLUDED.locked_by
		RETURNING locked_by
	`, id.Name, id.Key, owner).Scan(&holder)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lock entity: %w", err)
	}
	return true, nil
}

func (s *DurableStore) UnlockEntity(ctx context.Context, id durable.EntityID, owner string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE durable_entities SET locked_by = NULL
		WHERE name = $1 AND key = $2 AND locked_by = $3
	`, id.Name, id.Key, owner)
	if err != nil {
		return fmt.Errorf("unlock entity: %w", err)
	}
	return nil
}

func (s *DurableStore) UnlockAll(ctx context.Context, owner string) error {
	if _, err := s.pool.Exec(ctx, `UPDATE durable_entities SET locked_by = NULL WHERE locked_by = $1`, owner); err != nil {
		return fmt.Errorf("unlock entities: %w", err)
	}
	return nil
}

// --- Helpers ---

// mustExist возвращает ErrInstanceNotFound, если экземпляра нет.
func (s *DurableStore) mustExist(ctx context.Context, id string) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM orchestration_instances WHERE id = $1)`, id,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check instance: %w", err)
	}
	if !exists {
		return durable.ErrInstanceNotFound
	}
	return nil
}

// scanInstance сканирует одну строку в Instance.
func scanInstance(row pgx.Row) (*durable.Instance, error) {
	var (
		inst                        durable.Instance
		parentID, lockedBy          *string
		input, output, customStatus []byte
		failureJSON                 []byte
	)

	err := row.Scan(
		&inst.ID,
		&inst.Name,
		&parentID,
		&inst.Status,
		&inst.Generation,
		&input,
		&output,
		&customStatus,
		&failureJSON,
		&lockedBy,
		&inst.LockedUntil,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan instance: %w", err)
	}

	inst.ParentID = derefString(parentID)
	inst.LockedBy = derefString(lockedBy)
	inst.Input = input
	inst.Output = output
	inst.CustomStatus = customStatus

	if failureJSON != nil {
		inst.Failure = &durable.FailureDetails{}
		if err := json.Unmarshal(failureJSON, inst.Failure); err != nil {
			return nil, fmt.Errorf("unmarshal failure: %w", err)
		}
	}
	return &inst, nil
}

// scanHistoryEvent сканирует одну строку в HistoryEvent.
func scanHistoryEvent(row pgx.Row) (*durable.HistoryEvent, error) {
	var (
		ev                   durable.HistoryEvent
		payload, failureJSON []byte
	)

	err := row.Scan(
		&ev.InstanceID,
		&ev.Generation,
		&ev.Seq,
		&ev.Kind,
		&ev.Name,
		&ev.Completed,
		&payload,
		&failureJSON,
		&ev.FireAt,
		&ev.Timestamp,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan history: %w", err)
	}

	ev.Payload = payload
	if failureJSON != nil {
		ev.Failure = &durable.FailureDetails{}
		if err := json.Unmarshal(failureJSON, ev.Failure); err != nil {
			return nil, fmt.Errorf("unmarshal failure: %w", err)
		}
	}
	return &ev, nil
}

// nullJSON возвращает nil для пустого JSON (для NULL в БД).
func nullJSON(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

// marshalNullable сериализует v, nil-указатель даёт NULL.
func marshalNullable[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Проверка соответствия интерфейсу.
var _ durable.Store = (*DurableStore)(nil)
