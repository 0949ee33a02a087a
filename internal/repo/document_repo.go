package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Tandem/internal/domain"
)

// DocumentRepo — Repository поверх таблицы documents.
//
// Сущность хранится целиком в JSONB; organization, project_id и
// component_id вынесены в колонки для List. ETag обновляется при
// каждой записи, Set с устаревшим ETag возвращает ErrETagMismatch.
type DocumentRepo[T domain.Entity] struct {
	pool *pgxpool.Pool
	kind domain.EntityKind
}

// NewDocumentRepo создаёт DocumentRepo для сущностей kind.
func NewDocumentRepo[T domain.Entity](pool *pgxpool.Pool, kind domain.EntityKind) *DocumentRepo[T] {
	return &DocumentRepo[T]{pool: pool, kind: kind}
}

// Get возвращает сущность по id.
func (r *DocumentRepo[T]) Get(ctx context.Context, id string) (*T, error) {
	var doc []byte
	err := r.pool.QueryRow(ctx,
		`SELECT doc FROM documents WHERE kind = $1 AND id = $2`, r.kind, id,
	).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", r.kind, err)
	}
	return decodeDoc[T](doc)
}

// Add добавляет новую сущность.
func (r *DocumentRepo[T]) Add(ctx context.Context, entity *T) (*T, error) {
	etag := setETag(entity)
	doc, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", r.kind, err)
	}

	scope := scopeOf(*entity)
	query := `
		INSERT INTO documents (kind, id, organization, project_id, component_id, etag, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = r.pool.Exec(ctx, query,
		r.kind,
		(*entity).EntityID(),
		nullString(scope.Organization),
		nullString(scope.ProjectID),
		nullString(scope.ComponentID),
		etag,
		doc,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("insert %s: %w", r.kind, err)
	}
	return decodeDoc[T](doc)
}

// Set сохраняет сущность. Если у сущности есть ETag, запись проходит
// только при совпадении с сохранённым.
func (r *DocumentRepo[T]) Set(ctx context.Context, entity *T) (*T, error) {
	want := etagOf(*entity)
	etag := setETag(entity)
	doc, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", r.kind, err)
	}

	scope := scopeOf(*entity)
	query := `
		UPDATE documents
		SET organization = $3, project_id = $4, component_id = $5, etag = $6, doc = $7, updated_at = now()
		WHERE kind = $1 AND id = $2 AND ($8::text IS NULL OR etag = $8)
	`
	result, err := r.pool.Exec(ctx, query,
		r.kind,
		(*entity).EntityID(),
		nullString(scope.Organization),
		nullString(scope.ProjectID),
		nullString(scope.ComponentID),
		etag,
		doc,
		nullString(want),
	)
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", r.kind, err)
	}
	if result.RowsAffected() == 0 {
		if _, err := r.Get(ctx, (*entity).EntityID()); err != nil {
			return nil, err
		}
		return nil, ErrETagMismatch
	}
	return decodeDoc[T](doc)
}

// Remove удаляет сущность и возвращает удалённую версию.
func (r *DocumentRepo[T]) Remove(ctx context.Context, entity *T) (*T, error) {
	var doc []byte
	err := r.pool.QueryRow(ctx,
		`DELETE FROM documents WHERE kind = $1 AND id = $2 RETURNING doc`, r.kind, (*entity).EntityID(),
	).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("delete %s: %w", r.kind, err)
	}
	return decodeDoc[T](doc)
}

// List возвращает сущности в области scope.
func (r *DocumentRepo[T]) List(ctx context.Context, scope Scope) ([]T, error) {
	query := `
		SELECT doc FROM documents
		WHERE kind = $1
		  AND ($2::text IS NULL OR organization = $2)
		  AND ($3::text IS NULL OR project_id = $3)
		  AND ($4::text IS NULL OR component_id = $4)
		ORDER BY id ASC
	`
	rows, err := r.pool.Query(ctx, query,
		r.kind,
		nullString(scope.Organization),
		nullString(scope.ProjectID),
		nullString(scope.ComponentID),
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", r.kind, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan %s: %w", r.kind, err)
		}
		item, err := decodeDoc[T](doc)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", r.kind, err)
		}
		out = append(out, *item)
	}
	return out, rows.Err()
}

// NewRepositories создаёт набор хранилищ поверх Postgres.
func NewRepositories(pool *pgxpool.Pool) *Repositories {
	return &Repositories{
		Organizations:    NewDocumentRepo[domain.Organization](pool, domain.KindOrganization),
		DeploymentScopes: NewDocumentRepo[domain.DeploymentScope](pool, domain.KindDeploymentScope),
		Projects:         NewDocumentRepo[domain.Project](pool, domain.KindProject),
		Components:       NewDocumentRepo[domain.Component](pool, domain.KindComponent),
		ComponentTasks:   NewDocumentRepo[domain.ComponentTask](pool, domain.KindComponentTask),
		Providers:        NewDocumentRepo[domain.Provider](pool, domain.KindProvider),
		Schedules:        NewScheduleRepo(pool),
		Audit:            NewAuditRepo(pool),
	}
}

// Проверка соответствия интерфейсу.
var _ Repository[domain.Project] = (*DocumentRepo[domain.Project])(nil)
