// Пакет remote — синхронизация локального хранилища с удалённой
// базой PostgreSQL: стартовый pull-merge, отложенный push с
// коалесценцией и деградация по таблицам при несовпадении схемы.
//
// Схема удалённых таблиц принадлежит внешней системе. Модуль никогда
// не создаёт и не изменяет её: несовпадение схемы отключает работу
// с конкретной таблицей до перезапуска, остальные таблицы продолжают
// синхронизироваться.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arturkryukov/cxrner/release-module/internal/domain/model"
)

// Имена удалённых таблиц.
const (
	TableUsers    = "cxrner_users"
	TableForms    = "cxrner_forms"
	TableApproved = "cxrner_public_releases"
)

// pullPageSize — размер страницы при стартовом pull.
const pullPageSize = 500

// SchemaError — несовпадение схемы удалённой таблицы (таблица или
// колонка отсутствует). Не является транзиентной ошибкой: повторные
// попытки бессмысленны, таблица выводится из синхронизации.
type SchemaError struct {
	Table string
	Err   error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("схема таблицы %s несовместима: %v", e.Table, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// IsSchemaError сообщает, вызвана ли ошибка несовпадением схемы.
func IsSchemaError(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}

// FormRow — строка таблицы заявок: владелец, позиция в его списке
// и полная запись релиза.
type FormRow struct {
	OwnerID string
	Index   int
	Release *model.Release
}

// Repository — доступ к удалённым таблицам.
type Repository interface {
	// PullForms загружает все записи заявок, сгруппированные по владельцу
	PullForms(ctx context.Context) (map[string][]*model.Release, error)
	// UpsertForms записывает пакет заявок (ON CONFLICT по form_id)
	UpsertForms(ctx context.Context, rows []FormRow) error
	// UpsertUsers записывает справочник владельцев
	UpsertUsers(ctx context.Context, users map[string]string) error
	// UpsertApproved записывает пакет строк зеркала одобренных
	UpsertApproved(ctx context.Context, rows []FormRow) error
	// DeleteApproved удаляет строку зеркала по form_id
	DeleteApproved(ctx context.Context, formID string) error
	// WipeAll удаляет все строки всех таблиц (административная зачистка)
	WipeAll(ctx context.Context) error
	// Ping проверяет доступность базы
	Ping(ctx context.Context) error
}

// DBTX — интерфейс выполнения SQL-запросов.
// Реализуется как *pgxpool.Pool, так и pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Connect создаёт пул подключений к удалённой базе.
// Выполняет ping для проверки доступности.
func Connect(ctx context.Context, dsn string, logger *slog.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("ошибка парсинга DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания пула подключений: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ошибка подключения к PostgreSQL: %w", err)
	}

	logger.Info("Подключение к удалённой базе установлено")
	return pool, nil
}

// PGRepository — реализация Repository поверх pgx.
type PGRepository struct {
	db DBTX
}

// NewPGRepository создаёт репозиторий поверх пула или транзакции.
func NewPGRepository(db DBTX) *PGRepository {
	return &PGRepository{db: db}
}

// classify оборачивает ошибки схемы в SchemaError для указанной
// таблицы; остальные ошибки возвращает как есть (транзиентные,
// подлежат повтору).
func classify(table string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UndefinedTable, pgerrcode.UndefinedColumn, pgerrcode.DatatypeMismatch:
			return &SchemaError{Table: table, Err: err}
		}
	}
	return err
}

// PullForms читает таблицу заявок постранично (keyset pagination
// по form_id) и группирует записи по владельцу.
func (r *PGRepository) PullForms(ctx context.Context) (map[string][]*model.Release, error) {
	const q = `
		SELECT form_id, owner_id, form_idx, payload
		FROM cxrner_forms
		WHERE form_id > $1
		ORDER BY form_id
		LIMIT $2`

	out := make(map[string][]*model.Release)
	lastID := ""

	for {
		rows, err := r.db.Query(ctx, q, lastID, pullPageSize)
		if err != nil {
			return nil, classify(TableForms, err)
		}

		type pulled struct {
			ownerID string
			idx     int
			rel     *model.Release
		}
		var page []pulled

		// Конец пагинации определяется числом прочитанных строк, а не
		// числом распакованных: повреждённая строка в середине полной
		// страницы не должна обрывать чтение хвоста таблицы.
		scanned := 0
		for rows.Next() {
			var formID, ownerID string
			var idx int
			var payload []byte
			if err := rows.Scan(&formID, &ownerID, &idx, &payload); err != nil {
				rows.Close()
				return nil, classify(TableForms, err)
			}
			scanned++
			lastID = formID

			var rel model.Release
			if err := json.Unmarshal(payload, &rel); err != nil {
				// Повреждённая строка не должна блокировать pull
				continue
			}
			page = append(page, pulled{ownerID: ownerID, idx: idx, rel: &rel})
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, classify(TableForms, err)
		}

		for _, p := range page {
			out[p.ownerID] = append(out[p.ownerID], p.rel)
		}
		if scanned < pullPageSize {
			return out, nil
		}
	}
}

// UpsertForms записывает пакет заявок одним multi-row upsert.
func (r *PGRepository) UpsertForms(ctx context.Context, rows []FormRow) error {
	if len(rows) == 0 {
		return nil
	}

	q, args, err := buildUpsert("cxrner_forms", rows)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, q, args...)
	return classify(TableForms, err)
}

// UpsertUsers записывает справочник владельцев (telegram_id → username).
func (r *PGRepository) UpsertUsers(ctx context.Context, users map[string]string) error {
	if len(users) == 0 {
		return nil
	}

	args := make([]any, 0, len(users)*2)
	q := "INSERT INTO cxrner_users (telegram_id, username, updated_at) VALUES "
	i := 0
	for id, name := range users {
		if i > 0 {
			q += ", "
		}
		q += fmt.Sprintf("($%d, $%d, now())", i*2+1, i*2+2)
		args = append(args, id, name)
		i++
	}
	q += " ON CONFLICT (telegram_id) DO UPDATE SET username = EXCLUDED.username, updated_at = now()"

	_, err := r.db.Exec(ctx, q, args...)
	return classify(TableUsers, err)
}

// UpsertApproved записывает пакет строк зеркала одобренных релизов.
func (r *PGRepository) UpsertApproved(ctx context.Context, rows []FormRow) error {
	if len(rows) == 0 {
		return nil
	}

	q, args, err := buildUpsert("cxrner_public_releases", rows)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, q, args...)
	return classify(TableApproved, err)
}

// DeleteApproved удаляет строку зеркала по идентификатору заявки.
func (r *PGRepository) DeleteApproved(ctx context.Context, formID string) error {
	_, err := r.db.Exec(ctx, "DELETE FROM cxrner_public_releases WHERE form_id = $1", formID)
	return classify(TableApproved, err)
}

// WipeAll удаляет все строки всех трёх таблиц.
func (r *PGRepository) WipeAll(ctx context.Context) error {
	for _, t := range []string{TableForms, TableApproved, TableUsers} {
		if _, err := r.db.Exec(ctx, "DELETE FROM "+t); err != nil {
			return classify(t, err)
		}
	}
	return nil
}

// Ping проверяет доступность базы коротким запросом.
func (r *PGRepository) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	var one int
	return r.db.QueryRow(ctx, "SELECT 1").Scan(&one)
}

// buildUpsert собирает multi-row upsert для таблиц с общей формой
// (form_id, owner_id, form_idx, payload, updated_at).
func buildUpsert(table string, rows []FormRow) (string, []any, error) {
	q := "INSERT INTO " + table + " (form_id, owner_id, form_idx, payload, updated_at) VALUES "
	args := make([]any, 0, len(rows)*4)

	for i, row := range rows {
		payload, err := json.Marshal(row.Release)
		if err != nil {
			return "", nil, fmt.Errorf("сериализация записи %s: %w", row.Release.FormID, err)
		}
		if i > 0 {
			q += ", "
		}
		q += fmt.Sprintf("($%d, $%d, $%d, $%d, now())", i*4+1, i*4+2, i*4+3, i*4+4)
		args = append(args, row.Release.FormID, row.OwnerID, row.Index, payload)
	}
	q += ` ON CONFLICT (form_id) DO UPDATE SET
		owner_id = EXCLUDED.owner_id,
		form_idx = EXCLUDED.form_idx,
		payload = EXCLUDED.payload,
		updated_at = now()`
	return q, args, nil
}
