package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/maddeth/boozie-bot-sub000/internal/domain"
)

const sqliteCommandColumns = `id, trigger_text, trigger_type, response, notification_ref, cost,
	cooldown_seconds, permission, enabled, usage_count, created_at, updated_at`

func scanSQLiteCommand(row interface{ Scan(...any) error }) (*domain.Command, error) {
	var cmd domain.Command
	var triggerType, permission string
	var response, notificationRef sql.NullString
	var created, updated int64
	err := row.Scan(
		&cmd.ID,
		&cmd.Trigger,
		&triggerType,
		&response,
		&notificationRef,
		&cmd.Cost,
		&cmd.CooldownSeconds,
		&permission,
		&cmd.Enabled,
		&cmd.UsageCount,
		&created,
		&updated,
	)
	if err != nil {
		return nil, err
	}
	cmd.TriggerType = domain.TriggerType(triggerType)
	cmd.Permission = domain.Permission(permission)
	cmd.Response = nullableString(response)
	cmd.NotificationRef = nullableString(notificationRef)
	cmd.CreatedAt = fromUnixNano(created)
	cmd.UpdatedAt = fromUnixNano(updated)
	return &cmd, nil
}

// ListCommands returns commands in registration order.
func (r *SQLiteRepository) ListCommands(ctx context.Context, enabledOnly bool) ([]domain.Command, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sqliteCommandColumns+`
		FROM commands
		WHERE enabled = 1 OR NOT ?1
		ORDER BY created_at ASC, id ASC
	`, enabledOnly)
	if err != nil {
		return nil, unavailable("list commands", err)
	}
	defer rows.Close()

	var commands []domain.Command
	for rows.Next() {
		cmd, err := scanSQLiteCommand(rows)
		if err != nil {
			return nil, unavailable("list commands", err)
		}
		commands = append(commands, *cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list commands", err)
	}
	return commands, nil
}

// FindCommandByID retrieves one command.
func (r *SQLiteRepository) FindCommandByID(ctx context.Context, id uuid.UUID) (*domain.Command, error) {
	cmd, err := scanSQLiteCommand(r.db.QueryRowContext(ctx, `SELECT `+sqliteCommandColumns+` FROM commands WHERE id = ?1`, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCommandNotFound
		}
		return nil, unavailable("find command", err)
	}
	return cmd, nil
}

// CreateCommand inserts a new command. The caller assigns the ID.
func (r *SQLiteRepository) CreateCommand(ctx context.Context, cmd *domain.Command) (*domain.Command, error) {
	created, err := scanSQLiteCommand(r.db.QueryRowContext(ctx, `
		INSERT INTO commands (id, trigger_text, trigger_type, response, notification_ref, cost, cooldown_seconds, permission, enabled, usage_count, created_at, updated_at)
		VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9, 0, ?10, ?10)
		RETURNING `+sqliteCommandColumns,
		cmd.ID.String(), cmd.Trigger, string(cmd.TriggerType), cmd.Response, cmd.NotificationRef,
		cmd.Cost, cmd.CooldownSeconds, string(cmd.Permission), cmd.Enabled, r.stamp(),
	))
	if err != nil {
		if isSQLiteUnique(err) {
			return nil, ErrCommandExists
		}
		return nil, unavailable("create command", err)
	}
	return created, nil
}

// UpdateCommand overwrites the editable fields of a command.
func (r *SQLiteRepository) UpdateCommand(ctx context.Context, cmd *domain.Command) (*domain.Command, error) {
	updated, err := scanSQLiteCommand(r.db.QueryRowContext(ctx, `
		UPDATE commands
		SET trigger_text = ?2, trigger_type = ?3, response = ?4, notification_ref = ?5,
		    cost = ?6, cooldown_seconds = ?7, permission = ?8, enabled = ?9, updated_at = ?10
		WHERE id = ?1
		RETURNING `+sqliteCommandColumns,
		cmd.ID.String(), cmd.Trigger, string(cmd.TriggerType), cmd.Response, cmd.NotificationRef,
		cmd.Cost, cmd.CooldownSeconds, string(cmd.Permission), cmd.Enabled, r.stamp(),
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCommandNotFound
		}
		if isSQLiteUnique(err) {
			return nil, ErrCommandExists
		}
		return nil, unavailable("update command", err)
	}
	return updated, nil
}

// DeleteCommand removes a command.
func (r *SQLiteRepository) DeleteCommand(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM commands WHERE id = ?1`, id.String())
	if err != nil {
		return unavailable("delete command", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrCommandNotFound
	}
	return nil
}

// IncrementCommandUsage bumps the usage counter in place.
func (r *SQLiteRepository) IncrementCommandUsage(ctx context.Context, id uuid.UUID) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, `UPDATE commands SET usage_count = usage_count + 1 WHERE id = ?1 RETURNING usage_count`, id.String()).Scan(&count)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrCommandNotFound
		}
		return 0, unavailable("increment command usage", err)
	}
	return count, nil
}
