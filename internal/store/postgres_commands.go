package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/maddeth/boozie-bot-sub000/internal/domain"
)

const pgCommandColumns = `id, trigger_text, trigger_type, response, notification_ref, cost,
	cooldown_seconds, permission, enabled, usage_count, created_at, updated_at`

func scanPgCommand(row pgx.Row) (*domain.Command, error) {
	var cmd domain.Command
	var triggerType, permission string
	err := row.Scan(
		&cmd.ID,
		&cmd.Trigger,
		&triggerType,
		&cmd.Response,
		&cmd.NotificationRef,
		&cmd.Cost,
		&cmd.CooldownSeconds,
		&permission,
		&cmd.Enabled,
		&cmd.UsageCount,
		&cmd.CreatedAt,
		&cmd.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	cmd.TriggerType = domain.TriggerType(triggerType)
	cmd.Permission = domain.Permission(permission)
	return &cmd, nil
}

// ListCommands returns commands in registration order, which is also the order the
// command index evaluates contains and regex triggers in.
func (r *PostgresRepository) ListCommands(ctx context.Context, enabledOnly bool) ([]domain.Command, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+pgCommandColumns+`
		FROM commands
		WHERE enabled OR NOT $1
		ORDER BY created_at ASC, id ASC
	`, enabledOnly)
	if err != nil {
		return nil, unavailable("list commands", err)
	}
	defer rows.Close()

	var commands []domain.Command
	for rows.Next() {
		cmd, err := scanPgCommand(rows)
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
func (r *PostgresRepository) FindCommandByID(ctx context.Context, id uuid.UUID) (*domain.Command, error) {
	cmd, err := scanPgCommand(r.db.QueryRow(ctx, `SELECT `+pgCommandColumns+` FROM commands WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCommandNotFound
		}
		return nil, unavailable("find command", err)
	}
	return cmd, nil
}

// CreateCommand inserts a new command. The caller assigns the ID.
func (r *PostgresRepository) CreateCommand(ctx context.Context, cmd *domain.Command) (*domain.Command, error) {
	created, err := scanPgCommand(r.db.QueryRow(ctx, `
		INSERT INTO commands (id, trigger_text, trigger_type, response, notification_ref, cost, cooldown_seconds, permission, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+pgCommandColumns,
		cmd.ID, cmd.Trigger, string(cmd.TriggerType), cmd.Response, cmd.NotificationRef,
		cmd.Cost, cmd.CooldownSeconds, string(cmd.Permission), cmd.Enabled,
	))
	if err != nil {
		if pgErrorCode(err) == pgUniqueViolation {
			return nil, ErrCommandExists
		}
		return nil, unavailable("create command", err)
	}
	return created, nil
}

// UpdateCommand overwrites the editable fields of a command. Usage count is preserved.
func (r *PostgresRepository) UpdateCommand(ctx context.Context, cmd *domain.Command) (*domain.Command, error) {
	updated, err := scanPgCommand(r.db.QueryRow(ctx, `
		UPDATE commands
		SET trigger_text = $2, trigger_type = $3, response = $4, notification_ref = $5,
		    cost = $6, cooldown_seconds = $7, permission = $8, enabled = $9, updated_at = NOW()
		WHERE id = $1
		RETURNING `+pgCommandColumns,
		cmd.ID, cmd.Trigger, string(cmd.TriggerType), cmd.Response, cmd.NotificationRef,
		cmd.Cost, cmd.CooldownSeconds, string(cmd.Permission), cmd.Enabled,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCommandNotFound
		}
		if pgErrorCode(err) == pgUniqueViolation {
			return nil, ErrCommandExists
		}
		return nil, unavailable("update command", err)
	}
	return updated, nil
}

// DeleteCommand removes a command.
func (r *PostgresRepository) DeleteCommand(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM commands WHERE id = $1`, id)
	if err != nil {
		return unavailable("delete command", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCommandNotFound
	}
	return nil
}

// IncrementCommandUsage bumps the usage counter in place and returns the new value.
func (r *PostgresRepository) IncrementCommandUsage(ctx context.Context, id uuid.UUID) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx, `UPDATE commands SET usage_count = usage_count + 1 WHERE id = $1 RETURNING usage_count`, id).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrCommandNotFound
		}
		return 0, unavailable("increment command usage", err)
	}
	return count, nil
}
