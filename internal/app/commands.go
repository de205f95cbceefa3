package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/maddeth/boozie-bot-sub000/internal/domain"
	"github.com/maddeth/boozie-bot-sub000/internal/store"
)

// ErrInvalidCommand marks a command definition that cannot be indexed.
var ErrInvalidCommand = errors.New("invalid command")

const maxTriggerLength = 200

// Invalidator is notified whenever the command table changes.
type Invalidator interface {
	Invalidate()
}

// CommandService manages the durable command table on behalf of moderators.
type CommandService struct {
	repo    store.CommandRepository
	index   Invalidator
	timeout time.Duration
}

func NewCommandService(repo store.CommandRepository, index Invalidator, timeout time.Duration) *CommandService {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &CommandService{repo: repo, index: index, timeout: timeout}
}

func invalidCommand(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidCommand, fmt.Sprintf(format, args...))
}

func optionalText(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

// ValidateCommandInput checks a definition and returns the normalized command it describes.
func ValidateCommandInput(in domain.CommandInput) (*domain.Command, error) {
	cmd := &domain.Command{
		Trigger:         strings.TrimSpace(in.Trigger),
		TriggerType:     domain.TriggerType(strings.ToLower(strings.TrimSpace(string(in.TriggerType)))),
		Response:        optionalText(in.Response),
		NotificationRef: optionalText(in.NotificationRef),
		Cost:            in.Cost,
		CooldownSeconds: in.CooldownSeconds,
		Permission:      domain.Permission(strings.ToLower(strings.TrimSpace(string(in.Permission)))),
		Enabled:         true,
	}
	if in.Enabled != nil {
		cmd.Enabled = *in.Enabled
	}
	if cmd.TriggerType == "" {
		cmd.TriggerType = domain.TriggerExact
	}
	if cmd.Permission == "" {
		cmd.Permission = domain.PermissionEveryone
	}

	switch {
	case cmd.Trigger == "":
		return nil, invalidCommand("trigger is required")
	case len(cmd.Trigger) > maxTriggerLength:
		return nil, invalidCommand("trigger exceeds %d characters", maxTriggerLength)
	case !cmd.TriggerType.Valid():
		return nil, invalidCommand("unknown trigger type %q", cmd.TriggerType)
	case !cmd.Permission.Valid():
		return nil, invalidCommand("unknown permission %q", cmd.Permission)
	case cmd.Cost < 0:
		return nil, invalidCommand("cost must not be negative")
	case cmd.CooldownSeconds < 0:
		return nil, invalidCommand("cooldown must not be negative")
	case cmd.Response == nil && cmd.NotificationRef == nil:
		return nil, invalidCommand("a response or a notification is required")
	}
	if cmd.TriggerType == domain.TriggerRegex {
		if _, err := regexp.Compile(cmd.Trigger); err != nil {
			return nil, invalidCommand("trigger does not compile: %v", err)
		}
	}
	return cmd, nil
}

// List returns every command, enabled or not.
func (s *CommandService) List(ctx context.Context) ([]domain.Command, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.repo.ListCommands(ctx, false)
}

// Get returns one command.
func (s *CommandService) Get(ctx context.Context, id uuid.UUID) (*domain.Command, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.repo.FindCommandByID(ctx, id)
}

// Create validates and stores a new command.
func (s *CommandService) Create(ctx context.Context, in domain.CommandInput) (*domain.Command, error) {
	cmd, err := ValidateCommandInput(in)
	if err != nil {
		return nil, err
	}
	cmd.ID = uuid.New()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	created, err := s.repo.CreateCommand(ctx, cmd)
	if err != nil {
		return nil, err
	}
	s.index.Invalidate()
	log.Printf("level=info component=commands msg=\"command created\" command_id=%s trigger=%q type=%s", created.ID, created.Trigger, created.TriggerType)
	return created, nil
}

// Update replaces the definition of an existing command.
func (s *CommandService) Update(ctx context.Context, id uuid.UUID, in domain.CommandInput) (*domain.Command, error) {
	cmd, err := ValidateCommandInput(in)
	if err != nil {
		return nil, err
	}
	cmd.ID = id

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	updated, err := s.repo.UpdateCommand(ctx, cmd)
	if err != nil {
		return nil, err
	}
	s.index.Invalidate()
	log.Printf("level=info component=commands msg=\"command updated\" command_id=%s", updated.ID)
	return updated, nil
}

// Delete removes a command.
func (s *CommandService) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.repo.DeleteCommand(ctx, id); err != nil {
		return err
	}
	s.index.Invalidate()
	log.Printf("level=info component=commands msg=\"command deleted\" command_id=%s", id)
	return nil
}
