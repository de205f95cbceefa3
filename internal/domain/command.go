package domain

import (
	"time"

	"github.com/google/uuid"
)

// TriggerType selects how a command's trigger is matched against a chat message.
type TriggerType string

const (
	TriggerExact    TriggerType = "exact"
	TriggerContains TriggerType = "contains"
	TriggerRegex    TriggerType = "regex"
)

// Valid reports whether t is one of the known trigger types.
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerExact, TriggerContains, TriggerRegex:
		return true
	default:
		return false
	}
}

// Permission is the minimum role required to fire a command.
type Permission string

const (
	PermissionEveryone   Permission = "everyone"
	PermissionSubscriber Permission = "subscriber"
	PermissionVIP        Permission = "vip"
	PermissionModerator  Permission = "moderator"
)

// Valid reports whether p is one of the known permission levels.
func (p Permission) Valid() bool {
	switch p {
	case PermissionEveryone, PermissionSubscriber, PermissionVIP, PermissionModerator:
		return true
	default:
		return false
	}
}

// Command is a moderator-configured chat trigger.
// This struct maps directly to the `commands` table.
type Command struct {
	ID              uuid.UUID   `json:"id"`
	Trigger         string      `json:"trigger"`
	TriggerType     TriggerType `json:"trigger_type"`
	Response        *string     `json:"response,omitempty"`
	NotificationRef *string     `json:"notification_ref,omitempty"`
	Cost            int64       `json:"cost"`
	CooldownSeconds int         `json:"cooldown_seconds"`
	Permission      Permission  `json:"permission"`
	Enabled         bool        `json:"enabled"`
	UsageCount      int64       `json:"usage_count"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Cooldown returns the command's per-actor reuse interval.
func (c *Command) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

// CommandInput is the DTO used by the management API to create or update a command.
type CommandInput struct {
	Trigger         string      `json:"trigger"`
	TriggerType     TriggerType `json:"trigger_type"`
	Response        *string     `json:"response"`
	NotificationRef *string     `json:"notification_ref"`
	Cost            int64       `json:"cost"`
	CooldownSeconds int         `json:"cooldown_seconds"`
	Permission      Permission  `json:"permission"`
	Enabled         *bool       `json:"enabled"`
}
