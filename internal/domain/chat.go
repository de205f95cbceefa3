package domain

import "time"

// RoleFlags carries the chat roles reported by the transport for a message author.
type RoleFlags struct {
	Subscriber  bool `json:"subscriber"`
	VIP         bool `json:"vip"`
	Moderator   bool `json:"moderator"`
	Broadcaster bool `json:"broadcaster"`
}

// Satisfies reports whether the roles meet a command's permission.
// Subscriber and VIP are siblings: either one satisfies a subscriber- or vip-gated command.
func (r RoleFlags) Satisfies(p Permission) bool {
	elevated := r.Moderator || r.Broadcaster
	switch p {
	case PermissionEveryone:
		return true
	case PermissionSubscriber, PermissionVIP:
		return r.Subscriber || r.VIP || elevated
	case PermissionModerator:
		return elevated
	default:
		return false
	}
}

// ChatMessage is one inbound chat event delivered by the chat transport.
type ChatMessage struct {
	Channel   string    `json:"channel"`
	ActorID   string    `json:"actor_id"`
	ActorName string    `json:"actor_name"`
	Text      string    `json:"text"`
	Roles     RoleFlags `json:"roles"`
	SentAt    time.Time `json:"sent_at"`
}

// Actor returns the account reference of the message author.
func (m ChatMessage) Actor() AccountRef {
	return AccountRef{ExternalID: m.ActorID, DisplayName: m.ActorName}
}

// RewardEvent credits eggs to a chatter (subs, cheers, redemptions...).
type RewardEvent struct {
	ActorID   string `json:"actor_id"`
	ActorName string `json:"actor_name"`
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason"`
}

// ChatReply is the text response sent back through the chat transport.
type ChatReply struct {
	Channel   string    `json:"channel"`
	Text      string    `json:"text"`
	CommandID string    `json:"command_id,omitempty"`
	SentAt    time.Time `json:"sent_at"`
}

// AlertPayload is the opaque audio/visual cue forwarded to the broadcast sink.
type AlertPayload struct {
	NotificationRef string    `json:"notification_ref"`
	CommandID       string    `json:"command_id"`
	Channel         string    `json:"channel"`
	ActorName       string    `json:"actor_name"`
	TriggeredAt     time.Time `json:"triggered_at"`
}
