/**
 * @description
 * The command executor turns one chat message into at most one command invocation.
 * Gates run in a fixed order and the first failing gate ends the invocation:
 * resolve, permission, cooldown, cost, effect.
 *
 * @notes
 * - Permission and cooldown failures are silent to chat so command existence is not leaked.
 * - The cost debit commits before any reply or alert is emitted.
 * - The cooldown is reserved at its gate and handed back if the cost gate fails, so two
 *   concurrent invocations by one actor cannot both get through.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/maddeth/boozie-bot-sub000/internal/domain"
	"github.com/maddeth/boozie-bot-sub000/internal/store"
)

// CommandResolver finds the command a message fires.
type CommandResolver interface {
	Resolve(message string) *domain.Command
}

// CostLedger is the part of the ledger the executor charges costs against.
type CostLedger interface {
	Lookup(ctx context.Context, ref domain.AccountRef) (*domain.Account, error)
	Charge(ctx context.Context, accountKey string, amount int64) (int64, error)
}

// UsageRecorder bumps a command's usage counter.
type UsageRecorder interface {
	IncrementCommandUsage(ctx context.Context, id uuid.UUID) (int64, error)
}

// Broadcaster delivers replies and alert cues out of band.
type Broadcaster interface {
	SendReply(ctx context.Context, reply domain.ChatReply) error
	SendAlert(ctx context.Context, alert domain.AlertPayload) error
}

// Outcome is the terminal state of one invocation.
type Outcome string

const (
	OutcomeNoMatch           Outcome = "no_match"
	OutcomeDenied            Outcome = "denied"
	OutcomeCooldown          Outcome = "cooldown"
	OutcomeInsufficientFunds Outcome = "insufficient_funds"
	OutcomeExecuted          Outcome = "executed"
)

// Execution describes what happened to a message.
type Execution struct {
	Outcome Outcome
	Command *domain.Command
	Reply   string
	Alerted bool
	Balance *int64
}

// ExecutorOptions tunes an Executor.
type ExecutorOptions struct {
	// InsufficientFundsReply is sent when a costed command cannot be paid for.
	// Empty means drop silently.
	InsufficientFundsReply string
	Verbose                bool
}

// Executor runs the gate pipeline for chat messages.
type Executor struct {
	resolver    CommandResolver
	ledger      CostLedger
	cooldowns   CooldownStore
	usage       UsageRecorder
	broadcaster Broadcaster
	opts        ExecutorOptions
	now         func() time.Time
}

func NewExecutor(resolver CommandResolver, ledger CostLedger, cooldowns CooldownStore, usage UsageRecorder, broadcaster Broadcaster, opts ExecutorOptions) *Executor {
	return &Executor{
		resolver:    resolver,
		ledger:      ledger,
		cooldowns:   cooldowns,
		usage:       usage,
		broadcaster: broadcaster,
		opts:        opts,
		now:         time.Now,
	}
}

func (e *Executor) debugf(format string, args ...interface{}) {
	if e.opts.Verbose {
		log.Printf(format, args...)
	}
}

// Handle runs one message through the gates. An error is returned only for failures the
// caller may retry, such as storage being unavailable.
func (e *Executor) Handle(ctx context.Context, msg domain.ChatMessage) (Execution, error) {
	cmd := e.resolver.Resolve(msg.Text)
	if cmd == nil {
		return Execution{Outcome: OutcomeNoMatch}, nil
	}
	result := Execution{Command: cmd}

	actor := msg.Actor()
	actorKey := actor.Key()
	if actorKey == "" || !msg.Roles.Satisfies(cmd.Permission) {
		e.debugf("level=info component=executor msg=\"permission denied\" command_id=%s actor=%s permission=%s", cmd.ID, actorKey, cmd.Permission)
		result.Outcome = OutcomeDenied
		return result, nil
	}

	now := e.now()
	reserved := false
	if window := cmd.Cooldown(); window > 0 {
		ok, err := e.cooldowns.Acquire(ctx, cmd.ID, actorKey, window, now)
		switch {
		case err != nil:
			// Losing a cooldown is acceptable; losing the message is not.
			log.Printf("level=warn component=executor msg=\"cooldown store unavailable; continuing without cooldown\" command_id=%s err=%v", cmd.ID, err)
		case !ok:
			e.debugf("level=info component=executor msg=\"cooldown active\" command_id=%s actor=%s", cmd.ID, actorKey)
			result.Outcome = OutcomeCooldown
			return result, nil
		default:
			reserved = true
		}
	}

	if cmd.Cost > 0 {
		balance, err := e.collect(ctx, actor, cmd.Cost)
		if err != nil {
			if reserved {
				if relErr := e.cooldowns.Release(ctx, cmd.ID, actorKey); relErr != nil {
					log.Printf("level=warn component=executor msg=\"cooldown release failed\" command_id=%s err=%v", cmd.ID, relErr)
				}
			}
			if errors.Is(err, store.ErrInsufficientFunds) || errors.Is(err, store.ErrNotFound) {
				result.Outcome = OutcomeInsufficientFunds
				if tmpl := strings.TrimSpace(e.opts.InsufficientFundsReply); tmpl != "" {
					result.Reply = e.render(tmpl, msg, cmd, cmd.UsageCount, nil)
					e.reply(ctx, msg, cmd, result.Reply)
				}
				return result, nil
			}
			return result, fmt.Errorf("collect cost for command %s: %w", cmd.ID, err)
		}
		result.Balance = &balance
	}

	count := cmd.UsageCount + 1
	if updated, err := e.usage.IncrementCommandUsage(ctx, cmd.ID); err != nil {
		log.Printf("level=warn component=executor msg=\"usage count increment failed\" command_id=%s err=%v", cmd.ID, err)
	} else {
		count = updated
	}

	if cmd.Response != nil && strings.TrimSpace(*cmd.Response) != "" {
		result.Reply = e.render(*cmd.Response, msg, cmd, count, result.Balance)
		e.reply(ctx, msg, cmd, result.Reply)
	}
	if cmd.NotificationRef != nil && strings.TrimSpace(*cmd.NotificationRef) != "" {
		alert := domain.AlertPayload{
			NotificationRef: *cmd.NotificationRef,
			CommandID:       cmd.ID.String(),
			Channel:         msg.Channel,
			ActorName:       msg.ActorName,
			TriggeredAt:     now.UTC(),
		}
		if err := e.broadcaster.SendAlert(ctx, alert); err != nil {
			log.Printf("level=warn component=executor msg=\"alert delivery failed\" command_id=%s err=%v", cmd.ID, err)
		} else {
			result.Alerted = true
		}
	}

	result.Outcome = OutcomeExecuted
	log.Printf("level=info component=executor msg=\"command executed\" command_id=%s trigger=%q actor=%s cost=%d usage=%d", cmd.ID, cmd.Trigger, actorKey, cmd.Cost, count)
	return result, nil
}

// collect debits the actor's own account. The account is resolved first so that a
// chatter still on a legacy name-keyed row pays from it.
func (e *Executor) collect(ctx context.Context, actor domain.AccountRef, cost int64) (int64, error) {
	account, err := e.ledger.Lookup(ctx, actor)
	if err != nil {
		return 0, err
	}
	return e.ledger.Charge(ctx, account.Key, cost)
}

func (e *Executor) reply(ctx context.Context, msg domain.ChatMessage, cmd *domain.Command, text string) {
	if text == "" {
		return
	}
	err := e.broadcaster.SendReply(ctx, domain.ChatReply{
		Channel:   msg.Channel,
		Text:      text,
		CommandID: cmd.ID.String(),
		SentAt:    e.now().UTC(),
	})
	if err != nil {
		log.Printf("level=warn component=executor msg=\"reply delivery failed\" command_id=%s err=%v", cmd.ID, err)
	}
}

func (e *Executor) render(tmpl string, msg domain.ChatMessage, cmd *domain.Command, count int64, balance *int64) string {
	balanceText := ""
	if balance != nil {
		balanceText = strconv.FormatInt(*balance, 10)
	}
	user := strings.TrimSpace(msg.ActorName)
	if user == "" {
		user = msg.ActorID
	}
	return strings.NewReplacer(
		"{user}", user,
		"{count}", strconv.FormatInt(count, 10),
		"{cost}", strconv.FormatInt(cmd.Cost, 10),
		"{balance}", balanceText,
	).Replace(tmpl)
}
