package app

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/maddeth/boozie-bot-sub000/internal/domain"
)

// CommandSource is the durable table the index projects from.
type CommandSource interface {
	ListCommands(ctx context.Context, enabledOnly bool) ([]domain.Command, error)
}

type containsEntry struct {
	needle string
	cmd    *domain.Command
}

type regexEntry struct {
	re  *regexp.Regexp
	cmd *domain.Command
}

// commandSnapshot is immutable once published.
type commandSnapshot struct {
	exact        map[string]*domain.Command
	exactLengths []int // distinct byte lengths of exact triggers, longest first
	contains     []containsEntry
	regexes      []regexEntry
	skipped      int
	builtAt      time.Time
}

// IndexStats describes the published snapshot.
type IndexStats struct {
	Exact    int       `json:"exact"`
	Contains int       `json:"contains"`
	Regex    int       `json:"regex"`
	Skipped  int       `json:"skipped"`
	BuiltAt  time.Time `json:"built_at"`
}

// CommandIndex is an in-memory projection of the enabled commands. Resolve reads the
// current snapshot without locking; Refresh builds a new snapshot and swaps it in whole.
type CommandIndex struct {
	source     CommandSource
	snapshot   atomic.Pointer[commandSnapshot]
	refreshMu  sync.Mutex
	invalidate chan struct{}
	now        func() time.Time
}

// NewCommandIndex creates an empty index. Call Refresh before serving traffic.
func NewCommandIndex(source CommandSource) *CommandIndex {
	idx := &CommandIndex{
		source:     source,
		invalidate: make(chan struct{}, 1),
		now:        time.Now,
	}
	idx.snapshot.Store(&commandSnapshot{exact: map[string]*domain.Command{}})
	return idx
}

func normalizeTrigger(trigger string) string {
	return strings.ToLower(strings.TrimSpace(trigger))
}

func buildSnapshot(commands []domain.Command, builtAt time.Time) *commandSnapshot {
	snap := &commandSnapshot{
		exact:   make(map[string]*domain.Command),
		builtAt: builtAt,
	}
	lengths := make(map[int]struct{})

	for i := range commands {
		cmd := &commands[i]
		if !cmd.Enabled {
			continue
		}
		switch cmd.TriggerType {
		case domain.TriggerExact:
			key := normalizeTrigger(cmd.Trigger)
			if key == "" {
				snap.skipped++
				continue
			}
			if first, taken := snap.exact[key]; taken {
				log.Printf("level=warn component=index msg=\"skipping command with duplicate exact trigger\" command_id=%s trigger=%q kept_command_id=%s", cmd.ID, key, first.ID)
				snap.skipped++
				continue
			}
			snap.exact[key] = cmd
			lengths[len(key)] = struct{}{}
		case domain.TriggerContains:
			needle := normalizeTrigger(cmd.Trigger)
			if needle == "" {
				snap.skipped++
				continue
			}
			snap.contains = append(snap.contains, containsEntry{needle: needle, cmd: cmd})
		case domain.TriggerRegex:
			re, err := regexp.Compile(cmd.Trigger)
			if err != nil {
				log.Printf("level=warn component=index msg=\"skipping command with invalid regex\" command_id=%s trigger=%q err=%v", cmd.ID, cmd.Trigger, err)
				snap.skipped++
				continue
			}
			snap.regexes = append(snap.regexes, regexEntry{re: re, cmd: cmd})
		default:
			log.Printf("level=warn component=index msg=\"skipping command with unknown trigger type\" command_id=%s trigger_type=%s", cmd.ID, cmd.TriggerType)
			snap.skipped++
		}
	}

	for l := range lengths {
		snap.exactLengths = append(snap.exactLengths, l)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(snap.exactLengths)))
	return snap
}

// Refresh rebuilds the index from the command table. On failure the previous snapshot
// stays in place.
func (i *CommandIndex) Refresh(ctx context.Context) error {
	i.refreshMu.Lock()
	defer i.refreshMu.Unlock()

	commands, err := i.source.ListCommands(ctx, true)
	if err != nil {
		return fmt.Errorf("refresh command index: %w", err)
	}
	snap := buildSnapshot(commands, i.now())
	i.snapshot.Store(snap)
	log.Printf("level=info component=index msg=\"command index refreshed\" exact=%d contains=%d regex=%d skipped=%d",
		len(snap.exact), len(snap.contains), len(snap.regexes), snap.skipped)
	return nil
}

// Invalidate requests an asynchronous refresh. Requests coalesce while one is pending.
func (i *CommandIndex) Invalidate() {
	select {
	case i.invalidate <- struct{}{}:
	default:
	}
}

// Run serves invalidation requests until ctx is cancelled.
func (i *CommandIndex) Run(ctx context.Context, timeout time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-i.invalidate:
			refreshCtx, cancel := context.WithTimeout(ctx, timeout)
			if err := i.Refresh(refreshCtx); err != nil {
				log.Printf("level=error component=index msg=\"invalidation refresh failed\" err=%v", err)
			}
			cancel()
		}
	}
}

// Stats describes the currently published snapshot.
func (i *CommandIndex) Stats() IndexStats {
	snap := i.snapshot.Load()
	return IndexStats{
		Exact:    len(snap.exact),
		Contains: len(snap.contains),
		Regex:    len(snap.regexes),
		Skipped:  snap.skipped,
		BuiltAt:  snap.builtAt,
	}
}

// Resolve returns the command a message fires, or nil. Exact triggers are tried first
// (longest trigger wins), then contains triggers, then regexes, each in registration order.
func (i *CommandIndex) Resolve(message string) *domain.Command {
	snap := i.snapshot.Load()
	lowered := strings.ToLower(strings.TrimSpace(message))
	if lowered == "" {
		return nil
	}

	for _, l := range snap.exactLengths {
		if l > len(lowered) || !endsAtWordBoundary(lowered, l) {
			continue
		}
		if cmd, ok := snap.exact[lowered[:l]]; ok {
			return cmd
		}
	}

	for _, entry := range snap.contains {
		if strings.Contains(lowered, entry.needle) {
			return entry.cmd
		}
	}

	for _, entry := range snap.regexes {
		if entry.re.MatchString(message) {
			return entry.cmd
		}
	}
	return nil
}

// endsAtWordBoundary reports whether s[:n] is followed by end of string or a word
// boundary. Only a word rune followed by another word rune continues a word, so a
// prefix that ends in punctuation always stands on its own.
func endsAtWordBoundary(s string, n int) bool {
	if n == len(s) {
		return true
	}
	if n == 0 || !utf8.RuneStart(s[n]) {
		return false
	}
	before, _ := utf8.DecodeLastRuneInString(s[:n])
	after, _ := utf8.DecodeRuneInString(s[n:])
	return !isWordRune(before) || !isWordRune(after)
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
