package app

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/maddeth/boozie-bot-sub000/internal/domain"
)

type commandSourceStub struct {
	commands []domain.Command
	err      error
}

func (s *commandSourceStub) ListCommands(ctx context.Context, enabledOnly bool) ([]domain.Command, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.commands, nil
}

func ptrString(v string) *string {
	return &v
}

func testCommand(trigger string, triggerType domain.TriggerType) domain.Command {
	return domain.Command{
		ID:          uuid.New(),
		Trigger:     trigger,
		TriggerType: triggerType,
		Response:    ptrString(trigger + " fired"),
		Permission:  domain.PermissionEveryone,
		Enabled:     true,
	}
}

func TestCommandIndexResolve(t *testing.T) {
	exactHi := testCommand("hi", domain.TriggerExact)
	containsHi := testCommand("hi", domain.TriggerContains)
	exactEgg := testCommand("!egg", domain.TriggerExact)
	exactEggs := testCommand("!eggs top", domain.TriggerExact)
	exactBang := testCommand("!hi!", domain.TriggerExact)
	duplicateHi := testCommand(" HI ", domain.TriggerExact)
	containsLurk := testCommand("lurk", domain.TriggerContains)
	regexDice := testCommand(`^!roll \d+$`, domain.TriggerRegex)
	regexAny := testCommand(`roll`, domain.TriggerRegex)
	badRegex := testCommand(`([unclosed`, domain.TriggerRegex)
	disabled := testCommand("!off", domain.TriggerExact)
	disabled.Enabled = false

	idx := NewCommandIndex(&commandSourceStub{commands: []domain.Command{
		containsHi, exactHi, exactEgg, exactEggs, exactBang, duplicateHi, containsLurk, badRegex, regexDice, regexAny, disabled,
	}})
	if err := idx.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	tests := []struct {
		name    string
		message string
		want    *domain.Command
	}{
		{name: "exact beats contains", message: "hi there", want: &exactHi},
		{name: "exact is case insensitive", message: "HI", want: &exactHi},
		{name: "exact needs a word boundary", message: "hiya", want: &containsHi},
		{name: "exact followed by punctuation", message: "!egg, please", want: &exactEgg},
		{name: "exact prefix of longer word does not match", message: "!eggplant", want: nil},
		{name: "longest exact trigger wins", message: "!eggs top 5", want: &exactEggs},
		{name: "exact ending in punctuation alone", message: "!hi!", want: &exactBang},
		{name: "exact ending in punctuation followed by text", message: "!hi! there", want: &exactBang},
		{name: "exact ending in punctuation followed by punctuation", message: "!hi!!", want: &exactBang},
		{name: "duplicate exact trigger keeps the first", message: "hi", want: &exactHi},
		{name: "contains anywhere", message: "just gonna LURK a bit", want: &containsLurk},
		{name: "regex in registration order", message: "!roll 20", want: &regexDice},
		{name: "later regex", message: "do a barrel roll", want: &regexAny},
		{name: "disabled commands are not indexed", message: "!off", want: nil},
		{name: "no match", message: "hello", want: nil},
		{name: "empty message", message: "   ", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := idx.Resolve(tt.message)
			if tt.want == nil {
				if got != nil {
					t.Fatalf("expected no match, got %q (%s)", got.Trigger, got.TriggerType)
				}
				return
			}
			if got == nil {
				t.Fatalf("expected %q (%s), got no match", tt.want.Trigger, tt.want.TriggerType)
			}
			if got.ID != tt.want.ID {
				t.Fatalf("expected %q (%s), got %q (%s)", tt.want.Trigger, tt.want.TriggerType, got.Trigger, got.TriggerType)
			}
		})
	}

	stats := idx.Stats()
	// The invalid regex and the duplicate exact trigger are both skipped.
	if stats.Skipped != 2 || stats.Regex != 2 || stats.Exact != 4 || stats.Contains != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestCommandIndexFailedRefreshKeepsSnapshot(t *testing.T) {
	source := &commandSourceStub{commands: []domain.Command{testCommand("!hug", domain.TriggerExact)}}
	idx := NewCommandIndex(source)
	if err := idx.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	source.err = errors.New("db down")
	if err := idx.Refresh(context.Background()); err == nil {
		t.Fatalf("expected refresh error")
	}
	if idx.Resolve("!hug") == nil {
		t.Fatalf("previous snapshot should still resolve after a failed refresh")
	}
}

func TestCommandIndexInvalidateCoalesces(t *testing.T) {
	idx := NewCommandIndex(&commandSourceStub{})
	idx.Invalidate()
	idx.Invalidate()
	idx.Invalidate()
	if got := len(idx.invalidate); got != 1 {
		t.Fatalf("expected one pending invalidation, got %d", got)
	}
}

func TestEndsAtWordBoundary(t *testing.T) {
	tests := []struct {
		s    string
		n    int
		want bool
	}{
		{s: "hi", n: 2, want: true},
		{s: "hi there", n: 2, want: true},
		{s: "hiya", n: 2, want: false},
		{s: "!x", n: 1, want: true},
		{s: "!!", n: 1, want: true},
		{s: "!hi! there", n: 4, want: true},
		{s: "!hi!!", n: 4, want: true},
		{s: "!hit", n: 3, want: false},
		{s: "!egg-bomb", n: 4, want: true},
		{s: "héllo", n: 2, want: false},
	}
	for _, tt := range tests {
		if got := endsAtWordBoundary(tt.s, tt.n); got != tt.want {
			t.Fatalf("endsAtWordBoundary(%q, %d) = %t, want %t", tt.s, tt.n, got, tt.want)
		}
	}
}
