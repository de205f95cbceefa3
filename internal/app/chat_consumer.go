package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maddeth/boozie-bot-sub000/internal/domain"
	"github.com/maddeth/boozie-bot-sub000/internal/store"
)

const (
	RoutingKeyChatMessage    = "chat.message"
	RoutingKeyCurrencyReward = "currency.reward"
)

// MessageHandler runs a chat message through the command pipeline.
type MessageHandler interface {
	Handle(ctx context.Context, msg domain.ChatMessage) (Execution, error)
}

// RewardCrediter credits earned eggs.
type RewardCrediter interface {
	Reward(ctx context.Context, ref domain.AccountRef, amount int64) (int64, error)
}

// ChatDispatcher fans chat events out to a fixed pool of workers. There is no global
// processing lock: two messages can be in flight at once, and per-account ordering
// is left to the ledger's atomic updates.
type ChatDispatcher struct {
	handler MessageHandler
	rewards RewardCrediter
	queue   chan domain.ChatMessage
	workers int
	timeout time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	handled atomic.Int64

	// mu guards closed; senders hold it for reading while they enqueue.
	mu     sync.RWMutex
	closed bool
}

func NewChatDispatcher(handler MessageHandler, rewards RewardCrediter, workers, queueSize int, timeout time.Duration) *ChatDispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ChatDispatcher{
		handler: handler,
		rewards: rewards,
		queue:   make(chan domain.ChatMessage, queueSize),
		workers: workers,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the workers.
func (d *ChatDispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
	log.Printf("level=info component=chat_consumer msg=\"dispatcher started\" workers=%d queue_size=%d", d.workers, cap(d.queue))
}

// Stop stops accepting messages, then waits until the workers have processed every
// message already acked into the queue.
func (d *ChatDispatcher) Stop() {
	// Cancelling first releases callbacks blocked on a full queue.
	d.cancel()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	pending := len(d.queue)
	close(d.queue)
	d.mu.Unlock()

	if pending > 0 {
		log.Printf("level=info component=chat_consumer msg=\"draining queued messages\" count=%d", pending)
	}
	d.wg.Wait()
}

// Handled returns how many chat messages the workers have processed.
func (d *ChatDispatcher) Handled() int64 {
	return d.handled.Load()
}

func (d *ChatDispatcher) work() {
	defer d.wg.Done()
	for msg := range d.queue {
		d.process(msg)
	}
}

func (d *ChatDispatcher) process(msg domain.ChatMessage) {
	// Queued messages are already acked, so they finish on shutdown; only the timeout bounds them.
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	defer d.handled.Add(1)

	if _, err := d.handler.Handle(ctx, msg); err != nil {
		log.Printf("level=error component=chat_consumer msg=\"chat message failed\" channel=%s actor=%s err=%v", msg.Channel, msg.ActorID, err)
	}
}

// HandleChatMessage is the RabbitMQ callback for chat.message. Malformed payloads are
// acked and dropped. When the queue is full the callback blocks, which holds back
// further deliveries.
func (d *ChatDispatcher) HandleChatMessage(body []byte) bool {
	var msg domain.ChatMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		log.Printf("level=warn component=chat_consumer msg=\"invalid chat payload; dropping\" err=%v", err)
		return true
	}
	if strings.TrimSpace(msg.Text) == "" || (strings.TrimSpace(msg.ActorID) == "" && strings.TrimSpace(msg.ActorName) == "") {
		return true
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed || d.ctx.Err() != nil {
		return false
	}
	select {
	case d.queue <- msg:
		return true
	case <-d.ctx.Done():
		return false
	}
}

// HandleReward is the RabbitMQ callback for currency.reward. It runs inline so that a
// storage failure can be nacked and redelivered instead of losing eggs.
func (d *ChatDispatcher) HandleReward(body []byte) bool {
	var event domain.RewardEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=chat_consumer msg=\"invalid reward payload; dropping\" err=%v", err)
		return true
	}

	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()

	ref := domain.AccountRef{ExternalID: event.ActorID, DisplayName: event.ActorName}
	balance, err := d.rewards.Reward(ctx, ref, event.Amount)
	if err != nil {
		if errors.Is(err, store.ErrStorageUnavailable) {
			log.Printf("level=error component=chat_consumer msg=\"reward failed; re-queuing\" actor=%s err=%v", ref.Key(), err)
			return false
		}
		log.Printf("level=warn component=chat_consumer msg=\"reward rejected; dropping\" actor=%s amount=%d err=%v", ref.Key(), event.Amount, err)
		return true
	}
	log.Printf("level=info component=chat_consumer msg=\"reward credited\" actor=%s amount=%d reason=%q balance=%d", ref.Key(), event.Amount, event.Reason, balance)
	return true
}
