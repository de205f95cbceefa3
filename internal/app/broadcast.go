package app

import (
	"context"

	"github.com/maddeth/boozie-bot-sub000/internal/domain"
	"github.com/maddeth/boozie-bot-sub000/pkg/rabbitmq"
)

const (
	RoutingKeyChatReply = "chat.reply"
	RoutingKeyChatAlert = "chat.alert"
)

// BroadcastPublisher sends replies and alert cues to the broadcast exchange, where the
// chat transport and the overlay pick them up.
type BroadcastPublisher struct {
	producer rabbitmq.Publisher
	exchange string
}

func NewBroadcastPublisher(producer rabbitmq.Publisher, exchange string) *BroadcastPublisher {
	return &BroadcastPublisher{producer: producer, exchange: exchange}
}

func (b *BroadcastPublisher) SendReply(ctx context.Context, reply domain.ChatReply) error {
	return b.producer.Publish(ctx, b.exchange, RoutingKeyChatReply, reply)
}

func (b *BroadcastPublisher) SendAlert(ctx context.Context, alert domain.AlertPayload) error {
	return b.producer.Publish(ctx, b.exchange, RoutingKeyChatAlert, alert)
}
