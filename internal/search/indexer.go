package search

import (
	"context"

	"github.com/campusnet/chatsync/internal/bus"
	"github.com/campusnet/chatsync/internal/engine"
	"go.uber.org/zap"
)

// Indexer feeds the index from engine.message_merged events.
type Indexer struct {
	index  *Index
	bus    *bus.Bus
	logger *zap.Logger
}

// NewIndexer creates an indexer. Call Run to start it.
func NewIndexer(index *Index, b *bus.Bus, logger *zap.Logger) *Indexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Indexer{index: index, bus: b, logger: logger}
}

// Run indexes merged messages until ctx is cancelled.
func (ix *Indexer) Run(ctx context.Context) {
	events, unsub := ix.bus.Subscribe(engine.EventMessageMerged, 512)
	defer unsub()
	for {
		select {
		case evt := <-events:
			merged, ok := evt.Payload.(engine.MessageMerged)
			if !ok || merged.Message == nil {
				continue
			}
			if err := ix.index.Put(ctx, merged.Message); err != nil {
				ix.logger.Warn("index message failed",
					zap.String("conversation_id", merged.Message.ConversationID),
					zap.String("msg_id", merged.Message.ID),
					zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}
