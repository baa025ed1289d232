package database

import (
	"context"
	"sync"
	"time"
)

// BotLoader serves bot configs with a short TTL so the scheduler picks up
// control-plane edits on the next cycle boundary without querying the
// database every iteration.
type BotLoader struct {
	repo *Repository
	ttl  time.Duration

	mu      sync.Mutex
	entries map[int64]botEntry
}

type botEntry struct {
	bot       *Bot
	fetchedAt time.Time
}

// NewBotLoader creates a loader with the given TTL.
func NewBotLoader(repo *Repository, ttl time.Duration) *BotLoader {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &BotLoader{repo: repo, ttl: ttl, entries: make(map[int64]botEntry)}
}

// Get returns the bot config, refreshing it when the cached copy is stale.
// On refresh failure a stale copy is served rather than failing the cycle.
func (l *BotLoader) Get(ctx context.Context, id int64) (*Bot, error) {
	l.mu.Lock()
	entry, ok := l.entries[id]
	l.mu.Unlock()

	if ok && time.Since(entry.fetchedAt) < l.ttl {
		return entry.bot, nil
	}

	bot, err := l.repo.GetBot(ctx, id)
	if err != nil {
		if ok {
			return entry.bot, nil
		}
		return nil, err
	}

	l.mu.Lock()
	l.entries[id] = botEntry{bot: bot, fetchedAt: time.Now()}
	l.mu.Unlock()
	return bot, nil
}

// Invalidate drops the cached copy so the next Get hits the database.
func (l *BotLoader) Invalidate(id int64) {
	l.mu.Lock()
	delete(l.entries, id)
	l.mu.Unlock()
}
