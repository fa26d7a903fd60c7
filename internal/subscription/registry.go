// Package subscription tracks which outage queue each user follows and
// whether they want warnings delivered.
package subscription

import (
	"context"
	"sort"
	"sync"

	"svitlobot/internal/schedule"
	"svitlobot/internal/storage"
	logx "svitlobot/pkg/logx"
)

// Sub is one user's subscription state.
type Sub struct {
	UserID int64
	Key    schedule.QueueKey // zero value until the user picks a queue
	Notify bool
}

// HasQueue reports whether the user has picked a queue yet.
func (s Sub) HasQueue() bool { return s.Key.Valid() }

// Registry is the in-memory subscription table. Writes go through to the
// optional store best-effort: a persistence failure is logged, never
// surfaced to the user.
type Registry struct {
	mu    sync.RWMutex
	users map[int64]Sub

	store storage.Store // may be nil
	log   logx.Logger
}

func NewRegistry(store storage.Store, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		users: map[int64]Sub{},
		store: store,
		log:   log,
	}
}

// Load seeds the registry from the store. Safe to call with storage
// disabled; it is then a no-op.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	recs, err := r.store.LoadSubscriptions(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range recs {
		r.users[rec.UserID] = Sub{
			UserID: rec.UserID,
			Key:    schedule.QueueKey{Queue: rec.Queue, Sub: rec.Sub},
			Notify: rec.Notify,
		}
	}
	r.log.Debug("subscriptions loaded", logx.Int("count", len(recs)))
	return nil
}

// Ensure registers the user if unseen. New users start with notifications
// off and no queue picked.
func (r *Registry) Ensure(ctx context.Context, userID int64) Sub {
	r.mu.Lock()
	s, ok := r.users[userID]
	if !ok {
		s = Sub{UserID: userID}
		r.users[userID] = s
	}
	r.mu.Unlock()
	if !ok {
		r.save(ctx, s)
	}
	return s
}

// SetQueue picks the user's queue, registering them if needed.
func (r *Registry) SetQueue(ctx context.Context, userID int64, key schedule.QueueKey) (Sub, error) {
	if !key.Valid() {
		return Sub{}, schedule.ErrBadQueue
	}
	r.mu.Lock()
	s, ok := r.users[userID]
	if !ok {
		s = Sub{UserID: userID}
	}
	s.Key = key
	r.users[userID] = s
	r.mu.Unlock()
	r.save(ctx, s)
	return s, nil
}

// ToggleNotify flips the user's notification flag and returns the new state.
func (r *Registry) ToggleNotify(ctx context.Context, userID int64) Sub {
	r.mu.Lock()
	s, ok := r.users[userID]
	if !ok {
		s = Sub{UserID: userID}
	}
	s.Notify = !s.Notify
	r.users[userID] = s
	r.mu.Unlock()
	r.save(ctx, s)
	return s
}

// Get returns the user's subscription, if they have one.
func (r *Registry) Get(userID int64) (Sub, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.users[userID]
	return s, ok
}

// List returns a copy of all subscriptions, ordered by user ID so the
// trigger engine walks them deterministically.
func (r *Registry) List() []Sub {
	r.mu.RLock()
	out := make([]Sub, 0, len(r.users))
	for _, s := range r.users {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (r *Registry) save(ctx context.Context, s Sub) {
	if r.store == nil {
		return
	}
	rec := storage.Record{UserID: s.UserID, Queue: s.Key.Queue, Sub: s.Key.Sub, Notify: s.Notify}
	if err := r.store.SaveSubscription(ctx, rec); err != nil {
		r.log.Warn("subscription save failed", logx.Int64("user", s.UserID), logx.Err(err))
	}
}
