package schedule

import "sync"

// ChangeKind classifies how one queue key's interval list moved between two
// successive observations of the same date.
type ChangeKind int

const (
	Added ChangeKind = iota + 1
	Removed
	Modified
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Removed:
		return "removed"
	case Modified:
		return "modified"
	default:
		return "unchanged"
	}
}

// Change carries the before/after interval lists for a changed key.
type Change struct {
	Kind   ChangeKind
	Before []Interval
	After  []Interval
}

// Repository holds the current and immediately-previous observation per date.
//
// Update is only ever called after a successful parse; fetch/parse failures
// must leave both maps untouched (stale data beats no data). The repository
// owns both maps exclusively; callers get the stored DaySchedule values and
// must treat them as read-only.
type Repository struct {
	mu       sync.Mutex
	current  map[Date]DaySchedule
	previous map[Date]DaySchedule
}

func NewRepository() *Repository {
	return &Repository{
		current:  map[Date]DaySchedule{},
		previous: map[Date]DaySchedule{},
	}
}

// Update installs day as the current schedule for date, moving the prior
// current (if any) to previous. Atomic per date.
func (r *Repository) Update(date Date, day DaySchedule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.current[date]; ok {
		r.previous[date] = cur
	}
	r.current[date] = day
}

// UpdateAll applies Update for every date in the snapshot.
func (r *Repository) UpdateAll(snap Snapshot) {
	for date, day := range snap {
		r.Update(date, day)
	}
}

// Diff compares the previous and current observation of date and returns the
// changed keys only; an absent key means unchanged. The first observation of
// a date yields an empty map: a newly published date is new, not changed.
func (r *Repository) Diff(date Date) map[QueueKey]Change {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.previous[date]
	if !ok {
		return nil
	}
	cur := r.current[date]

	out := map[QueueKey]Change{}
	for q := 1; q <= 6; q++ {
		for s := 1; s <= 2; s++ {
			key := QueueKey{Queue: q, Sub: s}
			before := prev[key]
			after := cur[key]
			if intervalsEqual(before, after) {
				continue
			}
			ch := Change{Before: before, After: after}
			switch {
			case len(before) == 0:
				ch.Kind = Added
			case len(after) == 0:
				ch.Kind = Removed
			default:
				ch.Kind = Modified
			}
			out[key] = ch
		}
	}
	return out
}

// SnapshotForDate returns the current observation for date, if any.
func (r *Repository) SnapshotForDate(date Date) (DaySchedule, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	day, ok := r.current[date]
	return day, ok
}

// NearestDate returns the earliest date with a current observation that is
// afterOrOn or later. Used for the "today not published yet, show the next
// available day" fallback.
func (r *Repository) NearestDate(afterOrOn Date) (Date, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best Date
	found := false
	for d := range r.current {
		if d.Before(afterOrOn) {
			continue
		}
		if !found || d.Before(best) {
			best = d
			found = true
		}
	}
	return best, found
}
