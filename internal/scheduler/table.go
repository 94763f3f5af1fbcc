package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"task-orchestrator/internal/models"
	"task-orchestrator/internal/schedule"
)

// Entry is the live firing schedule of one periodic task.
type Entry struct {
	Name     string
	TaskID   string
	Target   string
	Args     []any
	Kwargs   map[string]any
	Headers  map[string]string
	Config   schedule.Config
	Schedule cron.Schedule

	lastFired atomic.Int64
}

// NewEntry builds an entry anchored at anchor: the first fire time is the
// schedule's next occurrence after it.
func NewEntry(name, taskID, target string, cfg schedule.Config, args []any, kwargs map[string]any, loc *time.Location, anchor time.Time) (*Entry, error) {
	if name == "" || target == "" {
		return nil, fmt.Errorf("%w: entry needs a name and a target", models.ErrInvalidTask)
	}
	s, err := cfg.Build(loc)
	if err != nil {
		return nil, err
	}
	e := &Entry{
		Name:     name,
		TaskID:   taskID,
		Target:   target,
		Args:     args,
		Kwargs:   kwargs,
		Config:   cfg,
		Schedule: s,
	}
	if taskID != "" {
		e.Headers = map[string]string{models.HeaderTaskID: taskID}
	}
	e.lastFired.Store(anchor.UTC().UnixNano())
	return e, nil
}

// LastFired is the last time the entry fired, or its anchor if it never has.
func (e *Entry) LastFired() time.Time {
	return time.Unix(0, e.lastFired.Load()).UTC()
}

// Next is the first occurrence after LastFired.
func (e *Entry) Next() time.Time {
	return e.Schedule.Next(e.LastFired()).UTC()
}

// Due reports whether the entry should fire at now.
func (e *Entry) Due(now time.Time) bool {
	next := e.Next()
	return !next.IsZero() && !next.After(now)
}

func (e *Entry) advance(now time.Time) {
	e.lastFired.Store(now.UTC().UnixNano())
}

// inherit keeps prev's firing position when both entries describe the same task.
func (e *Entry) inherit(prev *Entry) {
	if prev != nil && prev.TaskID == e.TaskID {
		e.lastFired.Store(prev.lastFired.Load())
	}
}

// EntryView is the read-only form of an entry.
type EntryView struct {
	Name      string    `json:"name"`
	TaskID    string    `json:"task_id,omitempty"`
	Target    string    `json:"target"`
	Schedule  string    `json:"schedule"`
	LastRunAt time.Time `json:"last_run_at"`
	NextRunAt time.Time `json:"next_run_at"`
}

func (e *Entry) View() EntryView {
	return EntryView{
		Name:      e.Name,
		TaskID:    e.TaskID,
		Target:    e.Target,
		Schedule:  e.Config.Describe(),
		LastRunAt: e.LastFired(),
		NextRunAt: e.Next(),
	}
}

type snapshot struct {
	version uint64
	entries map[string]*Entry
}

// Table is the live entry table: an immutable snapshot swapped atomically.
// Readers never lock; writers serialize on mu and publish a fresh copy.
type Table struct {
	mu  sync.Mutex
	cur atomic.Pointer[snapshot]
}

func NewTable() *Table {
	t := &Table{}
	t.cur.Store(&snapshot{entries: map[string]*Entry{}})
	return t
}

// Replace swaps in entries as the whole table. Entries whose task was already
// live keep their firing position.
func (t *Table) Replace(entries []*Entry) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.cur.Load()
	next := &snapshot{version: prev.version + 1, entries: make(map[string]*Entry, len(entries))}
	for _, e := range entries {
		e.inherit(prev.entries[e.Name])
		next.entries[e.Name] = e
	}
	t.cur.Store(next)
	return next.version
}

// Register installs or replaces the entry named e.Name.
func (t *Table) Register(e *Entry) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.cur.Load()
	next := prev.clone()
	e.inherit(prev.entries[e.Name])
	next.entries[e.Name] = e
	t.cur.Store(next)
	return next.version
}

// Unregister removes the entry if present.
func (t *Table) Unregister(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.cur.Load()
	if _, ok := prev.entries[name]; !ok {
		return false
	}
	next := prev.clone()
	delete(next.entries, name)
	t.cur.Store(next)
	return true
}

func (t *Table) Get(name string) (*Entry, bool) {
	e, ok := t.cur.Load().entries[name]
	return e, ok
}

// Entries returns the live entries sorted by name.
func (t *Table) Entries() []*Entry {
	snap := t.cur.Load()
	out := make([]*Entry, 0, len(snap.entries))
	for _, e := range snap.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (t *Table) Version() uint64 { return t.cur.Load().version }

func (t *Table) Len() int { return len(t.cur.Load().entries) }

func (s *snapshot) clone() *snapshot {
	next := &snapshot{version: s.version + 1, entries: make(map[string]*Entry, len(s.entries)+1)}
	for k, v := range s.entries {
		next.entries[k] = v
	}
	return next
}
