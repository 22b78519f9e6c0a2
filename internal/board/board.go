// Package board owns the in-memory ranked idea collection: ordering,
// one-vote-per-user accounting, optimistic mutations, and reconciliation
// against authoritative store snapshots.
package board

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MaxTitleLen is the maximum idea title length in runes, after trimming.
const MaxTitleLen = 40

var (
	ErrEmptyTitle   = errors.New("idea title is empty")
	ErrTitleTooLong = errors.New("idea title exceeds 40 characters")
)

// Idea is a user-submitted, votable topic suggestion.
type Idea struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Author    string    `json:"author"`
	AuthorID  string    `json:"authorId,omitempty"`
	Votes     int       `json:"votes"`
	Voters    []string  `json:"voters"`
	CreatedAt time.Time `json:"createdAt"`
}

// HasVoted reports whether userID already appears in the voter set.
func (i Idea) HasVoted(userID string) bool {
	for _, voter := range i.Voters {
		if voter == userID {
			return true
		}
	}
	return false
}

func (i Idea) clone() Idea {
	copied := i
	copied.Voters = append([]string(nil), i.Voters...)
	return copied
}

// rankLess reports whether a orders strictly before b. Higher vote counts
// rank first; when both ideas sit at zero votes the newer one ranks first.
// Equal nonzero vote counts are left to the stable sort.
func rankLess(a, b Idea) bool {
	if a.Votes != b.Votes {
		return a.Votes > b.Votes
	}
	if a.Votes == 0 && b.Votes == 0 {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return false
}

// Rank sorts ideas in place into display order.
func Rank(ideas []Idea) {
	sort.SliceStable(ideas, func(i, j int) bool {
		return rankLess(ideas[i], ideas[j])
	})
}

// Backend is the durable document store behind the board. Writes are issued
// fire-and-forget: the board never waits for them on the mutation path.
type Backend interface {
	// WriteFull overwrites the entire idea record.
	WriteFull(ctx context.Context, idea Idea) error
	// WritePartial merges only the votes and voters fields.
	WritePartial(ctx context.Context, id string, votes int, voters []string) error
	// Delete removes the idea record.
	Delete(ctx context.Context, id string) error
}

// MutationState tracks an optimistic mutation through reconciliation.
type MutationState int

const (
	MutationPending MutationState = iota
	MutationConfirmed
	MutationReverted
)

func (s MutationState) String() string {
	switch s {
	case MutationConfirmed:
		return "confirmed"
	case MutationReverted:
		return "reverted"
	default:
		return "pending"
	}
}

// Mutation is one optimistic local change awaiting the next authoritative
// snapshot. It is confirmed if the snapshot reflects the change and reverted
// otherwise.
type Mutation struct {
	IdeaID string

	mu     sync.Mutex
	state  MutationState
	expect func([]Idea) bool
}

// State returns the current reconciliation state.
func (m *Mutation) State() MutationState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Mutation) resolve(snapshot []Idea) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != MutationPending {
		return
	}
	if m.expect(snapshot) {
		m.state = MutationConfirmed
	} else {
		m.state = MutationReverted
	}
}

// Board holds the exclusive in-memory idea collection. All reads return
// copies; the authoritative state is whatever the last store snapshot
// established.
type Board struct {
	backend  Backend
	pageSize int
	logger   zerolog.Logger

	mu      sync.Mutex
	ideas   []Idea
	pending []*Mutation
	subs    map[int]chan []Idea
	nextSub int

	writes sync.WaitGroup
}

func New(backend Backend, pageSize int, logger zerolog.Logger) *Board {
	if pageSize <= 0 {
		pageSize = 5
	}
	return &Board{
		backend:  backend,
		pageSize: pageSize,
		logger:   logger,
		subs:     make(map[int]chan []Idea),
	}
}

// Add validates the title, prepends a fresh idea optimistically, and issues a
// full-record write to the backend. The returned mutation resolves on the
// next snapshot.
func (b *Board) Add(title, author, authorID string) (Idea, *Mutation, error) {
	trimmed := strings.TrimSpace(title)
	if trimmed == "" {
		return Idea{}, nil, ErrEmptyTitle
	}
	if utf8.RuneCountInString(trimmed) > MaxTitleLen {
		return Idea{}, nil, ErrTitleTooLong
	}

	idea := Idea{
		ID:        uuid.NewString(),
		Title:     trimmed,
		Author:    author,
		AuthorID:  authorID,
		Votes:     0,
		Voters:    []string{},
		CreatedAt: time.Now().UTC(),
	}

	b.mu.Lock()
	b.ideas = append([]Idea{idea.clone()}, b.ideas...)
	mutation := b.track(idea.ID, func(snapshot []Idea) bool {
		return findIdea(snapshot, idea.ID) != nil
	})
	b.notifyLocked()
	b.mu.Unlock()

	b.persist(func(ctx context.Context) error {
		return b.backend.WriteFull(ctx, idea)
	}, "write idea", idea.ID)
	return idea, mutation, nil
}

// Vote adds userID to the idea's voter set and increments its vote count by
// exactly one. Repeat votes, unknown ideas, and empty user identities are
// no-ops; applied reports whether anything changed. Only the votes and voters
// fields are persisted, so concurrent writes to other fields are never
// clobbered.
func (b *Board) Vote(ideaID, userID string) (*Mutation, bool) {
	if userID == "" {
		return nil, false
	}

	b.mu.Lock()
	idea := findIdea(b.ideas, ideaID)
	if idea == nil || idea.HasVoted(userID) {
		b.mu.Unlock()
		return nil, false
	}
	idea.Votes++
	idea.Voters = append(idea.Voters, userID)
	votes := idea.Votes
	voters := append([]string(nil), idea.Voters...)
	sortIdeasLocked(b.ideas)
	mutation := b.track(ideaID, func(snapshot []Idea) bool {
		current := findIdea(snapshot, ideaID)
		return current != nil && current.HasVoted(userID)
	})
	b.notifyLocked()
	b.mu.Unlock()

	b.persist(func(ctx context.Context) error {
		return b.backend.WritePartial(ctx, ideaID, votes, voters)
	}, "update votes", ideaID)
	return mutation, true
}

// Delete removes the idea locally and issues a delete to the backend.
// Unknown ids are no-ops. Authorization is the caller's concern.
func (b *Board) Delete(ideaID string) (*Mutation, bool) {
	b.mu.Lock()
	index := -1
	for i := range b.ideas {
		if b.ideas[i].ID == ideaID {
			index = i
			break
		}
	}
	if index < 0 {
		b.mu.Unlock()
		return nil, false
	}
	b.ideas = append(b.ideas[:index], b.ideas[index+1:]...)
	mutation := b.track(ideaID, func(snapshot []Idea) bool {
		return findIdea(snapshot, ideaID) == nil
	})
	b.notifyLocked()
	b.mu.Unlock()

	b.persist(func(ctx context.Context) error {
		return b.backend.Delete(ctx, ideaID)
	}, "delete idea", ideaID)
	return mutation, true
}

// ApplySnapshot replaces the whole collection with the store's snapshot,
// re-ranks it, and resolves every pending mutation. This is last-writer-wins:
// optimistic changes missing from the snapshot are rolled back until their
// own write's push arrives.
func (b *Board) ApplySnapshot(ideas []Idea) {
	replacement := make([]Idea, 0, len(ideas))
	for _, idea := range ideas {
		copied := idea.clone()
		if copied.Voters == nil {
			copied.Voters = []string{}
		}
		replacement = append(replacement, copied)
	}
	Rank(replacement)

	b.mu.Lock()
	b.ideas = replacement
	resolved := b.pending
	b.pending = nil
	b.notifyLocked()
	snapshot := cloneIdeas(b.ideas)
	b.mu.Unlock()

	for _, mutation := range resolved {
		mutation.resolve(snapshot)
	}
}

// Ideas returns the full ranked collection.
func (b *Board) Ideas() []Idea {
	b.mu.Lock()
	defer b.mu.Unlock()
	return cloneIdeas(b.ideas)
}

// Get returns the idea with the given id, if present.
func (b *Board) Get(ideaID string) (Idea, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if idea := findIdea(b.ideas, ideaID); idea != nil {
		return idea.clone(), true
	}
	return Idea{}, false
}

// Page returns the 1-based page of the ranked collection plus the total idea
// count. Pages past the end are empty.
func (b *Board) Page(page int) ([]Idea, int) {
	if page < 1 {
		page = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	total := len(b.ideas)
	start := (page - 1) * b.pageSize
	if start >= total {
		return []Idea{}, total
	}
	end := start + b.pageSize
	if end > total {
		end = total
	}
	return cloneIdeas(b.ideas[start:end]), total
}

// PageSize returns the configured page size.
func (b *Board) PageSize() int {
	return b.pageSize
}

// Subscribe registers for ranked snapshots. The channel holds only the most
// recent snapshot; slow consumers see the latest state, not every
// intermediate one. The cancel func unregisters.
func (b *Board) Subscribe() (<-chan []Idea, func()) {
	ch := make(chan []Idea, 1)
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	ch <- cloneIdeas(b.ideas)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Flush waits for all issued backend writes to complete. Used at teardown so
// in-flight writes are never cancelled, and by tests for determinism.
func (b *Board) Flush() {
	b.writes.Wait()
}

func (b *Board) track(ideaID string, expect func([]Idea) bool) *Mutation {
	mutation := &Mutation{IdeaID: ideaID, state: MutationPending, expect: expect}
	b.pending = append(b.pending, mutation)
	return mutation
}

func (b *Board) persist(write func(context.Context) error, action, ideaID string) {
	b.writes.Add(1)
	go func() {
		defer b.writes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := write(ctx); err != nil {
			// A failed write never shows up in the next snapshot, so the
			// optimistic change rolls back there.
			b.logger.Error().Err(err).Str("idea_id", ideaID).Msgf("board: %s failed", action)
		}
	}()
}

func (b *Board) notifyLocked() {
	snapshot := cloneIdeas(b.ideas)
	for _, ch := range b.subs {
		select {
		case ch <- snapshot:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snapshot:
			default:
			}
		}
	}
}

func sortIdeasLocked(ideas []Idea) {
	Rank(ideas)
}

func findIdea(ideas []Idea, id string) *Idea {
	for i := range ideas {
		if ideas[i].ID == id {
			return &ideas[i]
		}
	}
	return nil
}

func cloneIdeas(ideas []Idea) []Idea {
	copied := make([]Idea, 0, len(ideas))
	for _, idea := range ideas {
		copied = append(copied, idea.clone())
	}
	return copied
}
