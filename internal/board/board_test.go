package board

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeBackend struct {
	mu       sync.Mutex
	full     []Idea
	partial  []partialWrite
	deleted  []string
	writeErr error
}

type partialWrite struct {
	id     string
	votes  int
	voters []string
}

func (f *fakeBackend) WriteFull(_ context.Context, idea Idea) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.full = append(f.full, idea)
	return nil
}

func (f *fakeBackend) WritePartial(_ context.Context, id string, votes int, voters []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.partial = append(f.partial, partialWrite{id: id, votes: votes, voters: voters})
	return nil
}

func (f *fakeBackend) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func newTestBoard(backend *fakeBackend) *Board {
	return New(backend, 5, zerolog.Nop())
}

func idea(id string, votes int, createdAt time.Time, voters ...string) Idea {
	if voters == nil {
		voters = []string{}
	}
	return Idea{
		ID:        id,
		Title:     "idea " + id,
		Author:    "alice",
		AuthorID:  "uid-alice",
		Votes:     votes,
		Voters:    voters,
		CreatedAt: createdAt,
	}
}

func TestRankOrdersByVotesDescending(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	ideas := []Idea{
		idea("low", 1, base, "u1"),
		idea("high", 7, base, "u1"),
		idea("mid", 3, base, "u1"),
	}
	Rank(ideas)

	got := []string{ideas[0].ID, ideas[1].ID, ideas[2].ID}
	want := []string{"high", "mid", "low"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d: expected %s, got %s (order %v)", i, want[i], got[i], got)
		}
	}
}

func TestRankBreaksZeroVoteTiesByRecency(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	ideas := []Idea{
		idea("older", 0, base),
		idea("newer", 0, base.Add(time.Hour)),
	}
	Rank(ideas)

	if ideas[0].ID != "newer" {
		t.Fatalf("expected newer zero-vote idea first, got %s", ideas[0].ID)
	}
}

func TestRankLeavesEqualNonzeroVotesStable(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	ideas := []Idea{
		idea("first", 2, base),
		idea("second", 2, base.Add(time.Hour)),
	}
	Rank(ideas)

	if ideas[0].ID != "first" || ideas[1].ID != "second" {
		t.Fatalf("expected stable order for equal nonzero votes, got [%s %s]", ideas[0].ID, ideas[1].ID)
	}
}

func TestRankIsIdempotent(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	ideas := []Idea{
		idea("a", 2, base),
		idea("c", 0, base.Add(20*time.Second)),
		idea("b", 0, base.Add(10*time.Second)),
	}
	Rank(ideas)
	first := []string{ideas[0].ID, ideas[1].ID, ideas[2].ID}
	Rank(ideas)
	second := []string{ideas[0].ID, ideas[1].ID, ideas[2].ID}

	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("re-ranking changed order: %v vs %v", first, second)
		}
	}
}

func TestRankEndToEndOrder(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	ideas := []Idea{
		idea("A", 2, base),
		idea("B", 0, base.Add(10*time.Second)),
		idea("C", 0, base.Add(20*time.Second)),
	}
	Rank(ideas)

	want := []string{"A", "C", "B"}
	for i := range want {
		if ideas[i].ID != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], ideas[i].ID)
		}
	}
}

func TestAddRejectsBlankTitle(t *testing.T) {
	backend := &fakeBackend{}
	b := newTestBoard(backend)

	if _, _, err := b.Add("   ", "alice", "uid-alice"); err != ErrEmptyTitle {
		t.Fatalf("expected ErrEmptyTitle, got %v", err)
	}
	b.Flush()

	if len(b.Ideas()) != 0 {
		t.Fatalf("expected collection unchanged, got %d ideas", len(b.Ideas()))
	}
	if len(backend.full) != 0 {
		t.Fatalf("expected no backend write for blank title")
	}
}

func TestAddRejectsOverlongTitle(t *testing.T) {
	b := newTestBoard(&fakeBackend{})

	long := make([]rune, MaxTitleLen+1)
	for i := range long {
		long[i] = 'ñ'
	}
	if _, _, err := b.Add(string(long), "alice", "uid-alice"); err != ErrTitleTooLong {
		t.Fatalf("expected ErrTitleTooLong, got %v", err)
	}
}

func TestAddCreatesZeroVoteIdeaAndPersistsFullRecord(t *testing.T) {
	backend := &fakeBackend{}
	b := newTestBoard(backend)

	created, mutation, err := b.Add("  New idea  ", "alice", "uid1")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	b.Flush()

	ideas := b.Ideas()
	if len(ideas) != 1 {
		t.Fatalf("expected 1 idea, got %d", len(ideas))
	}
	got := ideas[0]
	if got.Title != "New idea" || got.Author != "alice" || got.AuthorID != "uid1" {
		t.Fatalf("unexpected idea %+v", got)
	}
	if got.Votes != 0 || len(got.Voters) != 0 {
		t.Fatalf("expected zero votes and empty voter set, got votes=%d voters=%v", got.Votes, got.Voters)
	}
	if got.ID == "" || got.CreatedAt.IsZero() {
		t.Fatalf("expected generated id and timestamp")
	}
	if mutation.State() != MutationPending {
		t.Fatalf("expected pending mutation, got %s", mutation.State())
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.full) != 1 || backend.full[0].ID != created.ID {
		t.Fatalf("expected one full-record write for %s, got %+v", created.ID, backend.full)
	}
}

func TestAddPrependsOptimistically(t *testing.T) {
	backend := &fakeBackend{}
	b := newTestBoard(backend)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	b.ApplySnapshot([]Idea{idea("voted", 3, base, "u1", "u2", "u3")})

	created, _, err := b.Add("fresh", "alice", "uid1")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	b.Flush()

	ideas := b.Ideas()
	if ideas[0].ID != created.ID {
		t.Fatalf("expected optimistic prepend, got head %s", ideas[0].ID)
	}
}

func TestVoteIncrementsOnceAndWritesPartialUpdate(t *testing.T) {
	backend := &fakeBackend{}
	b := newTestBoard(backend)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	b.ApplySnapshot([]Idea{idea("i1", 0, base)})

	if _, applied := b.Vote("i1", "uid-voter"); !applied {
		t.Fatalf("expected first vote to apply")
	}
	if _, applied := b.Vote("i1", "uid-voter"); applied {
		t.Fatalf("expected repeat vote to be a no-op")
	}
	b.Flush()

	got, _ := b.Get("i1")
	if got.Votes != 1 {
		t.Fatalf("expected exactly 1 vote after double voting, got %d", got.Votes)
	}
	if !got.HasVoted("uid-voter") {
		t.Fatalf("expected voter recorded")
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.partial) != 1 {
		t.Fatalf("expected exactly one partial write, got %d", len(backend.partial))
	}
	write := backend.partial[0]
	if write.id != "i1" || write.votes != 1 || len(write.voters) != 1 || write.voters[0] != "uid-voter" {
		t.Fatalf("unexpected partial write %+v", write)
	}
	if len(backend.full) != 0 {
		t.Fatalf("vote must never rewrite the full record")
	}
}

func TestVoteWithoutIdentityIsNoOp(t *testing.T) {
	backend := &fakeBackend{}
	b := newTestBoard(backend)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	b.ApplySnapshot([]Idea{idea("i1", 0, base)})

	if _, applied := b.Vote("i1", ""); applied {
		t.Fatalf("expected anonymous vote to be rejected")
	}
	b.Flush()
	if got, _ := b.Get("i1"); got.Votes != 0 {
		t.Fatalf("expected votes unchanged, got %d", got.Votes)
	}
}

func TestVoteOnUnknownIdeaIsNoOp(t *testing.T) {
	backend := &fakeBackend{}
	b := newTestBoard(backend)

	if _, applied := b.Vote("ghost", "uid-voter"); applied {
		t.Fatalf("expected vote on unknown idea to be a no-op")
	}
	b.Flush()

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.partial) != 0 {
		t.Fatalf("expected no backend write")
	}
}

func TestDeleteRemovesMatchingIdeaOnly(t *testing.T) {
	backend := &fakeBackend{}
	b := newTestBoard(backend)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	b.ApplySnapshot([]Idea{idea("keep", 2, base, "u1", "u2"), idea("drop", 1, base, "u1")})

	if _, removed := b.Delete("drop"); !removed {
		t.Fatalf("expected delete to apply")
	}
	if _, removed := b.Delete("ghost"); removed {
		t.Fatalf("expected delete of unknown id to be a no-op")
	}
	b.Flush()

	ideas := b.Ideas()
	if len(ideas) != 1 || ideas[0].ID != "keep" {
		t.Fatalf("expected only keep to remain, got %+v", ideas)
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.deleted) != 1 || backend.deleted[0] != "drop" {
		t.Fatalf("expected one backend delete for drop, got %v", backend.deleted)
	}
}

func TestApplySnapshotReplacesAndRanks(t *testing.T) {
	b := newTestBoard(&fakeBackend{})
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	b.ApplySnapshot([]Idea{idea("stale", 9, base)})

	b.ApplySnapshot([]Idea{
		idea("B", 0, base.Add(10*time.Second)),
		idea("A", 2, base),
		idea("C", 0, base.Add(20*time.Second)),
	})

	ideas := b.Ideas()
	want := []string{"A", "C", "B"}
	if len(ideas) != 3 {
		t.Fatalf("expected replacement, got %d ideas", len(ideas))
	}
	for i := range want {
		if ideas[i].ID != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], ideas[i].ID)
		}
	}
}

func TestEmptySnapshotClearsCollection(t *testing.T) {
	b := newTestBoard(&fakeBackend{})
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	b.ApplySnapshot([]Idea{idea("a", 1, base, "u1"), idea("b", 0, base)})

	b.ApplySnapshot(nil)

	if got := b.Ideas(); len(got) != 0 {
		t.Fatalf("expected empty collection, got %d ideas", len(got))
	}
}

func TestMutationConfirmedWhenSnapshotContainsChange(t *testing.T) {
	backend := &fakeBackend{}
	b := newTestBoard(backend)

	created, mutation, err := b.Add("tracked", "alice", "uid1")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	b.Flush()

	b.ApplySnapshot([]Idea{created})
	if mutation.State() != MutationConfirmed {
		t.Fatalf("expected confirmed, got %s", mutation.State())
	}
}

func TestMutationRevertedWhenSnapshotMissesChange(t *testing.T) {
	backend := &fakeBackend{}
	b := newTestBoard(backend)

	_, mutation, err := b.Add("lost write", "alice", "uid1")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	b.Flush()

	b.ApplySnapshot(nil)
	if mutation.State() != MutationReverted {
		t.Fatalf("expected reverted, got %s", mutation.State())
	}
	if len(b.Ideas()) != 0 {
		t.Fatalf("expected optimistic idea rolled back")
	}
}

func TestVoteMutationResolution(t *testing.T) {
	backend := &fakeBackend{}
	b := newTestBoard(backend)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	b.ApplySnapshot([]Idea{idea("i1", 0, base)})

	mutation, applied := b.Vote("i1", "uid-voter")
	if !applied {
		t.Fatalf("expected vote to apply")
	}
	b.Flush()

	// Authoritative snapshot without the vote: the optimistic change loses.
	b.ApplySnapshot([]Idea{idea("i1", 0, base)})
	if mutation.State() != MutationReverted {
		t.Fatalf("expected reverted, got %s", mutation.State())
	}
	if got, _ := b.Get("i1"); got.Votes != 0 {
		t.Fatalf("expected rollback to authoritative votes, got %d", got.Votes)
	}
}

func TestPageWindows(t *testing.T) {
	b := newTestBoard(&fakeBackend{})
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	var ideas []Idea
	for i := 0; i < 7; i++ {
		ideas = append(ideas, idea(string(rune('a'+i)), 7-i, base))
	}
	b.ApplySnapshot(ideas)

	first, total := b.Page(1)
	if total != 7 || len(first) != 5 {
		t.Fatalf("expected page 1 with 5 of 7, got %d of %d", len(first), total)
	}
	if first[0].ID != "a" || first[4].ID != "e" {
		t.Fatalf("unexpected first page %+v", first)
	}

	second, _ := b.Page(2)
	if len(second) != 2 || second[0].ID != "f" {
		t.Fatalf("unexpected second page %+v", second)
	}

	beyond, _ := b.Page(3)
	if len(beyond) != 0 {
		t.Fatalf("expected empty page past the end, got %d", len(beyond))
	}
}

func TestSubscribeDeliversSnapshots(t *testing.T) {
	b := newTestBoard(&fakeBackend{})
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	ch, cancel := b.Subscribe()
	defer cancel()

	initial := <-ch
	if len(initial) != 0 {
		t.Fatalf("expected empty initial snapshot, got %d", len(initial))
	}

	b.ApplySnapshot([]Idea{idea("i1", 1, base, "u1")})

	select {
	case snapshot := <-ch:
		if len(snapshot) != 1 || snapshot[0].ID != "i1" {
			t.Fatalf("unexpected snapshot %+v", snapshot)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected snapshot push")
	}
}

func TestSubscribeKeepsOnlyLatestSnapshot(t *testing.T) {
	b := newTestBoard(&fakeBackend{})
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	ch, cancel := b.Subscribe()
	defer cancel()
	<-ch

	b.ApplySnapshot([]Idea{idea("first", 1, base, "u1")})
	b.ApplySnapshot([]Idea{idea("second", 1, base, "u1")})

	snapshot := <-ch
	if len(snapshot) != 1 || snapshot[0].ID != "second" {
		t.Fatalf("expected only the latest snapshot, got %+v", snapshot)
	}
}
