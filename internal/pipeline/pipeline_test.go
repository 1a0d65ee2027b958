package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"ingest/internal/checkpoint"
	"ingest/internal/storage"
)

// fakeStore is an in-memory storage.Store that records batch boundaries and
// can be told to fail card batches.
type fakeStore struct {
	sets      map[string]storage.SetRow
	cards     map[string]storage.CardRow
	cardTags  map[string][]string
	cardFaces map[string]int
	rulings   map[string]storage.RulingRow
	tags      []string

	cardBatches      [][]string
	failCardBatches  bool
	replaceTagsErr   error
	replaceTagsCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sets:      map[string]storage.SetRow{},
		cards:     map[string]storage.CardRow{},
		cardTags:  map[string][]string{},
		cardFaces: map[string]int{},
		rulings:   map[string]storage.RulingRow{},
	}
}

func (s *fakeStore) Close() {}

func (s *fakeStore) EnsureSchema(context.Context) error { return nil }

func (s *fakeStore) UpsertSets(_ context.Context, sets []storage.SetRow) error {
	for _, r := range sets {
		s.sets[r.Code] = r
	}
	return nil
}

func (s *fakeStore) UpsertCardBatch(_ context.Context, cards []storage.CardRow, tags []storage.CardTagRow, faces []storage.CardFaceRow) error {
	if s.failCardBatches && len(s.cardBatches) >= 1 {
		return storage.MarkTransient(errors.New("injected connection drop"))
	}

	var ids []string
	for _, c := range cards {
		s.cards[c.ID] = c
		delete(s.cardTags, c.ID)
		delete(s.cardFaces, c.ID)
		ids = append(ids, c.ID)
	}
	for _, t := range tags {
		s.cardTags[t.CardID] = append(s.cardTags[t.CardID], t.Tag)
	}
	for _, f := range faces {
		s.cardFaces[f.CardID]++
	}
	s.cardBatches = append(s.cardBatches, ids)
	return nil
}

func (s *fakeStore) UpsertRulings(_ context.Context, rulings []storage.RulingRow) error {
	for _, r := range rulings {
		s.rulings[r.ID] = r
	}
	return nil
}

func (s *fakeStore) ReplaceTags(_ context.Context, tags []string) error {
	s.replaceTagsCalls++
	if s.replaceTagsErr != nil {
		return s.replaceTagsErr
	}
	s.tags = append([]string(nil), tags...)
	return nil
}

// fakeArtifacts serves canned dataset content from a temp dir.
type fakeArtifacts struct {
	dir     string
	content map[string]string
	fetches map[string]int
}

func newFakeArtifacts(t *testing.T, content map[string]string) *fakeArtifacts {
	t.Helper()
	return &fakeArtifacts{dir: t.TempDir(), content: content, fetches: map[string]int{}}
}

func (a *fakeArtifacts) Fetch(_ context.Context, kind string) (string, error) {
	body, ok := a.content[kind]
	if !ok {
		return "", fmt.Errorf("no artifact for kind %q", kind)
	}
	a.fetches[kind]++
	path := a.Path(kind)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (a *fakeArtifacts) Path(kind string) string {
	return filepath.Join(a.dir, kind+".json")
}

const (
	setsArtifact = `[
		{"code": "lea", "name": "Limited Edition Alpha", "released_at": "1993-08-05", "card_count": 295},
		{"code": "isd", "name": "Innistrad", "released_at": "2011-09-30", "card_count": 264}
	]`
	cardsArtifact = `[
		{"id": "c1", "name": "Shivan Dragon", "set": "lea", "rarity": "rare", "keywords": ["Flying", "Firebreathing"]},
		{"id": "c2", "name": "Delver of Secrets", "set": "isd", "rarity": "common", "keywords": ["flying", "Transform"],
		 "card_faces": [{"name": "Delver of Secrets"}, {"name": "Insectile Aberration", "oracle_text": "Flying"}]},
		{"id": "c3", "name": "Giant Growth", "set": "lea", "rarity": "common"}
	]`
	rulingsArtifact = "{\"oracle_id\": \"o1\", \"published_at\": \"2020-01-01\", \"comment\": \"Counts as a Dragon.\"}\n" +
		"{\"id\": \"r2\", \"oracle_id\": \"o2\", \"published_at\": \"2021-06-15\", \"comment\": \"Transform is not a cast.\"}\n"
)

func defaultContent() map[string]string {
	return map[string]string{
		DatasetSets:    setsArtifact,
		DatasetCards:   cardsArtifact,
		DatasetRulings: rulingsArtifact,
	}
}

func newTestPipeline(t *testing.T, st storage.Store, art Artifacts, cpPath string) *Pipeline {
	t.Helper()
	return &Pipeline{
		Artifacts:   art,
		Store:       st,
		Checkpoints: &checkpoint.Store{Path: cpPath},
		BatchSize:   2,
		StoreRetry:  testRetry(),
	}
}

func TestPipeline_FullRun(t *testing.T) {
	st := newFakeStore()
	art := newFakeArtifacts(t, defaultContent())
	cpPath := filepath.Join(t.TempDir(), "checkpoint.json")

	if err := newTestPipeline(t, st, art, cpPath).Run(context.Background()); err != nil {
		t.Fatalf("Run() err = %v", err)
	}

	if len(st.sets) != 2 || st.sets["isd"].Name != "Innistrad" {
		t.Fatalf("sets = %+v", st.sets)
	}
	if len(st.cards) != 3 {
		t.Fatalf("cards = %d, want 3", len(st.cards))
	}
	// Three records with batch size two commit as [c1 c2] then [c3].
	if len(st.cardBatches) != 2 || len(st.cardBatches[0]) != 2 || st.cardBatches[1][0] != "c3" {
		t.Fatalf("card batches = %v", st.cardBatches)
	}
	if st.cardFaces["c2"] != 2 {
		t.Fatalf("c2 faces = %d, want 2", st.cardFaces["c2"])
	}
	if len(st.rulings) != 2 {
		t.Fatalf("rulings = %+v", st.rulings)
	}

	// "Flying" and "flying" fold to one tag.
	wantTags := []string{"Firebreathing", "Flying", "Transform"}
	got := append([]string(nil), st.tags...)
	sort.Strings(got)
	if len(got) != 3 || got[0] != wantTags[0] || got[1] != wantTags[1] || got[2] != wantTags[2] {
		t.Fatalf("tags = %v, want %v", st.tags, wantTags)
	}

	cp, err := (&checkpoint.Store{Path: cpPath}).Load()
	if err != nil || cp == nil {
		t.Fatalf("checkpoint load = (%v, %v)", cp, err)
	}
	for _, phase := range []string{PhaseDownloaded, PhaseReferenceLoaded, PhasePrimaryLoaded, PhaseSecondaryLoaded, PhaseDone} {
		if !cp.PhaseDone(phase) {
			t.Fatalf("phase %s not marked done", phase)
		}
	}
	if got := cp.Dataset(DatasetCards).ProcessedCount; got != 3 {
		t.Fatalf("cards processed = %d, want 3", got)
	}
	if got := cp.Dataset(DatasetCards).LastRecordID; got != "c3" {
		t.Fatalf("last record = %q, want c3", got)
	}
}

func TestPipeline_ResumeAfterMidStreamFailure(t *testing.T) {
	st := newFakeStore()
	st.failCardBatches = true
	art := newFakeArtifacts(t, defaultContent())
	cpPath := filepath.Join(t.TempDir(), "checkpoint.json")

	err := newTestPipeline(t, st, art, cpPath).Run(context.Background())
	if err == nil {
		t.Fatal("Run() err = nil, want failure on second card batch")
	}

	cp, _ := (&checkpoint.Store{Path: cpPath}).Load()
	if cp == nil {
		t.Fatal("no durable checkpoint after failure")
	}
	if got := cp.Dataset(DatasetCards).ProcessedCount; got != 2 {
		t.Fatalf("durable processed = %d, want 2 (first batch only)", got)
	}
	if !cp.PhaseDone(PhaseDownloaded) || !cp.PhaseDone(PhaseReferenceLoaded) {
		t.Fatal("earlier phases not durable")
	}
	if cp.PhaseDone(PhasePrimaryLoaded) {
		t.Fatal("failed phase marked done")
	}

	// Second invocation with a healthy store resumes mid-dataset.
	st.failCardBatches = false
	if err := newTestPipeline(t, st, art, cpPath).Run(context.Background()); err != nil {
		t.Fatalf("resumed Run() err = %v", err)
	}

	// Already-downloaded artifacts are not fetched again.
	if art.fetches[DatasetCards] != 1 || art.fetches[DatasetSets] != 1 {
		t.Fatalf("fetch counts = %v, want 1 each", art.fetches)
	}
	// Only record c3 is committed on resume; c1 and c2 are skipped.
	if last := st.cardBatches[len(st.cardBatches)-1]; len(last) != 1 || last[0] != "c3" {
		t.Fatalf("resumed batches = %v, want final [c3]", st.cardBatches)
	}
	if len(st.cards) != 3 {
		t.Fatalf("cards after resume = %d, want 3", len(st.cards))
	}

	// Skipped records still inform the tag catalog: c1's Firebreathing
	// appears even though c1 was not re-committed.
	foundFire := false
	for _, tag := range st.tags {
		if tag == "Firebreathing" {
			foundFire = true
		}
	}
	if !foundFire {
		t.Fatalf("tags after resume = %v, missing tag from skipped record", st.tags)
	}
}

func TestPipeline_CompletedRunIsNoOp(t *testing.T) {
	st := newFakeStore()
	art := newFakeArtifacts(t, defaultContent())
	cpPath := filepath.Join(t.TempDir(), "checkpoint.json")

	p := newTestPipeline(t, st, art, cpPath)
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run() err = %v", err)
	}
	batches := len(st.cardBatches)
	tagCalls := st.replaceTagsCalls

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("second Run() err = %v", err)
	}
	if len(st.cardBatches) != batches || st.replaceTagsCalls != tagCalls {
		t.Fatal("completed run repeated work")
	}
	if art.fetches[DatasetCards] != 1 {
		t.Fatalf("cards fetched %d times, want 1", art.fetches[DatasetCards])
	}
}

func TestPipeline_DatasetFilter(t *testing.T) {
	st := newFakeStore()
	art := newFakeArtifacts(t, defaultContent())
	cpPath := filepath.Join(t.TempDir(), "checkpoint.json")

	p := newTestPipeline(t, st, art, cpPath)
	p.Datasets = []string{DatasetCards}

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run() err = %v", err)
	}
	if len(st.cards) != 3 {
		t.Fatalf("cards = %d, want 3", len(st.cards))
	}
	if len(st.sets) != 0 || len(st.rulings) != 0 {
		t.Fatalf("filtered datasets loaded: sets=%d rulings=%d", len(st.sets), len(st.rulings))
	}
	if art.fetches[DatasetSets] != 0 || art.fetches[DatasetRulings] != 0 {
		t.Fatalf("filtered datasets fetched: %v", art.fetches)
	}
}

func TestPipeline_AggregateFailureIsNonFatal(t *testing.T) {
	st := newFakeStore()
	st.replaceTagsErr = errors.New("tags table locked")
	art := newFakeArtifacts(t, defaultContent())
	cpPath := filepath.Join(t.TempDir(), "checkpoint.json")

	if err := newTestPipeline(t, st, art, cpPath).Run(context.Background()); err != nil {
		t.Fatalf("Run() err = %v, aggregate persist failure must not abort", err)
	}

	cp, _ := (&checkpoint.Store{Path: cpPath}).Load()
	if !cp.PhaseDone(PhaseDone) {
		t.Fatal("run not marked done")
	}
}

func TestPipeline_MalformedPrimaryRecordIsFatal(t *testing.T) {
	content := defaultContent()
	content[DatasetCards] = `[{"id": "c1"}, {"name": "no id here"}]`

	st := newFakeStore()
	art := newFakeArtifacts(t, content)
	cpPath := filepath.Join(t.TempDir(), "checkpoint.json")

	if err := newTestPipeline(t, st, art, cpPath).Run(context.Background()); err == nil {
		t.Fatal("Run() err = nil, want mapping failure")
	}
}
