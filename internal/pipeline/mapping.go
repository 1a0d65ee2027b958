package pipeline

import (
	"fmt"
	"hash/fnv"

	"ingest/internal/decode"
	"ingest/internal/storage"
)

// setFromRecord maps one reference record. A set without a code cannot be
// keyed and fails the run; the reference table is small enough that a bad
// row means a bad artifact.
func setFromRecord(r decode.Record) (storage.SetRow, error) {
	code := r.Text("code")
	if code == "" {
		return storage.SetRow{}, fmt.Errorf("set record missing code")
	}
	return storage.SetRow{
		Code:       code,
		Name:       r.Text("name"),
		ReleasedAt: r.Text("released_at"),
		CardCount:  r.Int("card_count"),
	}, nil
}

// cardFromRecord maps one primary record plus its dependent rows.
func cardFromRecord(r decode.Record) (storage.CardRow, []storage.CardTagRow, []storage.CardFaceRow, error) {
	id := r.Text("id")
	if id == "" {
		return storage.CardRow{}, nil, nil, fmt.Errorf("card record missing id")
	}

	card := storage.CardRow{
		ID:         id,
		Name:       r.Text("name"),
		SetCode:    r.Text("set"),
		Rarity:     r.Text("rarity"),
		ReleasedAt: r.Text("released_at"),
	}

	var tags []storage.CardTagRow
	seen := map[string]bool{}
	for _, kw := range r.Strings("keywords") {
		if kw == "" || seen[kw] {
			continue
		}
		seen[kw] = true
		tags = append(tags, storage.CardTagRow{CardID: id, Tag: kw})
	}

	var faces []storage.CardFaceRow
	for i, f := range r.Objects("card_faces") {
		faces = append(faces, storage.CardFaceRow{
			CardID:   id,
			Position: i,
			Name:     f.Text("name"),
			Text:     f.Text("oracle_text"),
		})
	}
	return card, tags, faces, nil
}

// rulingFromRecord maps one secondary record. Providers that publish rulings
// without a stable id get a deterministic synthetic one, so replays stay
// idempotent.
func rulingFromRecord(r decode.Record) (storage.RulingRow, error) {
	row := storage.RulingRow{
		ID:          r.Text("id"),
		CardID:      r.Text("oracle_id"),
		PublishedAt: r.Text("published_at"),
		Comment:     r.Text("comment"),
	}
	if row.CardID == "" && row.ID == "" {
		return storage.RulingRow{}, fmt.Errorf("ruling record missing both id and oracle_id")
	}
	if row.ID == "" {
		row.ID = syntheticRulingID(row)
	}
	return row, nil
}

func syntheticRulingID(r storage.RulingRow) string {
	h := fnv.New64a()
	h.Write([]byte(r.CardID))
	h.Write([]byte{0})
	h.Write([]byte(r.PublishedAt))
	h.Write([]byte{0})
	h.Write([]byte(r.Comment))
	return fmt.Sprintf("%s#%016x", r.CardID, h.Sum64())
}

// mapCardBatch converts a decoded batch into row slices for one fan-out
// transaction.
func mapCardBatch(batch []decode.Record) (cards []storage.CardRow, tags []storage.CardTagRow, faces []storage.CardFaceRow, lastID string, err error) {
	cards = make([]storage.CardRow, 0, len(batch))
	for _, r := range batch {
		card, t, f, err := cardFromRecord(r)
		if err != nil {
			return nil, nil, nil, "", err
		}
		cards = append(cards, card)
		tags = append(tags, t...)
		faces = append(faces, f...)
		lastID = card.ID
	}
	return cards, tags, faces, lastID, nil
}
