package db

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"github.com/mahaj/critica-chat/pkg/model"
	"github.com/mahaj/critica-chat/pkg/store"
)

// RecordStore is a store.Store backed by the records table. Rows cluster on
// a timeuuid so a partition reads back in insertion order.
type RecordStore struct {
	session *Session
}

var _ store.Store = (*RecordStore)(nil)

func NewRecordStore(session *Session) *RecordStore {
	return &RecordStore{session: session}
}

func (s *RecordStore) List(ctx context.Context, collection string) ([]model.Record, error) {
	iter := s.session.Query(
		`SELECT id, created_at, text, sender, sent_at, encrypted FROM records WHERE collection = ?`,
		collection,
	).WithContext(ctx).Iter()

	records := []model.Record{}
	var rec model.Record
	for iter.Scan(&rec.ID, &rec.CreatedAt, &rec.Data.Text, &rec.Data.Sender, &rec.Data.Timestamp, &rec.Data.Encrypted) {
		records = append(records, rec)
		rec = model.Record{}
	}

	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	return records, nil
}

// Insert does not check id uniqueness; the clustering key is the timeuuid.
func (s *RecordStore) Insert(ctx context.Context, collection string, rec model.Record) (model.Record, error) {
	rec = store.Prepare(rec, time.Now())

	err := s.session.Query(
		`INSERT INTO records (collection, seq, id, created_at, text, sender, sent_at, encrypted) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		collection, gocql.TimeUUID(), rec.ID, rec.CreatedAt, rec.Data.Text, rec.Data.Sender, rec.Data.Timestamp, rec.Data.Encrypted,
	).WithContext(ctx).Exec()
	if err != nil {
		return model.Record{}, fmt.Errorf("insert into %s: %w", collection, err)
	}
	return rec, nil
}
