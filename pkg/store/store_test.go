package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/critica-chat/pkg/model"
)

func TestPrepare(t *testing.T) {
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

	rec := Prepare(model.Record{}, now)
	_, err := uuid.Parse(rec.ID)
	assert.NoError(t, err)
	assert.True(t, rec.CreatedAt.Equal(now))

	kept := Prepare(model.Record{ID: "mine", CreatedAt: now.Add(-time.Hour)}, now)
	assert.Equal(t, "mine", kept.ID)
	assert.True(t, kept.CreatedAt.Equal(now.Add(-time.Hour)))
}

func TestMemory_InsertAndList(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	empty, err := s.List(ctx, "chat_general")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	for _, text := range []string{"uno", "dos", "tres"} {
		_, err := s.Insert(ctx, "chat_general", model.Record{Data: model.RecordData{Text: text}})
		require.NoError(t, err)
	}
	_, err = s.Insert(ctx, "chat_otro", model.Record{ID: "x"})
	require.NoError(t, err)

	recs, err := s.List(ctx, "chat_general")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "uno", recs[0].Data.Text)
	assert.Equal(t, "tres", recs[2].Data.Text)

	recs[0].Data.Text = "mutated"
	again, _ := s.List(ctx, "chat_general")
	assert.Equal(t, "uno", again[0].Data.Text)
}

func TestMemory_DuplicateID(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	_, err := s.Insert(ctx, "chat_general", model.Record{ID: "1"})
	require.NoError(t, err)

	_, err = s.Insert(ctx, "chat_general", model.Record{ID: "1"})
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = s.Insert(ctx, "chat_otro", model.Record{ID: "1"})
	assert.NoError(t, err)
}
