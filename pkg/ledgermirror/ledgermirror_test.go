package ledgermirror

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provara/provara/pkg/event"
)

func newTestMirror(t *testing.T) (*Mirror, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return newMirror(db), mock
}

func TestMirrorEvent_UpsertsRow(t *testing.T) {
	ctx := context.Background()
	m, mock := newTestMirror(t)

	prev := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcd"
	e := &event.Event{
		EventID:       "evt_abc",
		Type:          "OBSERVATION",
		Actor:         "actor-a",
		Namespace:     "canonical",
		TimestampUTC:  "2026-07-29T00:00:00Z",
		PrevEventHash: &prev,
		Payload:       map[string]any{"subject": "x"},
	}

	mock.ExpectExec("INSERT INTO mirrored_events").
		WithArgs(e.EventID, e.Type, e.Actor, e.Namespace, e.TimestampUTC, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, m.MirrorEvent(ctx, e))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryByActor_ReturnsOrderedIDs(t *testing.T) {
	ctx := context.Background()
	m, mock := newTestMirror(t)

	rows := sqlmock.NewRows([]string{"event_id"}).AddRow("evt_1").AddRow("evt_2")
	mock.ExpectQuery("SELECT event_id FROM mirrored_events WHERE actor").
		WithArgs("actor-a").
		WillReturnRows(rows)

	ids, err := m.QueryByActor(ctx, "actor-a")
	require.NoError(t, err)
	assert.Equal(t, []string{"evt_1", "evt_2"}, ids)
}

func TestCount_ReturnsErrEmptyMirrorWhenZero(t *testing.T) {
	ctx := context.Background()
	m, mock := newTestMirror(t)

	rows := sqlmock.NewRows([]string{"count"}).AddRow(0)
	mock.ExpectQuery("SELECT COUNT").WillReturnRows(rows)

	_, err := m.Count(ctx)
	assert.ErrorIs(t, err, ErrEmptyMirror)
}
