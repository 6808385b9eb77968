package history

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/DoyleJ11/trivia-duel-backend/internal/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	pgdriver "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newMockArchive(t *testing.T) (*Archive, sqlmock.Sqlmock) {
	t.Helper()
	return newObservedArchive(t, zap.NewNop())
}

func newObservedArchive(t *testing.T, log *zap.Logger) (*Archive, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	gdb, err := gorm.Open(pgdriver.New(pgdriver.Config{Conn: db}), &gorm.Config{
		Logger:                 newGormLogger(log),
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)

	a := New(gdb, log)
	a.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	return a, mock
}

func finishedMatch() engine.Match {
	m := engine.NewMatch(engine.DefaultQuestions(), 15000, []string{"uid-a", "uid-b"}, 1000)
	m.Phase = engine.PhaseFinished
	m.Scores["uid-a"] = 3
	m.Scores["uid-b"] = 2
	return m
}

func TestRecordInsertsFinishedMatch(t *testing.T) {
	a, mock := newMockArchive(t)

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "match_records"`)).
		WithArgs("AB12CD", "uid-a", false, 5, `{"uid-a":3,"uid-b":2}`, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

	require.NoError(t, a.Record(context.Background(), "AB12CD", finishedMatch()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordSkipsLiveMatch(t *testing.T) {
	a, mock := newMockArchive(t)
	m := finishedMatch()
	m.Phase = engine.PhaseReveal

	require.NoError(t, a.Record(context.Background(), "AB12CD", m))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestForRoom(t *testing.T) {
	a, mock := newMockArchive(t)
	at := time.UnixMilli(1_700_000_000_000).UTC()

	rows := sqlmock.NewRows([]string{"id", "room_code", "winner_id", "tie", "questions", "scores", "finished_at"}).
		AddRow(2, "AB12CD", "", true, 5, `{"uid-a":2,"uid-b":2}`, at).
		AddRow(1, "AB12CD", "uid-a", false, 5, `{"uid-a":3,"uid-b":2}`, at.Add(-time.Hour))
	mock.ExpectQuery(`SELECT \* FROM "match_records" WHERE room_code = \$1 ORDER BY finished_at desc`).
		WithArgs("AB12CD").
		WillReturnRows(rows)

	recs, err := a.ForRoom(context.Background(), "AB12CD")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.True(t, recs[0].Tie)
	assert.Equal(t, "uid-a", recs[1].WinnerID)

	scores, err := recs[1].ScoreMap()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"uid-a": 3, "uid-b": 2}, scores)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHookLogsFailureThroughZap(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	a, mock := newObservedArchive(t, zap.New(core))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "match_records"`)).
		WillReturnError(assert.AnError)

	a.Hook(context.Background(), "AB12CD", finishedMatch())
	assert.NoError(t, mock.ExpectationsWereMet())

	failed := logs.FilterMessage("query failed").All()
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].ContextMap()["sql"], "INSERT INTO")
	assert.Equal(t, 1, logs.FilterMessage("archive failed").Len())
}

func TestGormLoggerLevels(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	g := newGormLogger(zap.New(core))
	ctx := context.Background()

	g.Info(ctx, "hidden %d", 1)
	g.Warn(ctx, "shown %d", 2)
	g.LogMode(logger.Silent).Error(ctx, "hidden")
	g.LogMode(logger.Info).Info(ctx, "shown %d", 3)
	g.Trace(ctx, time.Now(), func() (string, int64) { return "SELECT 1", 1 }, gorm.ErrRecordNotFound)

	var msgs []string
	for _, e := range logs.All() {
		msgs = append(msgs, e.Message)
	}
	assert.Equal(t, []string{"shown 2", "shown 3"}, msgs)
}
