package journal

import (
	"context"
	"crypto/sha256"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestAppendAndList(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	media := sha256.Sum256([]byte("media"))
	meta := sha256.Sum256([]byte("meta"))

	first, err := j.Append(ctx, media, meta, OutcomeUploaded, 0.91)
	require.NoError(t, err)
	assert.Empty(t, first.PrevHash)
	assert.NotEmpty(t, first.EntryHash)

	second, err := j.Append(ctx, media, meta, OutcomeUploadFailed, 0)
	require.NoError(t, err)
	assert.Equal(t, first.EntryHash, second.PrevHash)

	records, err := j.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, second.ID, records[0].ID, "newest first")
	assert.Equal(t, OutcomeUploaded, records[1].Outcome)
	assert.Equal(t, 0.91, records[1].TrustScore)
}

func TestVerify_IntactChain(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		media := sha256.Sum256([]byte{byte(i)})
		_, err := j.Append(ctx, media, media, OutcomeUploaded, float64(i)/10)
		require.NoError(t, err)
	}

	assert.NoError(t, j.Verify(ctx))
}

func TestVerify_DetectsTampering(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	media := sha256.Sum256([]byte("m"))
	rec, err := j.Append(ctx, media, media, OutcomeUploaded, 0.5)
	require.NoError(t, err)
	_, err = j.Append(ctx, media, media, OutcomeUploaded, 0.6)
	require.NoError(t, err)

	_, err = j.db.ExecContext(ctx, `UPDATE captures SET trust_score = 0.99 WHERE id = ?`, rec.ID)
	require.NoError(t, err)

	assert.Error(t, j.Verify(ctx))
}

func TestAppend_DeterministicEntryHash(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	j := openTestJournal(t).WithClock(func() time.Time { return now })

	media := sha256.Sum256([]byte("m"))
	meta := sha256.Sum256([]byte("d"))
	rec, err := j.Append(context.Background(), media, meta, OutcomeSignFailed, 0)
	require.NoError(t, err)

	assert.Equal(t, entryHash(rec), rec.EntryHash)
	assert.NoError(t, j.Verify(context.Background()))
}

func TestAppend_SurfacesDatabaseFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS captures").
		WillReturnResult(sqlmock.NewResult(0, 0))
	j, err := New(db)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT entry_hash, seq FROM captures").
		WillReturnError(errors.New("disk full"))

	media := sha256.Sum256([]byte("m"))
	_, err = j.Append(context.Background(), media, media, OutcomeUploaded, 1)
	assert.ErrorContains(t, err, "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}
