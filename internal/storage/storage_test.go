package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"brickctl/internal/command/scheduler"
	"brickctl/internal/eventbus"
	logx "brickctl/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenDisabled(t *testing.T) {
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		require.NoError(t, err)
		assert.Nil(t, st)
	}
}

func TestOpenErrors(t *testing.T) {
	_, err := Open(Config{Driver: "mongo"}, logx.Nop())
	assert.ErrorContains(t, err, "unknown storage driver")

	_, err = Open(Config{Driver: "file"}, logx.Nop())
	assert.ErrorContains(t, err, "journal.path")

	_, err = Open(Config{Driver: "sqlite"}, logx.Nop())
	assert.ErrorContains(t, err, "journal.path")

	_, err = Open(Config{Driver: "badger"}, logx.Nop())
	assert.ErrorContains(t, err, "journal.path")
}

func entry(i int) Entry {
	return Entry{
		At:            time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).Add(time.Duration(i) * time.Second),
		RequestID:     fmt.Sprintf("req-%d", i),
		Name:          "battery",
		Lane:          "low",
		CorrelationID: i,
		Attempts:      1,
		Outcome:       "ok",
		QueueMS:       int64(i),
		TookMS:        3,
	}
}

func TestDrivers(t *testing.T) {
	for _, driver := range []string{"file", "sqlite", "badger"} {
		t.Run(driver, func(t *testing.T) {
			st, err := Open(Config{Driver: driver, Path: filepath.Join(t.TempDir(), "j", "journal.db")}, logx.Nop())
			require.NoError(t, err)
			t.Cleanup(func() { _ = st.Close() })

			ctx := context.Background()
			got, err := st.Recent(ctx, 10)
			require.NoError(t, err)
			assert.Empty(t, got)

			for i := 0; i < 5; i++ {
				require.NoError(t, st.Append(ctx, entry(i)))
			}
			failed := entry(5)
			failed.Outcome = string(scheduler.CodeTimeout)
			failed.Error = "no reply"
			failed.Name = ""
			require.NoError(t, st.Append(ctx, failed))

			got, err = st.Recent(ctx, 3)
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, "req-3", got[0].RequestID)
			assert.Equal(t, "req-4", got[1].RequestID)
			assert.Equal(t, "req-5", got[2].RequestID)
			assert.Equal(t, "no reply", got[2].Error)
			assert.Equal(t, string(scheduler.CodeTimeout), got[2].Outcome)
			assert.True(t, got[2].At.Equal(failed.At))
			assert.Equal(t, int64(3), got[0].QueueMS)

			got, err = st.Recent(ctx, 100)
			require.NoError(t, err)
			assert.Len(t, got, 6)

			got, err = st.Recent(ctx, 0)
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestFileCompactKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "journal"), Keep: 10}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	for i := 0; i < compactEvery; i++ {
		require.NoError(t, st.Append(ctx, entry(i)))
	}

	got, err := st.Recent(ctx, compactEvery)
	require.NoError(t, err)
	require.Len(t, got, 10)
	assert.Equal(t, fmt.Sprintf("req-%d", compactEvery-1), got[9].RequestID)

	// Appends keep working after the file was swapped.
	require.NoError(t, st.Append(ctx, entry(compactEvery)))
	got, err = st.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, fmt.Sprintf("req-%d", compactEvery), got[0].RequestID)

	_, err = os.Stat(filepath.Join(dir, "journal.journal.jsonl.tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestFileSkipsCorruptLines(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "journal.jsonl")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	require.NoError(t, st.Append(ctx, entry(1)))

	f, err := os.OpenFile(filepath.Join(dir, "journal.journal.jsonl"), os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, st.Append(ctx, entry(2)))

	got, err := st.Recent(ctx, 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "req-2", got[1].RequestID)
}

func TestBadgerPruneKeepsNewest(t *testing.T) {
	raw, err := Open(Config{Driver: "badger", Path: filepath.Join(t.TempDir(), "journal"), Keep: 5}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		require.NoError(t, raw.Append(ctx, entry(i)))
	}
	require.NoError(t, raw.(*badgerStore).prune())

	got, err := raw.Recent(ctx, 100)
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, "req-15", got[0].RequestID)
	assert.Equal(t, "req-19", got[4].RequestID)

	require.NoError(t, raw.Close())
	assert.Error(t, raw.Append(ctx, entry(20)))
}

func TestAppendAfterClose(t *testing.T) {
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "journal")}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Close())
	require.NoError(t, st.Close())
	assert.Error(t, st.Append(context.Background(), entry(0)))
}

func TestEntryFromEvent(t *testing.T) {
	at := time.Now()
	e := EntryFromEvent(at, scheduler.CommandEvent{
		ID:            "a",
		Lane:          "high",
		CorrelationID: 7,
		Attempts:      2,
		QueueDelay:    1500 * time.Millisecond,
		Duration:      20 * time.Millisecond,
	})
	assert.Equal(t, "ok", e.Outcome)
	assert.Equal(t, 7, e.CorrelationID)
	assert.Equal(t, int64(1500), e.QueueMS)
	assert.Equal(t, int64(20), e.TookMS)

	e = EntryFromEvent(at, scheduler.CommandEvent{ID: "b", Code: "timeout", Error: "boom"})
	assert.Equal(t, "timeout", e.Outcome)
	assert.Equal(t, "boom", e.Error)
}

func TestRecorderJournalsSettledCommands(t *testing.T) {
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "journal")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bus := eventbus.New()
	rec := NewRecorder(st, bus, logx.Nop())
	// Settled before Run starts; still journaled.
	bus.Publish(eventbus.Event{Type: scheduler.EventFinished, Data: scheduler.CommandEvent{ID: "early"}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		rec.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	s := scheduler.New(scheduler.Config{}, logx.Nop(), bus)
	t.Cleanup(func() {
		s.Dispose()
		wctx, wcancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer wcancel()
		_ = s.Wait(wctx)
	})

	_, err = s.Do(context.Background(), scheduler.Request{
		ID:   "ok-1",
		Name: "nop",
		Run:  func(context.Context, uint16) ([]byte, error) { return []byte{1}, nil },
	})
	require.NoError(t, err)

	_, err = s.Do(context.Background(), scheduler.Request{
		ID:  "bad-1",
		Run: func(context.Context, uint16) ([]byte, error) { return nil, assert.AnError },
	})
	require.Error(t, err)

	require.Eventually(t, func() bool {
		got, _ := st.Recent(context.Background(), 10)
		return len(got) == 3 && got[len(got)-1].RequestID == "bad-1"
	}, 2*time.Second, 10*time.Millisecond)

	got, err := st.Recent(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, "early", got[0].RequestID)
	got = got[1:]
	assert.Equal(t, "ok", got[0].Outcome)
	assert.Equal(t, "nop", got[0].Name)
	assert.Equal(t, string(scheduler.CodeExecutionFailed), got[1].Outcome)
}
