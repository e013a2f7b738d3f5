package configtree

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteNoOpOnStaleTimestamp(t *testing.T) {
	tree := New()
	defer tree.Close()

	base := time.Now()
	ok := tree.Write(base, "v1", "services", "foo", "version")
	require.True(t, ok)

	ok = tree.Write(base.Add(-time.Second), "v0", "services", "foo", "version")
	assert.False(t, ok, "stale write must be a no-op")

	node, ok := tree.Get("services", "foo", "version")
	require.True(t, ok)
	value, _ := node.Value()
	assert.Equal(t, "v1", value)
}

func TestWriteNewerTimestampApplies(t *testing.T) {
	tree := New()
	defer tree.Close()

	base := time.Now()
	tree.Write(base, "v1", "services", "foo", "version")
	ok := tree.Write(base.Add(time.Second), "v2", "services", "foo", "version")
	assert.True(t, ok)

	node, _ := tree.Get("services", "foo", "version")
	value, _ := node.Value()
	assert.Equal(t, "v2", value)
}

func TestSubscribeReceivesCommittedWritesUnderPath(t *testing.T) {
	tree := New()
	defer tree.Close()

	received := make(chan ChangeEvent, 10)
	unsubscribe := tree.Subscribe(func(e ChangeEvent) {
		received <- e
	}, "services", "foo")
	defer unsubscribe()

	tree.Write(time.Now(), "v1", "services", "foo", "version")
	tree.Write(time.Now(), "v1", "services", "bar", "version") // not under the subscribed path

	select {
	case e := <-received:
		assert.Equal(t, []string{"services", "foo", "version"}, e.Path)
	case <-time.After(time.Second):
		t.Fatal("expected a change event for subscribed path")
	}

	select {
	case e := <-received:
		t.Fatalf("unexpected event for unrelated path: %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	tree := New()
	defer tree.Close()

	ts := time.Now().Truncate(time.Millisecond)
	tree.Write(ts, "1.0.0", "services", "foo", "version")
	tree.Write(ts, map[string]interface{}{"text": "hello"}, "services", "foo", "parameters")

	data, err := tree.Snapshot()
	require.NoError(t, err)

	restored := New()
	defer restored.Close()
	require.NoError(t, restored.Restore(data))

	node, ok := restored.Get("services", "foo", "version")
	require.True(t, ok)
	value, _ := node.Value()
	assert.Equal(t, "1.0.0", value)
	assert.WithinDuration(t, ts, node.ModTime(), time.Millisecond)
}

func TestSaveLoadSnapshotFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshot.yaml")

	tree := New()
	defer tree.Close()
	tree.Write(time.Now(), "v1", "services", "foo", "version")
	require.NoError(t, tree.SaveSnapshotFile(path))

	loaded := New()
	defer loaded.Close()
	require.NoError(t, loaded.LoadSnapshotFile(path))

	node, ok := loaded.Get("services", "foo", "version")
	require.True(t, ok)
	value, _ := node.Value()
	assert.Equal(t, "v1", value)
}

func TestLoadSnapshotFileMissingIsNotAnError(t *testing.T) {
	tree := New()
	defer tree.Close()
	err := tree.LoadSnapshotFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.NoError(t, err)
}

func TestTransactionLogAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "tx.log")

	log, err := NewTransactionLog(logPath)
	require.NoError(t, err)

	ts := time.Now().Truncate(time.Millisecond)
	require.NoError(t, log.Append(ts, []string{"services", "foo", "version"}, "1.0.0"))

	tree := New()
	defer tree.Close()

	var replayed int
	err = log.Replay(func(ts time.Time, path []string, value interface{}) {
		replayed++
		tree.Write(ts, value, path...)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, replayed)

	node, ok := tree.Get("services", "foo", "version")
	require.True(t, ok)
	value, _ := node.Value()
	assert.Equal(t, "1.0.0", value)
}

func TestConcurrentWritesAreSerializedPerNode(t *testing.T) {
	tree := New()
	defer tree.Close()

	var wg sync.WaitGroup
	base := time.Now()
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tree.Write(base.Add(time.Duration(i)*time.Millisecond), i, "services", "foo", "counter")
		}(i)
	}
	wg.Wait()

	node, ok := tree.Get("services", "foo", "counter")
	require.True(t, ok)
	value, _ := node.Value()
	assert.Equal(t, 49, value, "the write with the newest timestamp must win")
}
