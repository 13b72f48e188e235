package history

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"

	"github.com/mew-protocol/gateway/internal/envelope"
)

func TestAppendAssignsMonotonicSeq(t *testing.T) {
	log, err := Open(Config{})
	require.NoError(t, err)
	defer log.Close()

	env1, _ := envelope.NewEnvelope("alice", nil, "chat", nil, map[string]string{"text": "hi"})
	env2, _ := envelope.NewEnvelope("bob", nil, "chat", nil, map[string]string{"text": "yo"})

	e1, err := log.Append(context.Background(), env1)
	require.NoError(t, err)
	e2, err := log.Append(context.Background(), env2)
	require.NoError(t, err)

	require.Equal(t, uint64(0), e1.Seq)
	require.Equal(t, uint64(1), e2.Seq)
	require.Equal(t, 2, log.Len())
}

func TestSinceFiltersBySeq(t *testing.T) {
	log, err := Open(Config{})
	require.NoError(t, err)
	defer log.Close()

	for i := 0; i < 5; i++ {
		env, _ := envelope.NewEnvelope("alice", nil, "chat", nil, map[string]int{"i": i})
		_, err := log.Append(context.Background(), env)
		require.NoError(t, err)
	}

	since := log.Since(3)
	require.Len(t, since, 2)
	require.Equal(t, uint64(3), since[0].Seq)
}

func TestPersistentLogSurvivesReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "history")
	log, err := Open(Config{Dir: dir})
	require.NoError(t, err)

	env, _ := envelope.NewEnvelope("alice", nil, "chat", nil, map[string]string{"text": "hi"})
	_, err = log.Append(context.Background(), env)
	require.NoError(t, err)
	require.NoError(t, log.Close())

	reopened, err := Open(Config{Dir: dir})
	require.NoError(t, err)
	defer reopened.Close()
	// The in-memory ring starts empty on reopen; persistence exists for
	// audit tooling that reads the Badger store directly, not for
	// automatic in-memory replay.
	require.Equal(t, 0, reopened.Len())
	require.NoError(t, reopened.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(seqKey(0))
		return err
	}))
}
