package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/mediaclaw/internal/agent"
)

func openTestStore(t *testing.T, maxAge time.Duration) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "contexts.db"), maxAge)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleSnapshot() agent.Snapshot {
	return agent.Snapshot{
		ToolCalls: []agent.ToolCallRecord{
			{Tool: "create_image", Args: map[string]any{"prompt": "a cat"}, Success: true, At: time.Now()},
		},
		Assets: agent.GeneratedAssets{
			Images: []agent.MediaAsset{{URL: "https://x/cat.png", Caption: "a cat"}},
		},
	}
}

func TestStoreSaveAndGet(t *testing.T) {
	s := openTestStore(t, 0)
	ctx := context.Background()

	require.NoError(t, s.SaveAgentContext(ctx, "chat-1", sampleSnapshot()))

	snap, err := s.GetAgentContext(ctx, "chat-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Len(t, snap.ToolCalls, 1)
	assert.Equal(t, "create_image", snap.ToolCalls[0].Tool)
	assert.Equal(t, "a cat", snap.ToolCalls[0].Args["prompt"])
	require.Len(t, snap.Assets.Images, 1)
	assert.Equal(t, "https://x/cat.png", snap.Assets.Images[0].URL)
}

func TestStoreGetMissing(t *testing.T) {
	s := openTestStore(t, 0)

	snap, err := s.GetAgentContext(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestStoreSaveOverwrites(t *testing.T) {
	s := openTestStore(t, 0)
	ctx := context.Background()

	require.NoError(t, s.SaveAgentContext(ctx, "chat-1", sampleSnapshot()))

	updated := sampleSnapshot()
	updated.Assets.Videos = []agent.MediaAsset{{URL: "https://x/clip.mp4"}}
	require.NoError(t, s.SaveAgentContext(ctx, "chat-1", updated))

	snap, err := s.GetAgentContext(ctx, "chat-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Len(t, snap.Assets.Videos, 1)
	assert.Equal(t, "https://x/clip.mp4", snap.Assets.Videos[0].URL)
}

func TestStoreExpiry(t *testing.T) {
	s := openTestStore(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, s.SaveAgentContext(ctx, "chat-1", sampleSnapshot()))

	// Backdate the row past maxAge
	_, err := s.db.Exec(
		`UPDATE agent_contexts SET updated_at = datetime('now', '-2 hours') WHERE chat_id = ?`,
		"chat-1")
	require.NoError(t, err)

	snap, err := s.GetAgentContext(ctx, "chat-1")
	require.NoError(t, err)
	assert.Nil(t, snap, "expired context should read as absent")
}

func TestStorePrune(t *testing.T) {
	s := openTestStore(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, s.SaveAgentContext(ctx, "fresh", sampleSnapshot()))
	require.NoError(t, s.SaveAgentContext(ctx, "stale", sampleSnapshot()))
	_, err := s.db.Exec(
		`UPDATE agent_contexts SET updated_at = datetime('now', '-2 hours') WHERE chat_id = ?`,
		"stale")
	require.NoError(t, err)

	n, err := s.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	snap, err := s.GetAgentContext(ctx, "fresh")
	require.NoError(t, err)
	assert.NotNil(t, snap)
}

func TestStorePruneDisabled(t *testing.T) {
	s := openTestStore(t, 0)

	n, err := s.Prune(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
