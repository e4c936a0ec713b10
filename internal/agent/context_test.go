package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasIdenticalCallIgnoresKeyOrder(t *testing.T) {
	ec := NewExecutionContext("chat-1", IncomingMessage{})
	ec.RecordCall("create_image", map[string]any{"prompt": "a cat", "style": "photo"}, &ToolResult{Success: true})

	assert.True(t, ec.HasIdenticalCall("create_image", map[string]any{"style": "photo", "prompt": "a cat"}))
	assert.False(t, ec.HasIdenticalCall("create_image", map[string]any{"prompt": "a dog", "style": "photo"}))
	assert.False(t, ec.HasIdenticalCall("create_video", map[string]any{"prompt": "a cat", "style": "photo"}))
}

func TestHasIdenticalCallEmptyArgs(t *testing.T) {
	ec := NewExecutionContext("chat-1", IncomingMessage{})
	ec.RecordCall("get_weather", nil, &ToolResult{Success: true})

	assert.True(t, ec.HasIdenticalCall("get_weather", nil))
	assert.True(t, ec.HasIdenticalCall("get_weather", map[string]any{}))
}

func TestTrackAssetsCaptionPriority(t *testing.T) {
	tests := []struct {
		name string
		res  ToolResult
		want string
	}{
		{
			name: "explicit media caption wins",
			res:  ToolResult{ImageURL: "http://x/a.jpg", ImageCaption: "explicit", Caption: "generic", Description: "desc", RevisedPrompt: "revised"},
			want: "explicit",
		},
		{
			name: "generic caption next",
			res:  ToolResult{ImageURL: "http://x/a.jpg", Caption: "generic", Description: "desc", RevisedPrompt: "revised"},
			want: "generic",
		},
		{
			name: "description next",
			res:  ToolResult{ImageURL: "http://x/a.jpg", Description: "desc", RevisedPrompt: "revised"},
			want: "desc",
		},
		{
			name: "revised prompt last",
			res:  ToolResult{ImageURL: "http://x/a.jpg", RevisedPrompt: "revised"},
			want: "revised",
		},
		{
			name: "empty when nothing set",
			res:  ToolResult{ImageURL: "http://x/a.jpg"},
			want: "",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ec := NewExecutionContext("chat-1", IncomingMessage{})
			ec.TrackAssets(&tc.res)
			require.Len(t, ec.Assets.Images, 1)
			assert.Equal(t, tc.want, ec.Assets.Images[0].Caption)
		})
	}
}

func TestTrackAssetsAccumulatesPerKind(t *testing.T) {
	ec := NewExecutionContext("chat-1", IncomingMessage{})

	ec.TrackAssets(&ToolResult{Success: true, ImageURL: "http://x/1.jpg"})
	ec.TrackAssets(&ToolResult{Success: true, ImageURL: "http://x/2.jpg", VideoURL: "http://x/1.mp4"})
	ec.TrackAssets(&ToolResult{Success: true, AudioURL: "http://x/1.mp3"})
	ec.TrackAssets(&ToolResult{Success: true, Poll: &PollPayload{Question: "q?", Options: []string{"a", "b"}}})
	ec.TrackAssets(nil)

	assert.Len(t, ec.Assets.Images, 2)
	assert.Len(t, ec.Assets.Videos, 1)
	assert.Len(t, ec.Assets.Audio, 1)
	assert.Len(t, ec.Assets.Polls, 1)

	require.NotNil(t, ec.LatestImage())
	assert.Equal(t, "http://x/2.jpg", ec.LatestImage().URL)
	require.NotNil(t, ec.LatestPoll())
	assert.Equal(t, "q?", ec.LatestPoll().Question)
	assert.Nil(t, NewExecutionContext("other", IncomingMessage{}).LatestImage())
}

func TestToolsUsedDistinctInCallOrder(t *testing.T) {
	ec := NewExecutionContext("chat-1", IncomingMessage{})
	ec.RecordCall("search_web", nil, &ToolResult{Success: true})
	ec.RecordCall("create_image", nil, &ToolResult{Success: true})
	ec.RecordCall("search_web", nil, &ToolResult{Success: true})

	assert.Equal(t, []string{"search_web", "create_image"}, ec.ToolsUsed())
}

func TestRestoreSeedsAssetsOnly(t *testing.T) {
	ec := NewExecutionContext("chat-1", IncomingMessage{})
	ec.Restore(Snapshot{
		ToolCalls: []ToolCallRecord{{Tool: "create_image", Args: map[string]any{"prompt": "a fox"}, Success: true}},
		Assets:    GeneratedAssets{Images: []MediaAsset{{URL: "http://x/old.jpg"}}},
	})

	// References resolve against the prior run's assets.
	require.NotNil(t, ec.LatestImage())
	assert.Equal(t, "http://x/old.jpg", ec.LatestImage().URL)

	// Duplicate detection stays per run: yesterday's call may run again.
	assert.False(t, ec.HasIdenticalCall("create_image", map[string]any{"prompt": "a fox"}))

	// Restored assets are not counted as this run's output until something new
	// lands.
	assert.Nil(t, ec.producedImage())
	ec.TrackAssets(&ToolResult{Success: true, ImageURL: "http://x/new.jpg"})
	require.NotNil(t, ec.producedImage())
	assert.Equal(t, "http://x/new.jpg", ec.producedImage().URL)

	// The next snapshot carries the full asset history.
	snap := ec.Snapshot()
	require.Len(t, snap.Assets.Images, 2)
	assert.Empty(t, snap.ToolCalls)
}

func TestSnapshotCarriesCallsAndAssets(t *testing.T) {
	ec := NewExecutionContext("chat-1", IncomingMessage{})
	ec.RecordCall("create_image", map[string]any{"prompt": "p"}, &ToolResult{Success: true, ImageURL: "http://x/1.jpg"})
	ec.TrackAssets(&ToolResult{Success: true, ImageURL: "http://x/1.jpg"})

	snap := ec.Snapshot()
	require.Len(t, snap.ToolCalls, 1)
	assert.Equal(t, "create_image", snap.ToolCalls[0].Tool)
	assert.True(t, snap.ToolCalls[0].Success)
	require.Len(t, snap.Assets.Images, 1)
}
