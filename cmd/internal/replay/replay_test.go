package replay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"convindex/cmd/internal/indexer"
	events "convindex/shared/contracts/events/v1"

	"github.com/stretchr/testify/require"
)

const project = "31933:ab12:demo"

func line(t *testing.T, ev events.Event) string {
	t.Helper()
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	return string(b)
}

func newEngine() *indexer.Engine {
	return indexer.NewEngine(project, indexer.WithClock(func() time.Time {
		return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	}))
}

func TestRun_ReplaysInBatches(t *testing.T) {
	t.Parallel()

	root := events.Event{ID: "r1", PubKey: "alice", Kind: events.KindThreadRoot, CreatedAt: 100,
		Tags: [][]string{{events.TagTitle, "Plan"}}}
	m1 := events.Event{ID: "m1", PubKey: "bob", Kind: events.KindMessage, CreatedAt: 150,
		Tags: [][]string{{events.TagRoot, "r1"}}, Content: "hi"}
	m2 := events.Event{ID: "m2", PubKey: "carol", Kind: events.KindStreamingDelta, CreatedAt: 170,
		Tags: [][]string{{events.TagRoot, "r1"}}, Content: "chunk"}

	input := strings.Join([]string{
		line(t, m1),
		"",
		"{not json",
		line(t, root),
		line(t, m2),
		line(t, m1),
	}, "\n")

	res, err := Run(context.Background(), nil, strings.NewReader(input), newEngine(), 2)
	require.NoError(t, err)

	require.Equal(t, 6, res.Lines)
	require.Equal(t, 4, res.Events)
	require.Equal(t, 1, res.Skipped)
	require.Equal(t, 2, res.Batches)

	st := res.State
	require.Equal(t, []string{"r1"}, st.SortedThreadIDs)
	require.Equal(t, 2, st.ThreadSummaries["r1"].ReplyCount)
	require.Equal(t, int64(170), st.ThreadSummaries["r1"].LastActivity)
	require.Equal(t, 2, st.TotalMessageCount)
	require.Empty(t, st.OrphanedMessagesByThread)
}

func TestRun_EmptyInputReturnsEmptyState(t *testing.T) {
	t.Parallel()

	res, err := Run(context.Background(), nil, strings.NewReader("\n\n"), newEngine(), 0)
	require.NoError(t, err)
	require.Zero(t, res.Batches)
	require.Equal(t, indexer.EmptyState(project).Digest, res.State.Digest)
	require.NotNil(t, res.State.ThreadSummaries)
}

func TestRun_CanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, nil, strings.NewReader("{}\n"), newEngine(), 10)
	require.True(t, errors.Is(err, context.Canceled))
}

func TestRun_LineTooLong(t *testing.T) {
	t.Parallel()

	huge := strings.Repeat("x", maxLineBytes+1)
	_, err := Run(context.Background(), nil, strings.NewReader(huge), newEngine(), 10)
	require.Error(t, err)
}
