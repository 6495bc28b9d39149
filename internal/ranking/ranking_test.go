package ranking

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/dray-io/archivist/internal/platform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(threads []platform.ThreadSummary) []string {
	out := make([]string, len(threads))
	for i, t := range threads {
		out[i] = t.ID
	}
	return out
}

func TestRankedThreads_ActiveSourceKeepsPlatformOrder(t *testing.T) {
	p := platform.NewMockPlatform()
	p.SetPage("p1", platform.Page{
		Threads: []platform.ThreadSummary{{ID: "c", LastReplyAt: 1}, {ID: "a", LastReplyAt: 9}},
		Next:    "p2",
	})
	p.SetPage("p2", platform.Page{
		Threads: []platform.ThreadSummary{{ID: "b", LastReplyAt: 5}},
	})

	res, err := NewAggregator(p).RankedThreads(context.Background(), "board", platform.Listing{
		ActiveRef: "p1",
		// Ignored when the active pointer is present.
		Preloaded: &platform.Page{Threads: []platform.ThreadSummary{{ID: "x"}}},
	})
	require.NoError(t, err)

	assert.Equal(t, SourceActive, res.Source)
	assert.Equal(t, []string{"c", "a", "b"}, ids(res.Threads))
	assert.Equal(t, 2, res.Fetched)
}

func TestRankedThreads_PreloadedFallbackSortsLocally(t *testing.T) {
	p := platform.NewMockPlatform()
	p.SetPage("next", platform.Page{
		Threads: []platform.ThreadSummary{
			{ID: "late", LastReplyAt: 300, Number: 1},
			{ID: "tie-low", LastReplyAt: 100, Number: 2},
		},
	})

	res, err := NewAggregator(p).RankedThreads(context.Background(), "board", platform.Listing{
		Preloaded: &platform.Page{
			Threads: []platform.ThreadSummary{
				{ID: "tie-high", LastReplyAt: 100, Number: 7},
				{ID: "early", LastReplyAt: 50, Number: 9},
			},
			Next: "next",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, SourcePreloaded, res.Source)
	assert.Equal(t, []string{"late", "tie-high", "tie-low", "early"}, ids(res.Threads))
	assert.Equal(t, 1, res.Fetched)
}

func TestRankedThreads_PreloadedWithoutContinuation(t *testing.T) {
	p := platform.NewMockPlatform()
	res, err := NewAggregator(p).RankedThreads(context.Background(), "board", platform.Listing{
		Preloaded: &platform.Page{Threads: []platform.ThreadSummary{{ID: "only"}}},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"only"}, ids(res.Threads))
	assert.Equal(t, 0, res.Fetched)
	assert.Equal(t, 0, p.FetchCount())
}

func TestRankedThreads_NoSourceIsEmpty(t *testing.T) {
	res, err := NewAggregator(platform.NewMockPlatform()).RankedThreads(context.Background(), "board", platform.Listing{})
	require.NoError(t, err)

	assert.Equal(t, SourceNone, res.Source)
	assert.NotNil(t, res.Threads)
	assert.Empty(t, res.Threads)
}

func TestRankedThreads_FetchFailureAbortsWalk(t *testing.T) {
	p := platform.NewMockPlatform()
	p.SetPage("p1", platform.Page{Threads: []platform.ThreadSummary{{ID: "a"}}, Next: "p2"})
	boom := errors.New("gateway timeout")
	p.FailPage("p2", boom)

	res, err := NewAggregator(p).RankedThreads(context.Background(), "music.eth", platform.Listing{ActiveRef: "p1"})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, boom)

	var pe *PageError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "p2", pe.Ref)
	assert.Equal(t, "music.eth", pe.Board)
}

func TestRankedThreads_ContinuationLoop(t *testing.T) {
	p := platform.NewMockPlatform()
	p.SetPage("p1", platform.Page{Threads: []platform.ThreadSummary{{ID: "a"}}, Next: "p2"})
	p.SetPage("p2", platform.Page{Threads: []platform.ThreadSummary{{ID: "b"}}, Next: "p1"})

	_, err := NewAggregator(p).RankedThreads(context.Background(), "board", platform.Listing{ActiveRef: "p1"})
	assert.ErrorIs(t, err, ErrPageLoop)
}

func TestRankedThreads_CancelledContext(t *testing.T) {
	p := platform.NewMockPlatform()
	p.SetPage("p1", platform.Page{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewAggregator(p).RankedThreads(ctx, "board", platform.Listing{ActiveRef: "p1"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, p.FetchCount())
}

func TestSortActive_FiftyThreadsEqualTimestamps(t *testing.T) {
	threads := make([]platform.ThreadSummary, 0, 50)
	for i := 1; i <= 50; i++ {
		threads = append(threads, platform.ThreadSummary{
			ID:          fmt.Sprintf("t%02d", i),
			LastReplyAt: 1000,
			Number:      int64(i),
		})
	}

	SortActive(threads)

	for i, th := range threads {
		want := int64(50 - i)
		if th.Number != want {
			t.Fatalf("position %d: got number %d, want %d", i, th.Number, want)
		}
	}
}

func TestSortActive_NewThreadWithoutRepliesRanksByCreation(t *testing.T) {
	threads := []platform.ThreadSummary{
		{ID: "bumped-old", CreatedAt: 100, LastReplyAt: 500, Replies: 3, Number: 1},
		{ID: "bumped-recent", CreatedAt: 200, LastReplyAt: 900, Replies: 1, Number: 2},
		{ID: "fresh", CreatedAt: 1000, Number: 3},
		{ID: "stale-empty", CreatedAt: 50, Number: 4},
	}

	SortActive(threads)

	got := make([]string, len(threads))
	for i, th := range threads {
		got[i] = th.ID
	}
	assert.Equal(t, []string{"fresh", "bumped-recent", "bumped-old", "stale-empty"}, got)
}
