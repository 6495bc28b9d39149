// Package ranking reconstructs the complete ranked thread list of a board
// for one evaluation cycle.
//
// Two sources are tried in order. The platform's pre-ranked "active"
// sequence is used when the board publishes a pointer to it; its order is
// authoritative. Otherwise the preloaded page embedded in the board record
// is walked to the end and ranked locally by last reply time, newest first,
// with ties broken by post number, highest first.
package ranking

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/dray-io/archivist/internal/platform"
)

// ErrPageLoop is returned when a continuation reference points back at a
// page already visited in the same walk.
var ErrPageLoop = errors.New("ranking: continuation loop")

// PageError wraps a failed page fetch. It aborts the whole cycle.
type PageError struct {
	Board string
	Ref   string
	Err   error
}

func (e *PageError) Error() string {
	return fmt.Sprintf("ranking: fetch page %q of board %q: %v", e.Ref, e.Board, e.Err)
}

func (e *PageError) Unwrap() error { return e.Err }

// Source identifies which strategy produced a ranking.
type Source string

const (
	// SourceActive is the platform's pre-ranked sequence.
	SourceActive Source = "active"
	// SourcePreloaded is the preloaded page walk with local ranking.
	SourcePreloaded Source = "preloaded"
	// SourceNone means the board published no listing at all.
	SourceNone Source = "none"
)

// PageFetcher resolves page references.
type PageFetcher interface {
	FetchPage(ctx context.Context, board, ref string) (*platform.Page, error)
}

// Result is the ranked thread list of one cycle.
type Result struct {
	Threads []platform.ThreadSummary
	Source  Source
	// Fetched counts the pages fetched over the network.
	Fetched int
}

// Aggregator walks paginated listings.
type Aggregator struct {
	pages PageFetcher
}

// NewAggregator returns an Aggregator fetching pages through pages.
func NewAggregator(pages PageFetcher) *Aggregator {
	return &Aggregator{pages: pages}
}

// RankedThreads returns the full ranked sequence for board. Any page fetch
// failure aborts the walk and is returned as a *PageError; no partial list
// is returned.
func (a *Aggregator) RankedThreads(ctx context.Context, board string, listing platform.Listing) (*Result, error) {
	switch {
	case listing.ActiveRef != "":
		threads, fetched, err := a.walk(ctx, board, nil, listing.ActiveRef)
		if err != nil {
			return nil, err
		}
		return &Result{Threads: threads, Source: SourceActive, Fetched: fetched}, nil

	case listing.Preloaded != nil:
		threads, fetched, err := a.walk(ctx, board, listing.Preloaded.Threads, listing.Preloaded.Next)
		if err != nil {
			return nil, err
		}
		SortActive(threads)
		return &Result{Threads: threads, Source: SourcePreloaded, Fetched: fetched}, nil

	default:
		return &Result{Threads: []platform.ThreadSummary{}, Source: SourceNone}, nil
	}
}

// walk follows continuation references starting at ref, appending every
// page's threads to seed in fetch order. Pages are fetched strictly one
// after another since each reference is only known once its predecessor
// resolves.
func (a *Aggregator) walk(ctx context.Context, board string, seed []platform.ThreadSummary, ref string) ([]platform.ThreadSummary, int, error) {
	threads := append([]platform.ThreadSummary(nil), seed...)
	seen := make(map[string]struct{})
	fetched := 0

	for ref != "" {
		if _, dup := seen[ref]; dup {
			return nil, fetched, &PageError{Board: board, Ref: ref, Err: ErrPageLoop}
		}
		seen[ref] = struct{}{}

		if err := ctx.Err(); err != nil {
			return nil, fetched, &PageError{Board: board, Ref: ref, Err: err}
		}

		page, err := a.pages.FetchPage(ctx, board, ref)
		fetched++
		if err != nil {
			return nil, fetched, &PageError{Board: board, Ref: ref, Err: err}
		}
		if page == nil {
			break
		}
		threads = append(threads, page.Threads...)
		ref = page.Next
	}
	return threads, fetched, nil
}

// SortActive orders threads by activity time, newest first, then by post
// number, highest first. A thread without replies is ranked by its creation
// time. Threads equal on both keys keep their fetch order.
func SortActive(threads []platform.ThreadSummary) {
	sort.SliceStable(threads, func(i, j int) bool {
		a, b := threads[i], threads[j]
		if at, bt := a.ActivityAt(), b.ActivityAt(); at != bt {
			return at > bt
		}
		return a.Number > b.Number
	})
}
