// Package platform defines the contract between the archiver and the content
// platform that hosts boards: signer issuance, board metadata, ranked page
// fetches, update notifications and moderation submissions.
//
// The default implementation talks to a platform RPC daemon over HTTP and
// websocket; see package rpc. [MockPlatform] is an in-memory stand-in used by
// tests.
package platform

import (
	"context"
	"errors"
)

// Errors returned by Platform implementations.
var (
	// ErrBoardNotFound is returned when a board address cannot be resolved.
	ErrBoardNotFound = errors.New("platform: board not found")

	// ErrPageNotFound is returned when a page reference cannot be resolved.
	ErrPageNotFound = errors.New("platform: page not found")

	// ErrNotLocal is returned when an operation requires a board hosted by
	// the connected platform node.
	ErrNotLocal = errors.New("platform: board is not hosted locally")
)

// Signer is the credential material used to sign moderation actions.
// Archivist treats it as opaque and only persists it.
type Signer struct {
	Address    string `json:"address"`
	PrivateKey string `json:"privateKey"`
	Type       string `json:"type"`
}

// Role names a board role.
type Role string

const (
	RoleOwner     Role = "owner"
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
)

// CanModerate reports whether the role carries moderation authority.
func (r Role) CanModerate() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleModerator:
		return true
	default:
		return false
	}
}

// ThreadSummary is the per-thread view the lifecycle rules need.
type ThreadSummary struct {
	ID      string `json:"cid"`
	Pinned  bool   `json:"pinned,omitempty"`
	Locked  bool   `json:"locked,omitempty"`
	Replies int    `json:"replyCount"`
	// LastReplyAt is a unix timestamp in seconds; zero when the thread has no replies.
	LastReplyAt int64 `json:"lastReplyTimestamp,omitempty"`
	// CreatedAt is the unix timestamp of the opening post.
	CreatedAt int64 `json:"timestamp,omitempty"`
	// Number is the board-local post number; zero when unknown.
	Number int64 `json:"number,omitempty"`
}

// ActivityAt is the time the thread was last bumped: its last reply, or
// its creation when it has none.
func (t ThreadSummary) ActivityAt() int64 {
	if t.LastReplyAt > 0 {
		return t.LastReplyAt
	}
	return t.CreatedAt
}

// Page is one batch of a paginated ranked listing.
type Page struct {
	Threads []ThreadSummary `json:"comments"`
	// Next references the following page; empty on the last page.
	Next string `json:"nextCid,omitempty"`
}

// Listing describes where a board's ranked thread sequence starts.
type Listing struct {
	// ActiveRef points at the first page of the platform's pre-ranked
	// "active" sequence. Empty when the platform has not published one.
	ActiveRef string `json:"activeCid,omitempty"`

	// Preloaded is a small page embedded in the board record, used when no
	// ranked pointer exists. Nil when the board has no threads.
	Preloaded *Page `json:"preloaded,omitempty"`
}

// Board is the metadata the archiver needs about a board.
type Board struct {
	Address string `json:"address"`
	// Local is true when the connected platform node hosts the board.
	Local   bool            `json:"local"`
	Roles   map[string]Role `json:"roles,omitempty"`
	Listing Listing         `json:"listing"`
}

// RoleOf returns the role assigned to a signer address.
func (b *Board) RoleOf(address string) Role {
	if b == nil || b.Roles == nil {
		return ""
	}
	return b.Roles[address]
}

// Action is a moderation directive.
type Action string

const (
	ActionLock  Action = "locked"
	ActionPurge Action = "purged"
)

// Moderation is a single moderation submission.
type Moderation struct {
	Board  string `json:"board"`
	Thread string `json:"commentCid"`
	Action Action `json:"action"`
}

// Platform is everything the archiver needs from the content platform.
type Platform interface {
	// CreateSigner issues new signer material.
	CreateSigner(ctx context.Context) (Signer, error)

	// GetBoard fetches the current board record.
	GetBoard(ctx context.Context, address string) (*Board, error)

	// GrantRole assigns a role on a locally hosted board.
	// Returns ErrNotLocal for remote boards.
	GrantRole(ctx context.Context, board, address string, role Role) error

	// FetchPage resolves a page reference of the given board.
	FetchPage(ctx context.Context, board, ref string) (*Page, error)

	// Moderate submits a moderation action signed by signer and returns
	// once the platform acknowledged it.
	Moderate(ctx context.Context, signer Signer, m Moderation) error

	// Subscribe registers fn to be called whenever the board's thread set
	// may have changed. Delivery is at-least-once and may coalesce changes.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, board string, fn func()) (cancel func(), err error)
}
