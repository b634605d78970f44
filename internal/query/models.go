// Package query turns a validated narrow into a per-user message query and
// fetches an anchored window of matching message ids.
//
// Every query runs in one of three access regimes. The delivery regimes
// read from the user's delivery rows and can only ever return messages the
// user received. The full-history regime reads a stream's messages
// directly and is selected only when the narrow proves the stream's whole
// history is readable by the user.
package query

import (
	"github.com/wesm/msgnarrow/internal/narrow"
	"github.com/wesm/msgnarrow/internal/search"
)

// LargerThanMaxMessageID is the anchor used when a first-unread anchor
// finds no unread message. It sorts after every real message id.
const LargerThanMaxMessageID int64 = 10000000000000000

// DefaultMaxFetch caps num_before and num_after.
const DefaultMaxFetch = 5000

// Regime is the base rowset a query is evaluated against.
type Regime int

const (
	// RegimeDelivery reads only the user's delivery rows.
	RegimeDelivery Regime = iota
	// RegimeDeliveryJoin reads the user's delivery rows joined to messages.
	RegimeDeliveryJoin
	// RegimeFullHistory reads every message sent to one stream.
	RegimeFullHistory
)

func (r Regime) String() string {
	switch r {
	case RegimeDelivery:
		return "delivery"
	case RegimeDeliveryJoin:
		return "delivery_join"
	case RegimeFullHistory:
		return "full_history"
	}
	return "unknown"
}

// AnchorMode says how the fetch anchor is chosen.
type AnchorMode int

const (
	AnchorID AnchorMode = iota
	AnchorFirstUnread
	AnchorNewest
	AnchorOldest
)

// FetchRequest describes one window fetch.
type FetchRequest struct {
	UserID     int64
	Narrow     narrow.Narrow
	AnchorMode AnchorMode
	Anchor     int64 // used with AnchorID
	NumBefore  int
	NumAfter   int
	// Highlight fills Row.Highlight for search narrows.
	Highlight bool
}

// Row is one message in a fetch result.
type Row struct {
	ID    int64    `json:"id"`
	Flags []string `json:"flags"`

	// Set only when the narrow contains a search term.
	ContentMatches []search.Location   `json:"content_match_offsets,omitempty"`
	TopicMatches   []search.Location   `json:"topic_match_offsets,omitempty"`
	Highlight      *search.Highlighted `json:"highlight,omitempty"`
}

// FetchResult is the anchored window returned by Engine.Fetch.
type FetchResult struct {
	Anchor      int64 `json:"anchor"`
	FoundAnchor bool  `json:"found_anchor"`
	FoundOldest bool  `json:"found_oldest"`
	FoundNewest bool  `json:"found_newest"`
	// History is true when the full-history regime produced the rows.
	History  bool  `json:"full_history"`
	Messages []Row `json:"messages"`
}

// IDs returns the message ids in result order.
func (r *FetchResult) IDs() []int64 {
	ids := make([]int64, len(r.Messages))
	for i, m := range r.Messages {
		ids[i] = m.ID
	}
	return ids
}
