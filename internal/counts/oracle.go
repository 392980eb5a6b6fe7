// Package counts reads public engagement counters for a piece of content.
package counts

import (
	"context"
	"errors"

	"tapcash/engagement-service/internal/chain"
)

// ErrUnavailable is wrapped by every failure of an Oracle.
var ErrUnavailable = errors.New("counts oracle unavailable")

// Oracle is implemented by HTTPOracle and MemoryOracle.
type Oracle interface {
	GetCounts(ctx context.Context, contentRef string) (Counts, error)
}

// Counts is one sample of a content item's public counters.
type Counts struct {
	Likes    int64 `json:"likes"`
	Retweets int64 `json:"retweets"`
	Replies  int64 `json:"replies"`
}

// AsMap keys the counters by the names chain.ActionType.Counter returns.
func (c Counts) AsMap() map[string]int64 {
	return map[string]int64{
		chain.CounterLikes:    c.Likes,
		chain.CounterRetweets: c.Retweets,
		chain.CounterReplies:  c.Replies,
	}
}

// AllZero is true for the provider's "no data" answer. Suspicious, but not
// proof that the content is missing.
func (c Counts) AllZero() bool {
	return c.Likes == 0 && c.Retweets == 0 && c.Replies == 0
}
