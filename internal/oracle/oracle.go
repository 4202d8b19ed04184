// Package oracle resolves a post id to a comparative sentiment score, the
// value a market's threshold is judged against at settlement.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrPostNotFound is returned when no source has the requested post.
var ErrPostNotFound = errors.New("oracle: post not found")

// Oracle scores a post at the moment it is asked.
type Oracle interface {
	Score(ctx context.Context, postID string) (float64, error)
}

// Scorer turns post text into a comparative score.
type Scorer interface {
	Score(text string) float64
}

// Static serves fixed scores. Used in development and tests.
type Static struct {
	mu     sync.RWMutex
	scores map[string]float64
}

// NewStatic creates a Static oracle seeded with scores.
func NewStatic(scores map[string]float64) *Static {
	s := &Static{scores: make(map[string]float64, len(scores))}
	for id, v := range scores {
		s.scores[id] = v
	}
	return s
}

// Set records the score returned for postID.
func (s *Static) Set(postID string, score float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores[postID] = score
}

func (s *Static) Score(ctx context.Context, postID string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.scores[postID]
	if !ok {
		return 0, fmt.Errorf("post %s: %w", postID, ErrPostNotFound)
	}
	return v, nil
}

var _ Oracle = (*Static)(nil)
