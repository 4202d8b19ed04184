package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// kindTextNote is the Nostr event kind for short text posts.
const kindTextNote = 1

// Event is the subset of a Nostr event the oracle reads.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

type filter struct {
	IDs   []string `json:"ids"`
	Kinds []int    `json:"kinds"`
}

// RelayOracle fetches a text note from a set of Nostr relays and scores its
// content. Relays are queried in parallel and the first matching event
// wins; a relay that errors or reaches end-of-stored-events without the
// note does not fail the lookup while others are still pending.
type RelayOracle struct {
	relays  []string
	scorer  Scorer
	dialer  *websocket.Dialer
	timeout time.Duration
}

// NewRelayOracle creates an oracle over relays. timeout bounds each relay
// query; zero means 10s.
func NewRelayOracle(relays []string, scorer Scorer, timeout time.Duration) *RelayOracle {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RelayOracle{
		relays:  relays,
		scorer:  scorer,
		dialer:  &websocket.Dialer{HandshakeTimeout: timeout},
		timeout: timeout,
	}
}

func (o *RelayOracle) Score(ctx context.Context, postID string) (float64, error) {
	ev, err := o.Fetch(ctx, postID)
	if err != nil {
		return 0, err
	}
	return o.scorer.Score(ev.Content), nil
}

// Fetch returns the kind-1 event with id postID from the first relay that
// has it. Events whose id or signature does not verify are discarded, so a
// relay cannot substitute content under a real id.
func (o *RelayOracle) Fetch(ctx context.Context, postID string) (*Event, error) {
	if len(o.relays) == 0 {
		return nil, errors.New("oracle: no relays configured")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		ev  *Event
		err error
	}
	results := make(chan result, len(o.relays))

	var wg sync.WaitGroup
	for _, url := range o.relays {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			ev, err := o.query(ctx, url, postID)
			results <- result{ev: ev, err: err}
		}(url)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var errs []error
	for r := range results {
		if r.ev != nil {
			return r.ev, nil
		}
		if r.err != nil && !errors.Is(r.err, ErrPostNotFound) {
			errs = append(errs, r.err)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// Every relay that answered said "not here".
	if len(errs) < len(o.relays) {
		return nil, fmt.Errorf("post %s: %w", postID, ErrPostNotFound)
	}
	return nil, fmt.Errorf("oracle: all relays failed: %w", errors.Join(errs...))
}

// query runs one REQ/EVENT/EOSE exchange against a single relay.
func (o *RelayOracle) query(ctx context.Context, url, postID string) (*Event, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	conn, _, err := o.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	// Unblock ReadMessage when ctx ends.
	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()

	subID := uuid.New().String()
	req := []any{"REQ", subID, filter{IDs: []string{postID}, Kinds: []int{kindTextNote}}}
	if err := conn.WriteJSON(req); err != nil {
		return nil, fmt.Errorf("send REQ to %s: %w", url, err)
	}
	defer func() {
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = conn.WriteJSON([]any{"CLOSE", subID})
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("read %s: %w", url, ctxErr)
			}
			return nil, fmt.Errorf("read %s: %w", url, err)
		}

		var msg []json.RawMessage
		if err := json.Unmarshal(data, &msg); err != nil || len(msg) < 2 {
			slog.Debug("relay sent malformed message", "relay", url)
			continue
		}
		var typ, sub string
		if json.Unmarshal(msg[0], &typ) != nil {
			continue
		}

		switch typ {
		case "EVENT":
			if len(msg) < 3 || json.Unmarshal(msg[1], &sub) != nil || sub != subID {
				continue
			}
			var ev Event
			if err := json.Unmarshal(msg[2], &ev); err != nil {
				continue
			}
			if ev.ID != postID || ev.Kind != kindTextNote {
				continue
			}
			if err := ev.Verify(); err != nil {
				slog.Warn("relay sent forged event", "relay", url, "event_id", ev.ID, "err", err)
				continue
			}
			return &ev, nil
		case "EOSE":
			if json.Unmarshal(msg[1], &sub) == nil && sub == subID {
				return nil, fmt.Errorf("%s: %w", url, ErrPostNotFound)
			}
		case "CLOSED":
			if json.Unmarshal(msg[1], &sub) == nil && sub == subID {
				var reason string
				if len(msg) > 2 {
					_ = json.Unmarshal(msg[2], &reason)
				}
				return nil, fmt.Errorf("relay %s closed subscription: %s", url, reason)
			}
		case "NOTICE":
			var notice string
			_ = json.Unmarshal(msg[1], &notice)
			slog.Warn("relay notice", "relay", url, "notice", notice)
		}
	}
}

var _ Oracle = (*RelayOracle)(nil)
