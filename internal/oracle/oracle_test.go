package oracle_test

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"

	"github.com/nostrmood/market-engine/internal/oracle"
)

const noteID = "5c83da77af1dec6d7289834998ad7aafbd9e2191396d75ec3cc27f5a77226f36"

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

// --- Lexicon ---

func TestLexicon_ComparativeScore(t *testing.T) {
	lex := oracle.NewLexicon(map[string]float64{"good": 3, "bad": -3, "great": 3})

	tests := []struct {
		text string
		want float64
	}{
		{"Good good GOOD!", 3},
		{"good and bad", 0},
		{"this is great", 1},
		{"", 0},
		{"!!! ...", 0},
		{"bad", -3},
	}
	for _, tc := range tests {
		if got := lex.Score(tc.text); !approx(got, tc.want) {
			t.Errorf("Score(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}

func TestParseLexicon(t *testing.T) {
	src := "# weights\n\nlove 3\nhate\t-3\n"
	lex, err := oracle.ParseLexicon(strings.NewReader(src))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if lex.Len() != 2 {
		t.Errorf("Len = %d, want 2", lex.Len())
	}
	if got := lex.Score("I love it"); !approx(got, 1) {
		t.Errorf("Score = %v, want 1", got)
	}

	if _, err := oracle.ParseLexicon(strings.NewReader("love three\n")); err == nil {
		t.Error("expected error for non-numeric weight")
	}
	if _, err := oracle.ParseLexicon(strings.NewReader("just-a-word\n")); err == nil {
		t.Error("expected error for missing weight")
	}
}

func TestLoadLexicon_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "afinn.json")
	if err := os.WriteFile(path, []byte(`{"happy": 3, "sad": -2}`), 0o644); err != nil {
		t.Fatal(err)
	}
	lex, err := oracle.LoadLexicon(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := lex.Score("happy sad"); !approx(got, 0.5) {
		t.Errorf("Score = %v, want 0.5", got)
	}
}

// --- Static ---

func TestStatic_Score(t *testing.T) {
	o := oracle.NewStatic(map[string]float64{"a": 0.7})
	got, err := o.Score(context.Background(), "a")
	if err != nil || got != 0.7 {
		t.Fatalf("Score = %v, %v", got, err)
	}
	if _, err := o.Score(context.Background(), "missing"); !errors.Is(err, oracle.ErrPostNotFound) {
		t.Errorf("expected ErrPostNotFound, got %v", err)
	}
	o.Set("missing", -1)
	if got, _ := o.Score(context.Background(), "missing"); got != -1 {
		t.Errorf("Score after Set = %v", got)
	}
}

// --- Breaker ---

type failingOracle struct{ calls int }

func (f *failingOracle) Score(context.Context, string) (float64, error) {
	f.calls++
	return 0, errors.New("relay down")
}

func TestBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	inner := &failingOracle{}
	b := oracle.NewBreaker("test", inner, oracle.BreakerSettings{FailureThreshold: 2, OpenFor: time.Minute})

	for i := 0; i < 2; i++ {
		if _, err := b.Score(context.Background(), noteID); err == nil {
			t.Fatal("expected error")
		}
	}
	if b.State() != gobreaker.StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}
	if _, err := b.Score(context.Background(), noteID); !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("expected ErrOpenState, got %v", err)
	}
	if inner.calls != 2 {
		t.Errorf("inner called %d times, want 2", inner.calls)
	}
}

func TestBreaker_NotFoundDoesNotTrip(t *testing.T) {
	b := oracle.NewBreaker("test", oracle.NewStatic(nil), oracle.BreakerSettings{FailureThreshold: 1})
	for i := 0; i < 3; i++ {
		if _, err := b.Score(context.Background(), "x"); !errors.Is(err, oracle.ErrPostNotFound) {
			t.Fatalf("expected ErrPostNotFound, got %v", err)
		}
	}
	if b.State() != gobreaker.StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

// --- Relay ---

// fakeRelay answers one REQ with the given events followed by EOSE.
func fakeRelay(t *testing.T, events ...oracle.Event) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req []json.RawMessage
		if err := conn.ReadJSON(&req); err != nil || len(req) < 3 {
			return
		}
		var sub string
		_ = json.Unmarshal(req[1], &sub)

		_ = conn.WriteJSON([]any{"NOTICE", "hello"})
		for _, ev := range events {
			_ = conn.WriteJSON([]any{"EVENT", sub, ev})
		}
		_ = conn.WriteJSON([]any{"EOSE", sub})

		// Drain the CLOSE.
		_, _, _ = conn.ReadMessage()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// signedNote builds a kind-1 note signed by a fresh key.
func signedNote(t *testing.T, content string) oracle.Event {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	ev := oracle.Event{
		PubKey:    hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey())),
		CreatedAt: 1717243200,
		Kind:      1,
		Tags:      [][]string{{"t", "nostr"}},
		Content:   content,
	}
	ev.ID = ev.ComputeID()
	hash, _ := hex.DecodeString(ev.ID)
	sig, err := schnorr.Sign(priv, hash)
	if err != nil {
		t.Fatal(err)
	}
	ev.Sig = hex.EncodeToString(sig.Serialize())
	return ev
}

func TestEvent_Verify(t *testing.T) {
	ev := signedNote(t, "good \"day\" <3 & more\nline")
	if err := ev.Verify(); err != nil {
		t.Fatalf("valid note rejected: %v", err)
	}

	tampered := ev
	tampered.Content = "terrible day"
	if err := tampered.Verify(); err == nil {
		t.Error("note with replaced content verified")
	}

	resigned := tampered
	resigned.ID = resigned.ComputeID()
	if err := resigned.Verify(); err == nil {
		t.Error("recomputed id with the original signature verified")
	}

	unsigned := ev
	unsigned.Sig = ""
	if err := unsigned.Verify(); err == nil {
		t.Error("unsigned note verified")
	}
}

func TestRelayOracle_ScoresFoundNote(t *testing.T) {
	note := signedNote(t, "good day")
	empty := fakeRelay(t)
	full := fakeRelay(t, note)

	lex := oracle.NewLexicon(map[string]float64{"good": 2})
	o := oracle.NewRelayOracle([]string{wsURL(empty), wsURL(full)}, lex, 2*time.Second)

	got, err := o.Score(context.Background(), note.ID)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if !approx(got, 1) {
		t.Errorf("Score = %v, want 1", got)
	}
}

func TestRelayOracle_DiscardsForgedContent(t *testing.T) {
	note := signedNote(t, "good day")
	forged := note
	forged.Content = "bad bad bad"

	lex := oracle.NewLexicon(map[string]float64{"good": 2, "bad": -3})

	// A lone lying relay cannot produce a score.
	liar := fakeRelay(t, forged)
	o := oracle.NewRelayOracle([]string{wsURL(liar)}, lex, 2*time.Second)
	if _, err := o.Score(context.Background(), note.ID); !errors.Is(err, oracle.ErrPostNotFound) {
		t.Errorf("expected ErrPostNotFound from forged relay, got %v", err)
	}

	// Next to an honest relay, the genuine note decides.
	honest := fakeRelay(t, note)
	o = oracle.NewRelayOracle([]string{wsURL(fakeRelay(t, forged)), wsURL(honest)}, lex, 2*time.Second)
	got, err := o.Score(context.Background(), note.ID)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if !approx(got, 1) {
		t.Errorf("Score = %v, want 1 from the genuine note", got)
	}
}

func TestRelayOracle_NotFound(t *testing.T) {
	a := fakeRelay(t, oracle.Event{ID: "other", Kind: 1, Content: "nope"})
	b := fakeRelay(t)

	o := oracle.NewRelayOracle([]string{wsURL(a), wsURL(b)}, oracle.NewLexicon(nil), 2*time.Second)
	if _, err := o.Score(context.Background(), noteID); !errors.Is(err, oracle.ErrPostNotFound) {
		t.Errorf("expected ErrPostNotFound, got %v", err)
	}
}

func TestRelayOracle_AllRelaysDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	o := oracle.NewRelayOracle([]string{wsURL(srv)}, oracle.NewLexicon(nil), time.Second)
	_, err := o.Score(context.Background(), noteID)
	if err == nil || errors.Is(err, oracle.ErrPostNotFound) {
		t.Errorf("expected transport error, got %v", err)
	}
}
