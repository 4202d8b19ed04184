package oracle

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"
)

// Lexicon scores text against a word → weight table. The comparative score
// is the sum of matched weights divided by the number of tokens, so it is
// comparable across posts of different length.
type Lexicon struct {
	weights map[string]float64
}

// NewLexicon builds a Lexicon from an in-memory table. Keys are lowercased.
func NewLexicon(weights map[string]float64) *Lexicon {
	l := &Lexicon{weights: make(map[string]float64, len(weights))}
	for w, v := range weights {
		l.weights[strings.ToLower(w)] = v
	}
	return l
}

// LoadLexicon reads a lexicon file. A .json file must hold a single object
// of word → weight; anything else is read as one "word weight" pair per
// line, with blank lines and lines starting with # ignored.
func LoadLexicon(path string) (*Lexicon, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open lexicon: %w", err)
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".json") {
		var weights map[string]float64
		if err := json.NewDecoder(f).Decode(&weights); err != nil {
			return nil, fmt.Errorf("decode lexicon %s: %w", path, err)
		}
		return NewLexicon(weights), nil
	}
	return ParseLexicon(f)
}

// ParseLexicon reads the line-oriented lexicon format.
func ParseLexicon(r io.Reader) (*Lexicon, error) {
	weights := make(map[string]float64)
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 2 {
			return nil, fmt.Errorf("lexicon line %d: want \"word weight\", got %q", line, text)
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, fmt.Errorf("lexicon line %d: %w", line, err)
		}
		weights[fields[0]] = v
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read lexicon: %w", err)
	}
	return NewLexicon(weights), nil
}

// Len returns the number of entries.
func (l *Lexicon) Len() int { return len(l.weights) }

// Score returns the comparative score of text. Empty text scores 0.
func (l *Lexicon) Score(text string) float64 {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return 0
	}
	var sum float64
	for _, tok := range tokens {
		sum += l.weights[tok]
	}
	return sum / float64(len(tokens))
}

// tokenize lowercases text, drops punctuation except hyphens and
// apostrophes inside words, and splits on whitespace.
func tokenize(text string) []string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-', r == '\'':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}

	fields := strings.Fields(b.String())
	tokens := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, "-'")
		if f != "" {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

var _ Scorer = (*Lexicon)(nil)
