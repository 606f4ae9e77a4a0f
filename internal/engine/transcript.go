package engine

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// eogToken is the transcript id reserved for end of generation.
const eogToken Token = 0

// transcript emulates a position-addressed cache for backends whose API only
// accepts whole prompts. Every position holds a text piece; replaying the
// pieces in position order reproduces the running state.
type transcript struct {
	limit uint32
	vocab []string
	ids   map[string]Token
	pos   map[uint32]Token
}

func newTranscript(limit uint32) *transcript {
	return &transcript{
		limit: limit,
		vocab: []string{""},
		ids:   map[string]Token{},
		pos:   map[uint32]Token{},
	}
}

func (t *transcript) intern(piece string) Token {
	if id, ok := t.ids[piece]; ok {
		return id
	}
	id := Token(len(t.vocab))
	t.vocab = append(t.vocab, piece)
	t.ids[piece] = id
	return id
}

// split spreads text over n tokens, cutting only at rune boundaries, so the
// position count matches the real tokenizer and eviction degrades gradually.
func (t *transcript) split(text string, n int) []Token {
	if n <= 0 || text == "" {
		return nil
	}
	out := make([]Token, 0, n)
	prev := 0
	for i := 1; i <= n; i++ {
		cut := len(text) * i / n
		for cut < len(text) && !utf8.RuneStart(text[cut]) {
			cut++
		}
		if cut < prev {
			cut = prev
		}
		out = append(out, t.intern(text[prev:cut]))
		prev = cut
	}
	return out
}

func (t *transcript) piece(tok Token) (string, error) {
	if tok < 0 || int(tok) >= len(t.vocab) {
		return "", fmt.Errorf("engine: unknown token %d", tok)
	}
	return t.vocab[tok], nil
}

func (t *transcript) decode(tokens []Token, start uint32) error {
	if uint64(start)+uint64(len(tokens)) > uint64(t.limit) {
		return fmt.Errorf("engine: batch of %d at %d exceeds context of %d", len(tokens), start, t.limit)
	}
	for i, tok := range tokens {
		if _, err := t.piece(tok); err != nil {
			return err
		}
		t.pos[start+uint32(i)] = tok
	}
	if uint64(len(t.vocab)) > 2*uint64(t.limit)+1 {
		t.compact()
	}
	return nil
}

// compact rebuilds the vocabulary from the pieces still held at some
// position. Ids handed out earlier become invalid, so it only runs at the
// end of decode, when every outstanding token has been placed.
func (t *transcript) compact() {
	vocab := []string{""}
	ids := make(map[string]Token, len(t.pos))
	for p, old := range t.pos {
		piece := t.vocab[old]
		id, ok := ids[piece]
		if !ok {
			id = Token(len(vocab))
			vocab = append(vocab, piece)
			ids[piece] = id
		}
		t.pos[p] = id
	}
	t.vocab, t.ids = vocab, ids
}

func (t *transcript) remove(from, to uint32) {
	for p := range t.pos {
		if p >= from && p < to {
			delete(t.pos, p)
		}
	}
}

func (t *transcript) shift(from, to uint32, delta int32) error {
	moved := map[uint32]Token{}
	for p, tok := range t.pos {
		if p < from || p >= to {
			continue
		}
		np := int64(p) + int64(delta)
		if np < 0 {
			return fmt.Errorf("engine: shift of position %d by %d is negative", p, delta)
		}
		moved[uint32(np)] = tok
	}
	for p := range t.pos {
		if p >= from && p < to {
			delete(t.pos, p)
		}
	}
	for p, tok := range moved {
		t.pos[p] = tok
	}
	return nil
}

func (t *transcript) text() string {
	keys := make([]uint32, 0, len(t.pos))
	for p := range t.pos {
		keys = append(keys, p)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	var b strings.Builder
	for _, p := range keys {
		b.WriteString(t.vocab[t.pos[p]])
	}
	return b.String()
}
