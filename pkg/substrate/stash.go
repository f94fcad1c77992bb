package substrate

// Stash holds completions that arrived while the caller was waiting on a
// different token set. Backends whose completion source is shared by all
// outstanding operations park results here until somebody waits for them.
type Stash map[Token]Result

// Take removes and returns the first completed token of tokens, by position.
func (s Stash) Take(tokens []Token) (int, Result, bool) {
	for i, t := range tokens {
		if r, ok := s[t]; ok {
			delete(s, t)
			return i, r, true
		}
	}
	return -1, nil, false
}

// Index returns the position of token in tokens or -1.
func Index(tokens []Token, token Token) int {
	for i, t := range tokens {
		if t == token {
			return i
		}
	}
	return -1
}
