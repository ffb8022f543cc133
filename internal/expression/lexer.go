package expression

import (
	"fmt"
	"strings"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokTrue
	tokFalse
	tokNull
	tokAnd
	tokOr
	tokNot
	tokEq
	tokNe
	tokLt
	tokLe
	tokGt
	tokGe
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

var keywords = map[string]tokenKind{
	"true":  tokTrue,
	"false": tokFalse,
	"null":  tokNull,
	"nil":   tokNull,
	"and":   tokAnd,
	"or":    tokOr,
	"not":   tokNot,
}

// tokenize splits src into tokens. Identifiers may contain dots so that
// "applicant.address.city" is a single path token.
func tokenize(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen, text: "(", pos: i})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, text: ")", pos: i})
			i++
		case c == '&' || c == '|':
			if i+1 >= len(src) || src[i+1] != c {
				return nil, fmt.Errorf("unexpected %q at %d", c, i)
			}
			kind := tokAnd
			if c == '|' {
				kind = tokOr
			}
			toks = append(toks, token{kind: kind, text: src[i : i+2], pos: i})
			i += 2
		case c == '=' || c == '!' || c == '<' || c == '>':
			two := i+1 < len(src) && src[i+1] == '='
			var kind tokenKind
			switch {
			case c == '=' && two:
				kind = tokEq
			case c == '=':
				return nil, fmt.Errorf("assignment is not allowed at %d", i)
			case c == '!' && two:
				kind = tokNe
			case c == '!':
				kind = tokNot
			case c == '<' && two:
				kind = tokLe
			case c == '<':
				kind = tokLt
			case c == '>' && two:
				kind = tokGe
			default:
				kind = tokGt
			}
			n := 1
			if two {
				n = 2
			}
			toks = append(toks, token{kind: kind, text: src[i : i+n], pos: i})
			i += n
		case c == '\'' || c == '"':
			s, n, err := scanString(src[i:])
			if err != nil {
				return nil, fmt.Errorf("%w at %d", err, i)
			}
			toks = append(toks, token{kind: tokString, text: s, pos: i})
			i += n
		case isDigit(c) || (c == '-' && i+1 < len(src) && isDigit(src[i+1]) && prevAllowsSign(toks)):
			start := i
			i++
			for i < len(src) && (isDigit(src[i]) || src[i] == '.') {
				i++
			}
			toks = append(toks, token{kind: tokNumber, text: src[start:i], pos: start})
		case isIdentStart(c):
			start := i
			for i < len(src) && (isIdentPart(src[i]) || src[i] == '.') {
				i++
			}
			word := src[start:i]
			if strings.HasSuffix(word, ".") || strings.Contains(word, "..") {
				return nil, fmt.Errorf("malformed path %q at %d", word, start)
			}
			if kind, ok := keywords[word]; ok {
				toks = append(toks, token{kind: kind, text: word, pos: start})
			} else {
				toks = append(toks, token{kind: tokIdent, text: word, pos: start})
			}
		default:
			return nil, fmt.Errorf("unexpected %q at %d", c, i)
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(src)})
	return toks, nil
}

// scanString reads a quoted literal starting at s[0] and returns its
// unescaped value and the number of bytes consumed.
func scanString(s string) (string, int, error) {
	quote := s[0]
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if i+1 >= len(s) {
				return "", 0, fmt.Errorf("unterminated string")
			}
			i++
			b.WriteByte(s[i])
		case quote:
			return b.String(), i + 1, nil
		default:
			b.WriteByte(s[i])
		}
	}
	return "", 0, fmt.Errorf("unterminated string")
}

// prevAllowsSign reports whether a leading '-' is a sign rather than an
// operator. The grammar has no arithmetic, so it is a sign unless it
// follows an operand.
func prevAllowsSign(toks []token) bool {
	if len(toks) == 0 {
		return true
	}
	switch toks[len(toks)-1].kind {
	case tokIdent, tokNumber, tokString, tokTrue, tokFalse, tokNull, tokRParen:
		return false
	}
	return true
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool { return isIdentStart(c) || isDigit(c) }
