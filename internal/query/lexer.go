package query

import (
	"fmt"
	"strings"
)

type tokKind int

const (
	tokEOF tokKind = iota
	tokWord
	tokString // quoted literal, text holds the unescaped value
	tokRegex  // /pattern/, text holds the unescaped pattern
	tokPipe
	tokLParen
	tokRParen
	tokComma
	tokOp // = != < <= > >=
)

type token struct {
	kind tokKind
	text string
	pos  int
}

// wordDelims are the bytes that terminate a bare word. Everything else,
// including '*', '-', '.', ':' and non-ASCII, is word material.
const wordDelims = " \t\r\n|()\",=<>!/"

func lex(input string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(input) {
		c := input[i]
		switch {
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			i++
		case c == '|':
			toks = append(toks, token{tokPipe, "|", i})
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case c == ',':
			toks = append(toks, token{tokComma, ",", i})
			i++
		case c == '"':
			text, n, err := lexQuoted(input[i:])
			if err != nil {
				return nil, fmt.Errorf("%w: %v at offset %d", ErrSyntax, err, i)
			}
			toks = append(toks, token{tokString, text, i})
			i += n
		case c == '/':
			text, n, err := lexDelimited(input[i:], '/')
			if err != nil {
				return nil, fmt.Errorf("%w: %v at offset %d", ErrSyntax, err, i)
			}
			toks = append(toks, token{tokRegex, text, i})
			i += n
		case c == '=':
			toks = append(toks, token{tokOp, "=", i})
			i++
		case c == '!':
			if i+1 >= len(input) || input[i+1] != '=' {
				return nil, fmt.Errorf("%w: stray '!' at offset %d", ErrSyntax, i)
			}
			toks = append(toks, token{tokOp, "!=", i})
			i += 2
		case c == '<' || c == '>':
			op := string(c)
			n := 1
			if i+1 < len(input) && input[i+1] == '=' {
				op += "="
				n = 2
			}
			toks = append(toks, token{tokOp, op, i})
			i += n
		default:
			j := i
			for j < len(input) && !strings.ContainsRune(wordDelims, rune(input[j])) {
				j++
			}
			toks = append(toks, token{tokWord, input[i:j], i})
			i = j
		}
	}
	toks = append(toks, token{tokEOF, "", len(input)})
	return toks, nil
}

// lexQuoted consumes a "..." literal starting at input[0], handling
// \" and \\ escapes. Returns the unescaped text and bytes consumed.
func lexQuoted(input string) (string, int, error) {
	var b strings.Builder
	i := 1
	for i < len(input) {
		c := input[i]
		if c == '\\' && i+1 < len(input) {
			b.WriteByte(input[i+1])
			i += 2
			continue
		}
		if c == '"' {
			return b.String(), i + 1, nil
		}
		b.WriteByte(c)
		i++
	}
	return "", 0, fmt.Errorf("unterminated string")
}

// lexDelimited consumes a delimiter-bounded literal (regex), where a
// backslash escapes the delimiter.
func lexDelimited(input string, delim byte) (string, int, error) {
	var b strings.Builder
	i := 1
	for i < len(input) {
		c := input[i]
		if c == '\\' && i+1 < len(input) && input[i+1] == delim {
			b.WriteByte(delim)
			i += 2
			continue
		}
		if c == delim {
			return b.String(), i + 1, nil
		}
		b.WriteByte(c)
		i++
	}
	return "", 0, fmt.Errorf("unterminated /regex/")
}
