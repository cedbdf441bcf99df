package repair

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokInt
	tokLBracket
	tokRBracket
	tokLParen
	tokRParen
	tokComma
	tokEquals
)

func (k tokenKind) String() string {
	switch k {
	case tokEOF:
		return "end of input"
	case tokIdent:
		return "identifier"
	case tokString:
		return "string"
	case tokInt:
		return "integer"
	case tokLBracket:
		return "'['"
	case tokRBracket:
		return "']'"
	case tokLParen:
		return "'('"
	case tokRParen:
		return "')'"
	case tokComma:
		return "','"
	case tokEquals:
		return "'='"
	default:
		return "unknown"
	}
}

type token struct {
	kind tokenKind
	text string // identifier name or decoded string value
	num  int64
	pos  int
}

// lexer tokenizes Python-style call expressions.
type lexer struct {
	src string
	pos int
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func (l *lexer) skipSpace() {
	for l.pos < len(l.src) {
		switch l.src[l.pos] {
		case ' ', '\t', '\n', '\r':
			l.pos++
		default:
			return
		}
	}
}

func (l *lexer) errorf(format string, args ...any) error {
	return fmt.Errorf("offset %d: %s", l.pos, fmt.Sprintf(format, args...))
}

func (l *lexer) next() (token, error) {
	l.skipSpace()
	start := l.pos
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, pos: start}, nil
	}
	c := l.src[l.pos]
	switch c {
	case '[':
		l.pos++
		return token{kind: tokLBracket, pos: start}, nil
	case ']':
		l.pos++
		return token{kind: tokRBracket, pos: start}, nil
	case '(':
		l.pos++
		return token{kind: tokLParen, pos: start}, nil
	case ')':
		l.pos++
		return token{kind: tokRParen, pos: start}, nil
	case ',':
		l.pos++
		return token{kind: tokComma, pos: start}, nil
	case '=':
		l.pos++
		return token{kind: tokEquals, pos: start}, nil
	case '\'', '"':
		s, err := l.lexString()
		if err != nil {
			return token{}, err
		}
		return token{kind: tokString, text: s, pos: start}, nil
	}
	if isIdentStart(c) {
		for l.pos < len(l.src) && isIdentPart(l.src[l.pos]) {
			l.pos++
		}
		return token{kind: tokIdent, text: l.src[start:l.pos], pos: start}, nil
	}
	if isDigit(c) || (c == '-' && l.pos+1 < len(l.src) && isDigit(l.src[l.pos+1])) {
		n, err := l.lexInt()
		if err != nil {
			return token{}, err
		}
		return token{kind: tokInt, num: n, pos: start}, nil
	}
	return token{}, l.errorf("unexpected character %q", c)
}

// lexInt accepts decimal, 0b, 0o and 0x literals with '_' separators.
func (l *lexer) lexInt() (int64, error) {
	start := l.pos
	if l.src[l.pos] == '-' {
		l.pos++
	}
	for l.pos < len(l.src) && (isIdentPart(l.src[l.pos])) {
		l.pos++
	}
	lit := l.src[start:l.pos]
	digits := strings.TrimPrefix(lit, "-")
	if len(digits) > 1 && digits[0] == '0' && isDigit(digits[1]) {
		if strings.Trim(digits, "0_") != "" {
			return 0, l.errorf("leading zeros in decimal literal %q", lit)
		}
		return 0, nil
	}
	n, err := strconv.ParseInt(lit, 0, 64)
	if err != nil {
		return 0, l.errorf("invalid integer literal %q", lit)
	}
	return n, nil
}

// lexString decodes a single, double or triple quoted string.
func (l *lexer) lexString() (string, error) {
	quote := l.src[l.pos]
	delim := string(quote)
	if strings.HasPrefix(l.src[l.pos:], strings.Repeat(delim, 3)) {
		delim = strings.Repeat(delim, 3)
	}
	l.pos += len(delim)
	triple := len(delim) == 3

	var b strings.Builder
	for {
		if l.pos >= len(l.src) {
			return "", l.errorf("unterminated string")
		}
		if strings.HasPrefix(l.src[l.pos:], delim) {
			l.pos += len(delim)
			return b.String(), nil
		}
		c := l.src[l.pos]
		if c == '\n' && !triple {
			return "", l.errorf("newline in string")
		}
		if c != '\\' {
			r, size := utf8.DecodeRuneInString(l.src[l.pos:])
			b.WriteRune(r)
			l.pos += size
			continue
		}
		if l.pos+1 >= len(l.src) {
			return "", l.errorf("unterminated escape")
		}
		esc := l.src[l.pos+1]
		l.pos += 2
		switch esc {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		case '0':
			b.WriteByte(0)
		case '\\', '\'', '"':
			b.WriteByte(esc)
		case '\n':
			// line continuation
		case 'x', 'u', 'U':
			width := map[byte]int{'x': 2, 'u': 4, 'U': 8}[esc]
			if l.pos+width > len(l.src) {
				return "", l.errorf("short \\%c escape", esc)
			}
			v, err := strconv.ParseUint(l.src[l.pos:l.pos+width], 16, 32)
			if err != nil || !utf8.ValidRune(rune(v)) {
				return "", l.errorf("invalid \\%c escape", esc)
			}
			b.WriteRune(rune(v))
			l.pos += width
		default:
			b.WriteByte('\\')
			b.WriteByte(esc)
		}
	}
}
