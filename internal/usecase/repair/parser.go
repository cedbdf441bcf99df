package repair

import (
	"fmt"

	"konvo/internal/domain"
)

// parsedCall is one call of a call-expression list before ID assignment.
type parsedCall struct {
	name string
	args *domain.Arguments
}

// parser implements
//
//	Calls   := '[' (Call (',' Call)*)? ']'
//	Call    := Ident '(' (Arg (',' Arg)*)? ')'
//	Arg     := Ident '=' Literal
//	Literal := String | Integer | True | False | None
type parser struct {
	lex *lexer
	tok token
}

func newParser(src string) (*parser, error) {
	p := &parser{lex: &lexer{src: src}}
	if err := p.advance(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *parser) advance() error {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = tok
	return nil
}

func (p *parser) expect(kind tokenKind) (token, error) {
	tok := p.tok
	if tok.kind != kind {
		return tok, fmt.Errorf("offset %d: expected %s, found %s", tok.pos, kind, tok.kind)
	}
	return tok, p.advance()
}

// parseCalls parses a complete call list; trailing input is an error.
func parseCalls(src string) ([]parsedCall, error) {
	p, err := newParser(src)
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokLBracket); err != nil {
		return nil, err
	}
	var calls []parsedCall
	if p.tok.kind != tokRBracket {
		for {
			call, err := p.parseCall()
			if err != nil {
				return nil, err
			}
			calls = append(calls, call)
			if p.tok.kind != tokComma {
				break
			}
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
	}
	if _, err := p.expect(tokRBracket); err != nil {
		return nil, err
	}
	if _, err := p.expect(tokEOF); err != nil {
		return nil, err
	}
	return calls, nil
}

func (p *parser) parseCall() (parsedCall, error) {
	name, err := p.expect(tokIdent)
	if err != nil {
		return parsedCall{}, err
	}
	if _, err := p.expect(tokLParen); err != nil {
		return parsedCall{}, err
	}
	args := domain.NewArguments()
	if p.tok.kind != tokRParen {
		for {
			key, err := p.expect(tokIdent)
			if err != nil {
				return parsedCall{}, err
			}
			if _, err := p.expect(tokEquals); err != nil {
				return parsedCall{}, err
			}
			value, err := p.parseLiteral()
			if err != nil {
				return parsedCall{}, err
			}
			args.Set(key.text, value)
			if p.tok.kind != tokComma {
				break
			}
			if err := p.advance(); err != nil {
				return parsedCall{}, err
			}
		}
	}
	if _, err := p.expect(tokRParen); err != nil {
		return parsedCall{}, err
	}
	return parsedCall{name: name.text, args: args}, nil
}

func (p *parser) parseLiteral() (any, error) {
	tok := p.tok
	var value any
	switch tok.kind {
	case tokString:
		value = tok.text
	case tokInt:
		value = tok.num
	case tokIdent:
		switch tok.text {
		case "True":
			value = true
		case "False":
			value = false
		case "None":
			value = nil
		default:
			return nil, fmt.Errorf("offset %d: %q is not a literal", tok.pos, tok.text)
		}
	default:
		return nil, fmt.Errorf("offset %d: expected literal, found %s", tok.pos, tok.kind)
	}
	return value, p.advance()
}
