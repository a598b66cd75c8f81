package expr

import (
	"fmt"
	"strconv"
	"strings"

	"cairnvm/numerics"
)

// Call is a single parsed function invocation: ident(arg1, arg2, ...).
type Call struct {
	Name string
	Args []Value
}

// ParseCall parses a single function invocation over the value grammar. It
// is hand-written rather than generated, matching the host-boundary
// encoding's deliberately small surface.
func ParseCall(src string) (Call, error) {
	p := &parser{src: src}
	p.skipSpace()
	name, err := p.ident()
	if err != nil {
		return Call{}, fmt.Errorf("expr: parse call: %w", err)
	}
	p.skipSpace()
	if err := p.expect('('); err != nil {
		return Call{}, fmt.Errorf("expr: parse call %q: %w", name, err)
	}
	args, err := p.valueList(')')
	if err != nil {
		return Call{}, fmt.Errorf("expr: parse call %q args: %w", name, err)
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return Call{}, fmt.Errorf("expr: parse call %q: trailing input %q", name, p.src[p.pos:])
	}
	return Call{Name: name, Args: args}, nil
}

// ParseValue parses a single value (used to parse a rendered result string
// back into a structured Value where callers need to inspect it).
func ParseValue(src string) (Value, error) {
	p := &parser{src: src}
	v, err := p.value()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return nil, fmt.Errorf("expr: parse value: trailing input %q", p.src[p.pos:])
	}
	return v, nil
}

type parser struct {
	src string
	pos int
}

func (p *parser) eof() bool { return p.pos >= len(p.src) }

func (p *parser) peek() byte {
	if p.eof() {
		return 0
	}
	return p.src[p.pos]
}

func (p *parser) skipSpace() {
	for !p.eof() {
		c := p.src[p.pos]
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			p.pos++
			continue
		}
		break
	}
}

func (p *parser) expect(c byte) error {
	if p.eof() || p.src[p.pos] != c {
		return fmt.Errorf("expected %q at offset %d", c, p.pos)
	}
	p.pos++
	return nil
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentCont(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func (p *parser) ident() (string, error) {
	if p.eof() || !isIdentStart(p.src[p.pos]) {
		return "", fmt.Errorf("expected identifier at offset %d", p.pos)
	}
	start := p.pos
	p.pos++
	for !p.eof() && isIdentCont(p.src[p.pos]) {
		p.pos++
	}
	return p.src[start:p.pos], nil
}

// valueList parses a comma-separated, possibly-empty list of values
// terminated by close, consuming close itself.
func (p *parser) valueList(close byte) ([]Value, error) {
	p.skipSpace()
	if p.peek() == close {
		p.pos++
		return nil, nil
	}
	var out []Value
	for {
		p.skipSpace()
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		p.skipSpace()
		if p.peek() == ',' {
			p.pos++
			continue
		}
		if err := p.expect(close); err != nil {
			return nil, err
		}
		return out, nil
	}
}

func (p *parser) value() (Value, error) {
	p.skipSpace()
	if p.eof() {
		return nil, fmt.Errorf("unexpected end of input at offset %d", p.pos)
	}
	switch c := p.peek(); {
	case c == '"':
		return p.stringLiteral()
	case c == 'h' && p.pos+1 < len(p.src) && p.src[p.pos+1] == '"':
		return p.byteStringLiteral()
	case c == '(':
		return p.parenthesized()
	case c == '[':
		return p.list()
	case c == '{':
		return p.record()
	case c == '-' || (c >= '0' && c <= '9'):
		return p.number()
	case isIdentStart(c):
		return p.identOrVariant()
	default:
		return nil, fmt.Errorf("unexpected character %q at offset %d", c, p.pos)
	}
}

func (p *parser) stringLiteral() (Value, error) {
	p.pos++ // consume opening quote
	var b strings.Builder
	for {
		if p.eof() {
			return nil, fmt.Errorf("unterminated string literal")
		}
		c := p.src[p.pos]
		if c == '"' {
			p.pos++
			return Str(b.String()), nil
		}
		if c == '\\' {
			p.pos++
			if p.eof() {
				return nil, fmt.Errorf("unterminated escape in string literal")
			}
			switch p.src[p.pos] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			case '"':
				b.WriteByte('"')
			case '\\':
				b.WriteByte('\\')
			default:
				return nil, fmt.Errorf("invalid escape \\%c", p.src[p.pos])
			}
			p.pos++
			continue
		}
		b.WriteByte(c)
		p.pos++
	}
}

func (p *parser) byteStringLiteral() (Value, error) {
	p.pos += 2 // consume h"
	start := p.pos
	for !p.eof() && p.src[p.pos] != '"' {
		p.pos++
	}
	if p.eof() {
		return nil, fmt.Errorf("unterminated byte string literal")
	}
	hexStr := p.src[start:p.pos]
	p.pos++ // closing quote
	if len(hexStr)%2 != 0 {
		return nil, fmt.Errorf("byte string literal has odd hex digit count")
	}
	out := make([]byte, len(hexStr)/2)
	for i := range out {
		v, err := strconv.ParseUint(hexStr[i*2:i*2+2], 16, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid hex digit in byte string: %w", err)
		}
		out[i] = byte(v)
	}
	return Bytes(out), nil
}

// parenthesized parses "()" (Unit), a single parenthesized value, or a
// Tuple of arity >= 2.
func (p *parser) parenthesized() (Value, error) {
	p.pos++ // consume '('
	p.skipSpace()
	if p.peek() == ')' {
		p.pos++
		return Unit{}, nil
	}
	var items []Value
	for {
		p.skipSpace()
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		items = append(items, v)
		p.skipSpace()
		if p.peek() == ',' {
			p.pos++
			continue
		}
		if err := p.expect(')'); err != nil {
			return nil, err
		}
		break
	}
	if len(items) == 1 {
		return items[0], nil
	}
	return Tuple(items), nil
}

func (p *parser) list() (Value, error) {
	p.pos++ // consume '['
	items, err := p.valueList(']')
	if err != nil {
		return nil, err
	}
	return List(items), nil
}

func (p *parser) record() (Value, error) {
	p.pos++ // consume '{'
	p.skipSpace()
	var fields Record
	if p.peek() == '}' {
		p.pos++
		return fields, nil
	}
	for {
		p.skipSpace()
		name, err := p.ident()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if err := p.expect(':'); err != nil {
			return nil, err
		}
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		fields = append(fields, Field{Name: name, Value: v})
		p.skipSpace()
		if p.peek() == ',' {
			p.pos++
			continue
		}
		if err := p.expect('}'); err != nil {
			return nil, err
		}
		return fields, nil
	}
}

func (p *parser) number() (Value, error) {
	start := p.pos
	if p.peek() == '-' {
		p.pos++
	}
	for !p.eof() && p.src[p.pos] >= '0' && p.src[p.pos] <= '9' {
		p.pos++
	}
	isDecimal := false
	if !p.eof() && p.src[p.pos] == '.' {
		isDecimal = true
		p.pos++
		for !p.eof() && p.src[p.pos] >= '0' && p.src[p.pos] <= '9' {
			p.pos++
		}
	}
	if !p.eof() && (p.src[p.pos] == 'e' || p.src[p.pos] == 'E') {
		isDecimal = true
		p.pos++
		if !p.eof() && (p.src[p.pos] == '+' || p.src[p.pos] == '-') {
			p.pos++
		}
		for !p.eof() && p.src[p.pos] >= '0' && p.src[p.pos] <= '9' {
			p.pos++
		}
	}
	lit := p.src[start:p.pos]
	if isDecimal {
		d, err := numerics.DecFromString(lit)
		if err != nil {
			return nil, err
		}
		return Dec{V: d}, nil
	}
	i, err := numerics.IntFromString(lit)
	if err != nil {
		return nil, err
	}
	return Int{V: i}, nil
}

func (p *parser) identOrVariant() (Value, error) {
	name, err := p.ident()
	if err != nil {
		return nil, err
	}
	switch name {
	case "true":
		return Bool(true), nil
	case "false":
		return Bool(false), nil
	}
	switch p.peek() {
	case '(':
		p.pos++
		args, err := p.valueList(')')
		if err != nil {
			return nil, err
		}
		return Variant{Name: name, Args: args}, nil
	case '{':
		rec, err := p.record()
		if err != nil {
			return nil, err
		}
		return Variant{Name: name, Fields: rec.(Record)}, nil
	default:
		return Variant{Name: name}, nil
	}
}
