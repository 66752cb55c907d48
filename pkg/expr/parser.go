package expr

import (
	"strconv"
	"strings"
)

// node is an AST node.
type node interface {
	pos() int
}

// literalNode holds a string, number, boolean, or null literal.
type literalNode struct {
	value any
	at    int
}

// identNode is a bare context root reference (e.g., "github", "matrix").
type identNode struct {
	name string
	at   int
}

// propertyNode is dotted or bracketed property access.
type propertyNode struct {
	target node
	key    node // literalNode for dotted access, any expression for brackets
	at     int
}

// callNode is a function call.
type callNode struct {
	name string
	args []node
	at   int
}

// unaryNode is logical negation.
type unaryNode struct {
	operand node
	at      int
}

// binaryNode covers ==, !=, &&, ||.
type binaryNode struct {
	op    tokenKind
	left  node
	right node
	at    int
}

func (n *literalNode) pos() int  { return n.at }
func (n *identNode) pos() int    { return n.at }
func (n *propertyNode) pos() int { return n.at }
func (n *callNode) pos() int     { return n.at }
func (n *unaryNode) pos() int    { return n.at }
func (n *binaryNode) pos() int   { return n.at }

// parser is a recursive-descent parser over the token stream.
// Precedence, loosest first: || then && then ==/!= then unary.
type parser struct {
	expr   string
	tokens []token
	pos    int
}

// parse parses a full expression. The optional ${{ }} wrapper must already
// be stripped.
func parse(expr string) (node, error) {
	tokens, err := lex(expr)
	if err != nil {
		return nil, err
	}

	p := &parser{expr: expr, tokens: tokens}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokenEOF {
		return nil, errAt(expr, p.peek().pos, "unexpected %s", p.peek().kind)
	}
	return n, nil
}

// Strip removes a surrounding ${{ }} wrapper, if present.
func Strip(expr string) string {
	trimmed := strings.TrimSpace(expr)
	if strings.HasPrefix(trimmed, "${{") && strings.HasSuffix(trimmed, "}}") {
		return strings.TrimSpace(trimmed[3 : len(trimmed)-2])
	}
	return trimmed
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tokenEOF {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokenKind) (token, error) {
	t := p.peek()
	if t.kind != kind {
		return token{}, errAt(p.expr, t.pos, "expected %s, found %s", kind, t.kind)
	}
	return p.next(), nil
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokenOr {
		op := p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: tokenOr, left: left, right: right, at: op.pos}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseEquality()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokenAnd {
		op := p.next()
		right, err := p.parseEquality()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: tokenAnd, left: left, right: right, at: op.pos}
	}
	return left, nil
}

func (p *parser) parseEquality() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokenEq || p.peek().kind == tokenNeq {
		op := p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op.kind, left: left, right: right, at: op.pos}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.peek().kind == tokenBang {
		op := p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{operand: operand, at: op.pos}, nil
	}
	return p.parsePostfix()
}

// parsePostfix parses a primary expression followed by any chain of dotted
// or bracketed property accesses.
func (p *parser) parsePostfix() (node, error) {
	n, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}

	for {
		switch p.peek().kind {
		case tokenDot:
			dot := p.next()
			ident, err := p.expect(tokenIdent)
			if err != nil {
				return nil, err
			}
			n = &propertyNode{
				target: n,
				key:    &literalNode{value: ident.text, at: ident.pos},
				at:     dot.pos,
			}
		case tokenLBracket:
			bracket := p.next()
			key, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokenRBracket); err != nil {
				return nil, err
			}
			n = &propertyNode{target: n, key: key, at: bracket.pos}
		default:
			return n, nil
		}
	}
}

func (p *parser) parsePrimary() (node, error) {
	t := p.peek()

	switch t.kind {
	case tokenLParen:
		p.next()
		n, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokenRParen); err != nil {
			return nil, err
		}
		return n, nil

	case tokenString:
		p.next()
		return &literalNode{value: t.text, at: t.pos}, nil

	case tokenNumber:
		p.next()
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, errAt(p.expr, t.pos, "invalid number %q", t.text)
		}
		return &literalNode{value: f, at: t.pos}, nil

	case tokenIdent:
		p.next()
		switch t.text {
		case "true":
			return &literalNode{value: true, at: t.pos}, nil
		case "false":
			return &literalNode{value: false, at: t.pos}, nil
		case "null":
			return &literalNode{value: nil, at: t.pos}, nil
		}

		// A following '(' makes this a function call.
		if p.peek().kind == tokenLParen {
			p.next()
			var args []node
			if p.peek().kind != tokenRParen {
				for {
					arg, err := p.parseOr()
					if err != nil {
						return nil, err
					}
					args = append(args, arg)
					if p.peek().kind != tokenComma {
						break
					}
					p.next()
				}
			}
			if _, err := p.expect(tokenRParen); err != nil {
				return nil, err
			}
			return &callNode{name: t.text, args: args, at: t.pos}, nil
		}

		return &identNode{name: t.text, at: t.pos}, nil

	default:
		return nil, errAt(p.expr, t.pos, "unexpected %s", t.kind)
	}
}

// walk visits every node in the tree.
func walk(n node, visit func(node)) {
	if n == nil {
		return
	}
	visit(n)
	switch v := n.(type) {
	case *propertyNode:
		walk(v.target, visit)
		walk(v.key, visit)
	case *callNode:
		for _, arg := range v.args {
			walk(arg, visit)
		}
	case *unaryNode:
		walk(v.operand, visit)
	case *binaryNode:
		walk(v.left, visit)
		walk(v.right, visit)
	}
}
