package expr

import (
	"fmt"
	"strings"
	"unicode"
)

// tokenKind identifies the lexical class of a token.
type tokenKind int

const (
	tokenEOF tokenKind = iota
	tokenIdent
	tokenNumber
	tokenString
	tokenDot
	tokenLBracket
	tokenRBracket
	tokenLParen
	tokenRParen
	tokenComma
	tokenBang
	tokenEq
	tokenNeq
	tokenAnd
	tokenOr
)

func (k tokenKind) String() string {
	switch k {
	case tokenEOF:
		return "end of expression"
	case tokenIdent:
		return "identifier"
	case tokenNumber:
		return "number"
	case tokenString:
		return "string"
	case tokenDot:
		return "'.'"
	case tokenLBracket:
		return "'['"
	case tokenRBracket:
		return "']'"
	case tokenLParen:
		return "'('"
	case tokenRParen:
		return "')'"
	case tokenComma:
		return "','"
	case tokenBang:
		return "'!'"
	case tokenEq:
		return "'=='"
	case tokenNeq:
		return "'!='"
	case tokenAnd:
		return "'&&'"
	case tokenOr:
		return "'||'"
	default:
		return "unknown token"
	}
}

// token is one lexical unit with its byte offset in the expression.
type token struct {
	kind tokenKind
	text string
	pos  int
}

// Error is a positioned expression error. Pos is the byte offset within the
// expression text where the problem was found.
type Error struct {
	// Expr is the expression text being evaluated.
	Expr string

	// Pos is the byte offset of the failure.
	Pos int

	// Message describes the failure.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("expression error at offset %d: %s", e.Pos, e.Message)
}

// Location renders the failure position for diagnostics.
func (e *Error) Location() string {
	return fmt.Sprintf("offset %d", e.Pos)
}

func errAt(expr string, pos int, format string, args ...any) *Error {
	return &Error{Expr: expr, Pos: pos, Message: fmt.Sprintf(format, args...)}
}

// lex tokenizes an expression. Single-quoted strings use '' to escape a
// literal quote, matching the workflow expression syntax.
func lex(input string) ([]token, error) {
	var tokens []token
	i := 0

	for i < len(input) {
		c := input[i]

		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++

		case c == '.':
			tokens = append(tokens, token{tokenDot, ".", i})
			i++
		case c == '[':
			tokens = append(tokens, token{tokenLBracket, "[", i})
			i++
		case c == ']':
			tokens = append(tokens, token{tokenRBracket, "]", i})
			i++
		case c == '(':
			tokens = append(tokens, token{tokenLParen, "(", i})
			i++
		case c == ')':
			tokens = append(tokens, token{tokenRParen, ")", i})
			i++
		case c == ',':
			tokens = append(tokens, token{tokenComma, ",", i})
			i++

		case c == '!':
			if i+1 < len(input) && input[i+1] == '=' {
				tokens = append(tokens, token{tokenNeq, "!=", i})
				i += 2
			} else {
				tokens = append(tokens, token{tokenBang, "!", i})
				i++
			}
		case c == '=':
			if i+1 < len(input) && input[i+1] == '=' {
				tokens = append(tokens, token{tokenEq, "==", i})
				i += 2
			} else {
				return nil, errAt(input, i, "unexpected '='; did you mean '=='?")
			}
		case c == '&':
			if i+1 < len(input) && input[i+1] == '&' {
				tokens = append(tokens, token{tokenAnd, "&&", i})
				i += 2
			} else {
				return nil, errAt(input, i, "unexpected '&'; did you mean '&&'?")
			}
		case c == '|':
			if i+1 < len(input) && input[i+1] == '|' {
				tokens = append(tokens, token{tokenOr, "||", i})
				i += 2
			} else {
				return nil, errAt(input, i, "unexpected '|'; did you mean '||'?")
			}

		case c == '\'':
			start := i
			i++
			var sb strings.Builder
			closed := false
			for i < len(input) {
				if input[i] == '\'' {
					if i+1 < len(input) && input[i+1] == '\'' {
						sb.WriteByte('\'')
						i += 2
						continue
					}
					i++
					closed = true
					break
				}
				sb.WriteByte(input[i])
				i++
			}
			if !closed {
				return nil, errAt(input, start, "unterminated string literal")
			}
			tokens = append(tokens, token{tokenString, sb.String(), start})

		case c >= '0' && c <= '9' || c == '-' && i+1 < len(input) && input[i+1] >= '0' && input[i+1] <= '9':
			start := i
			i++
			for i < len(input) && (input[i] >= '0' && input[i] <= '9' || input[i] == '.' || input[i] == 'e' || input[i] == 'E' || input[i] == '+' || input[i] == '-') {
				// Stop a trailing dot that begins property access.
				if input[i] == '.' && i+1 < len(input) && !isDigit(input[i+1]) {
					break
				}
				if (input[i] == '+' || input[i] == '-') && input[i-1] != 'e' && input[i-1] != 'E' {
					break
				}
				i++
			}
			tokens = append(tokens, token{tokenNumber, input[start:i], start})

		case isIdentStart(rune(c)):
			start := i
			for i < len(input) && isIdentPart(rune(input[i])) {
				i++
			}
			tokens = append(tokens, token{tokenIdent, input[start:i], start})

		default:
			return nil, errAt(input, i, "unexpected character %q", string(c))
		}
	}

	tokens = append(tokens, token{tokenEOF, "", len(input)})
	return tokens, nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(c rune) bool {
	return unicode.IsLetter(c) || c == '_'
}

func isIdentPart(c rune) bool {
	return unicode.IsLetter(c) || unicode.IsDigit(c) || c == '_' || c == '-'
}
