// Package packages turns filesystem package trees into immutable package
// objects: it scans module imports, resolves path and registry
// dependencies, and writes a lockfile.
package packages

import (
	"fmt"
	"strings"
	"unicode"
)

// Import records one specifier found in a module.
type Import struct {
	Specifier string
	Line      uint32
	Column    uint32
}

// Metadata is the optional exported metadata object literal.
type Metadata struct {
	Name    string
	Version string
}

// ScanResult is the static analysis of one module: its import specifiers
// (static, re-export, and dynamic), its tg.include arguments, and its
// metadata export.
type ScanResult struct {
	Imports  []Import
	Includes []Import
	Metadata *Metadata
}

// ScanError is a source-located analysis failure, raised for non-literal
// import or include forms.
type ScanError struct {
	Path    string
	Line    uint32
	Column  uint32
	Message string
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("%s:%d:%d: %s", e.Path, e.Line, e.Column, e.Message)
}

// Scan statically analyzes module source text. The scanner is a small
// token walker: it skips comments and strings so keywords inside them do
// not count, and it rejects non-literal specifiers with their location.
func Scan(path, source string) (*ScanResult, error) {
	s := &scanner{path: path, src: source, line: 1, column: 1}
	result := &ScanResult{}
	for !s.done() {
		s.skipTrivia()
		if s.done() {
			break
		}
		line, column := s.line, s.column
		word := s.word()
		switch {
		case word == "import":
			imp, err := s.importTail(line, column)
			if err != nil {
				return nil, err
			}
			if imp != nil {
				result.Imports = append(result.Imports, *imp)
			}
		case word == "export":
			imp, meta, err := s.exportTail()
			if err != nil {
				return nil, err
			}
			if imp != nil {
				result.Imports = append(result.Imports, *imp)
			}
			if meta != nil {
				result.Metadata = meta
			}
		case word == "tg" && s.peekOperator(".include"):
			inc, err := s.includeTail(line, column)
			if err != nil {
				return nil, err
			}
			result.Includes = append(result.Includes, *inc)
		case word == "":
			s.next()
		}
	}
	return result, nil
}

type scanner struct {
	path   string
	src    string
	pos    int
	line   uint32
	column uint32
}

func (s *scanner) done() bool { return s.pos >= len(s.src) }

func (s *scanner) peek() byte {
	if s.done() {
		return 0
	}
	return s.src[s.pos]
}

func (s *scanner) peekAt(offset int) byte {
	if s.pos+offset >= len(s.src) {
		return 0
	}
	return s.src[s.pos+offset]
}

func (s *scanner) next() byte {
	c := s.src[s.pos]
	s.pos++
	if c == '\n' {
		s.line++
		s.column = 1
	} else {
		s.column++
	}
	return c
}

func (s *scanner) errorf(line, column uint32, format string, args ...any) error {
	return &ScanError{Path: s.path, Line: line, Column: column, Message: fmt.Sprintf(format, args...)}
}

// skipTrivia advances over whitespace, comments, and string literals that
// are not interesting to the analysis.
func (s *scanner) skipTrivia() {
	for !s.done() {
		c := s.peek()
		switch {
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			s.next()
		case c == '/' && s.peekAt(1) == '/':
			for !s.done() && s.peek() != '\n' {
				s.next()
			}
		case c == '/' && s.peekAt(1) == '*':
			s.next()
			s.next()
			for !s.done() {
				if s.peek() == '*' && s.peekAt(1) == '/' {
					s.next()
					s.next()
					break
				}
				s.next()
			}
		default:
			return
		}
	}
}

// word consumes an identifier, or nothing when the next byte is not an
// identifier start (string literals are consumed and discarded so their
// contents cannot look like keywords).
func (s *scanner) word() string {
	c := s.peek()
	if c == '"' || c == '\'' || c == '`' {
		s.stringLiteral()
		return ""
	}
	if !isIdentStart(c) {
		return ""
	}
	start := s.pos
	for !s.done() && isIdentPart(s.peek()) {
		s.next()
	}
	return s.src[start:s.pos]
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || unicode.IsLetter(rune(c))
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

// stringLiteral consumes a quoted literal and returns its contents and
// whether it was a plain (non-template, non-interpolated) literal.
func (s *scanner) stringLiteral() (string, bool) {
	quote := s.next()
	var b strings.Builder
	plain := quote != '`'
	for !s.done() {
		c := s.next()
		if c == '\\' && !s.done() {
			b.WriteByte(s.next())
			continue
		}
		if c == quote {
			return b.String(), plain
		}
		if quote == '`' && c == '$' && s.peek() == '{' {
			plain = false
		}
		b.WriteByte(c)
	}
	return b.String(), false
}

// peekOperator reports whether the source continues exactly with op,
// consuming it when it does.
func (s *scanner) peekOperator(op string) bool {
	if strings.HasPrefix(s.src[s.pos:], op) {
		for range op {
			s.next()
		}
		return true
	}
	return false
}

// importTail handles the remainder of an import declaration or a dynamic
// import call after the "import" keyword.
func (s *scanner) importTail(line, column uint32) (*Import, error) {
	s.skipTrivia()
	// Dynamic import call.
	if s.peek() == '(' {
		s.next()
		s.skipTrivia()
		specLine, specColumn := s.line, s.column
		if c := s.peek(); c != '"' && c != '\'' {
			return nil, s.errorf(specLine, specColumn, "dynamic import requires a string literal specifier")
		}
		spec, plain := s.stringLiteral()
		if !plain {
			return nil, s.errorf(specLine, specColumn, "dynamic import requires a string literal specifier")
		}
		return &Import{Specifier: spec, Line: specLine, Column: specColumn}, nil
	}
	// Side-effect import: import "spec".
	if c := s.peek(); c == '"' || c == '\'' {
		specLine, specColumn := s.line, s.column
		spec, plain := s.stringLiteral()
		if !plain {
			return nil, s.errorf(specLine, specColumn, "import requires a string literal specifier")
		}
		return &Import{Specifier: spec, Line: specLine, Column: specColumn}, nil
	}
	// Named/default/namespace import: scan forward for "from".
	return s.fromClause(line, column)
}

// exportTail handles re-exports ("export ... from") and the metadata
// object literal.
func (s *scanner) exportTail() (*Import, *Metadata, error) {
	s.skipTrivia()
	mark := *s
	word := s.word()
	if word == "let" || word == "const" || word == "var" {
		s.skipTrivia()
		if s.word() == "metadata" {
			meta, err := s.metadataLiteral()
			return nil, meta, err
		}
		return nil, nil, nil
	}
	if word == "default" || word == "function" || word == "class" || word == "async" {
		return nil, nil, nil
	}
	// export * from "x" / export { a } from "x"
	*s = mark
	if s.peek() == '*' || s.peek() == '{' || word == "" {
		imp, err := s.fromClause(s.line, s.column)
		return imp, nil, err
	}
	return nil, nil, nil
}

// fromClause scans to the end of the statement looking for `from
// "spec"`. Returns nil when the clause has no from (e.g. export
// { local }). The clause ends at a semicolon, or at a newline outside a
// binding list, so a missing `from` never swallows the next statement.
func (s *scanner) fromClause(line, column uint32) (*Import, error) {
	_ = line
	_ = column
	depth := 0
	for !s.done() {
		s.skipInlineTrivia()
		if s.done() {
			break
		}
		c := s.peek()
		switch {
		case c == ';':
			return nil, nil
		case c == '\n':
			if depth == 0 {
				return nil, nil
			}
			s.next()
		case c == '{':
			depth++
			s.next()
		case c == '}':
			if depth > 0 {
				depth--
			}
			s.next()
		case c == '"' || c == '\'' || c == '`':
			s.stringLiteral()
		case isIdentStart(c):
			if s.word() == "from" {
				s.skipTrivia()
				specLine, specColumn := s.line, s.column
				cc := s.peek()
				if cc != '"' && cc != '\'' {
					return nil, s.errorf(specLine, specColumn, "import requires a string literal specifier")
				}
				spec, plain := s.stringLiteral()
				if !plain {
					return nil, s.errorf(specLine, specColumn, "import requires a string literal specifier")
				}
				return &Import{Specifier: spec, Line: specLine, Column: specColumn}, nil
			}
		default:
			s.next()
		}
	}
	return nil, nil
}

// skipInlineTrivia advances over spaces and comments but stops at a
// newline, which fromClause treats as a statement boundary.
func (s *scanner) skipInlineTrivia() {
	for !s.done() {
		c := s.peek()
		switch {
		case c == ' ' || c == '\t' || c == '\r':
			s.next()
		case c == '/' && s.peekAt(1) == '/':
			for !s.done() && s.peek() != '\n' {
				s.next()
			}
		case c == '/' && s.peekAt(1) == '*':
			s.next()
			s.next()
			for !s.done() {
				if s.peek() == '*' && s.peekAt(1) == '/' {
					s.next()
					s.next()
					break
				}
				s.next()
			}
		default:
			return
		}
	}
}

// includeTail parses the argument of tg.include(...). Only a single
// string literal is accepted.
func (s *scanner) includeTail(line, column uint32) (*Import, error) {
	s.skipTrivia()
	if s.peek() != '(' {
		return nil, s.errorf(line, column, "tg.include must be called directly")
	}
	s.next()
	s.skipTrivia()
	argLine, argColumn := s.line, s.column
	if c := s.peek(); c != '"' && c != '\'' {
		return nil, s.errorf(argLine, argColumn, "tg.include requires a single string literal argument")
	}
	arg, plain := s.stringLiteral()
	if !plain {
		return nil, s.errorf(argLine, argColumn, "tg.include requires a single string literal argument")
	}
	s.skipTrivia()
	if s.peek() != ')' {
		return nil, s.errorf(argLine, argColumn, "tg.include requires a single string literal argument")
	}
	s.next()
	return &Import{Specifier: arg, Line: argLine, Column: argColumn}, nil
}

// metadataLiteral parses the `metadata = { name: "...", version: "..." }`
// object literal shallowly.
func (s *scanner) metadataLiteral() (*Metadata, error) {
	s.skipTrivia()
	if s.peek() != '=' {
		return nil, nil
	}
	s.next()
	s.skipTrivia()
	line, column := s.line, s.column
	if s.peek() != '{' {
		return nil, s.errorf(line, column, "metadata must be an object literal")
	}
	s.next()
	meta := &Metadata{}
	for !s.done() {
		s.skipTrivia()
		if s.peek() == '}' {
			s.next()
			return meta, nil
		}
		key := s.word()
		if key == "" {
			// A quoted key.
			if c := s.peek(); c == '"' || c == '\'' {
				key, _ = s.stringLiteral()
			} else {
				s.next()
				continue
			}
		}
		s.skipTrivia()
		if s.peek() != ':' {
			continue
		}
		s.next()
		s.skipTrivia()
		valLine, valColumn := s.line, s.column
		if c := s.peek(); c == '"' || c == '\'' {
			val, plain := s.stringLiteral()
			if !plain {
				return nil, s.errorf(valLine, valColumn, "metadata values must be string literals")
			}
			switch key {
			case "name":
				meta.Name = val
			case "version":
				meta.Version = val
			}
		} else {
			// Skip a non-string value up to the next comma or brace.
			for !s.done() && s.peek() != ',' && s.peek() != '}' {
				s.next()
			}
		}
		s.skipTrivia()
		if s.peek() == ',' {
			s.next()
		}
	}
	return nil, s.errorf(line, column, "unterminated metadata literal")
}
