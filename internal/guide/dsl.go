// Package guide implements the Guide condition/action mini-language: a
// small tokenizer feeding tagged-variant ASTs, so the grammar is testable
// without a store or reasoner.
//
// Conditions are clauses joined by '&' (logical AND only):
//
//	priority > 0.5 & tags =~ urgent & metadata.status != failed
//
// with the shorthands "tag=name" and "type=name". Actions are a single
// command, "command=value" or "command:value" (colon form when the value
// itself contains '='):
//
//	add_tag=chore
//	set:priority=0.9
//	link_to=<targetId>:related
//	run_tool=get_suggestions:{}
//
// A malformed clause or unknown command parses into an Invalid variant; the
// evaluator treats it as false / no-effect and logs it, never raising.
package guide

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

// Op is a comparison operator.
type Op int

const (
	OpEq Op = iota // =
	OpNe           // !=
	OpGt           // >
	OpLt           // <
	OpGe           // >=
	OpLe           // <=
	OpContains     // =~
	OpNotContains  // !~
)

var opNames = map[Op]string{
	OpEq: "=", OpNe: "!=", OpGt: ">", OpLt: "<",
	OpGe: ">=", OpLe: "<=", OpContains: "=~", OpNotContains: "!~",
}

func (o Op) String() string { return opNames[o] }

// ClauseKind tags the clause variants.
type ClauseKind int

const (
	// ClauseInvalid marks a clause that failed to parse. It always
	// evaluates false.
	ClauseInvalid ClauseKind = iota

	// ClauseField compares a top-level or metadata field against a value.
	ClauseField

	// ClauseTags tests tag-set membership.
	ClauseTags
)

// Clause is one condition term.
type Clause struct {
	Kind ClauseKind

	// Field clauses
	Key  string // field name, without the metadata. prefix
	Meta bool   // key was written as metadata.<name>
	Op   Op
	Value string

	// Invalid clauses
	Raw string
	Err error
}

// Condition is a parsed conjunction of clauses.
type Condition struct {
	Clauses []Clause
}

// ParseCondition parses a condition string. Malformed clauses are kept as
// ClauseInvalid variants rather than failing the whole condition.
func ParseCondition(input string) Condition {
	var cond Condition
	for _, raw := range splitClauses(input) {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		cond.Clauses = append(cond.Clauses, parseClause(raw))
	}
	return cond
}

// splitClauses splits on '&' outside of quotes.
func splitClauses(input string) []string {
	var out []string
	var b strings.Builder
	var quote rune
	for _, r := range input {
		switch {
		case quote != 0:
			b.WriteRune(r)
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
			b.WriteRune(r)
		case r == '&':
			out = append(out, b.String())
			b.Reset()
		default:
			b.WriteRune(r)
		}
	}
	out = append(out, b.String())
	return out
}

func parseClause(raw string) Clause {
	lex := newLexer(raw)

	key, ok := lex.ident()
	if !ok {
		return invalidClause(raw, fmt.Errorf("expected field name"))
	}
	op, ok := lex.operator()
	if !ok {
		return invalidClause(raw, fmt.Errorf("expected operator after %q", key))
	}
	value, ok := lex.value()
	if !ok {
		return invalidClause(raw, fmt.Errorf("expected value after %q %s", key, op))
	}
	if !lex.atEnd() {
		return invalidClause(raw, fmt.Errorf("trailing input after value"))
	}

	// Shorthands: tag=<name> and the tags pseudo-field are membership tests.
	if key == "tag" || key == "tags" {
		switch op {
		case OpEq, OpContains, OpNe, OpNotContains:
			return Clause{Kind: ClauseTags, Op: op, Value: value}
		default:
			return invalidClause(raw, fmt.Errorf("operator %s not valid for tags", op))
		}
	}

	clause := Clause{Kind: ClauseField, Key: key, Op: op, Value: value}
	if name, found := strings.CutPrefix(key, "metadata."); found {
		clause.Key = name
		clause.Meta = true
	}
	return clause
}

func invalidClause(raw string, err error) Clause {
	return Clause{Kind: ClauseInvalid, Raw: raw, Err: err}
}

// lexer is a minimal single-clause scanner.
type lexer struct {
	runes []rune
	pos   int
}

func newLexer(input string) *lexer {
	return &lexer{runes: []rune(input)}
}

func (l *lexer) skipSpace() {
	for l.pos < len(l.runes) && unicode.IsSpace(l.runes[l.pos]) {
		l.pos++
	}
}

func (l *lexer) atEnd() bool {
	l.skipSpace()
	return l.pos >= len(l.runes)
}

// ident scans a field name: letters, digits, '_' and '.'.
func (l *lexer) ident() (string, bool) {
	l.skipSpace()
	start := l.pos
	for l.pos < len(l.runes) {
		r := l.runes[l.pos]
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '.' {
			l.pos++
			continue
		}
		break
	}
	if l.pos == start {
		return "", false
	}
	return string(l.runes[start:l.pos]), true
}

// operator scans one of = != > < >= <= =~ !~, longest match first.
func (l *lexer) operator() (Op, bool) {
	l.skipSpace()
	rest := string(l.runes[l.pos:])
	for _, cand := range []struct {
		text string
		op   Op
	}{
		{"!=", OpNe}, {"!~", OpNotContains}, {">=", OpGe}, {"<=", OpLe},
		{"=~", OpContains}, {"=", OpEq}, {">", OpGt}, {"<", OpLt},
	} {
		if strings.HasPrefix(rest, cand.text) {
			l.pos += len(cand.text)
			return cand.op, true
		}
	}
	return 0, false
}

// value scans a quoted or bare value running to the end of the clause.
func (l *lexer) value() (string, bool) {
	l.skipSpace()
	if l.pos >= len(l.runes) {
		return "", false
	}
	if q := l.runes[l.pos]; q == '\'' || q == '"' {
		l.pos++
		start := l.pos
		for l.pos < len(l.runes) && l.runes[l.pos] != q {
			l.pos++
		}
		if l.pos >= len(l.runes) {
			return "", false // unterminated quote
		}
		v := string(l.runes[start:l.pos])
		l.pos++
		return v, true
	}
	start := l.pos
	l.pos = len(l.runes)
	return strings.TrimSpace(string(l.runes[start:])), true
}

// CommandKind tags the action variants.
type CommandKind int

const (
	// CmdInvalid marks an unknown or malformed action. Applying it is a
	// logged no-effect.
	CmdInvalid CommandKind = iota

	// CmdSet sets a top-level field or metadata.<key>.
	CmdSet

	// CmdAddTag adds a tag if absent.
	CmdAddTag

	// CmdRemoveTag removes a tag if present.
	CmdRemoveTag

	// CmdCreateTask enqueues a tool run that spawns a linked child Thought.
	CmdCreateTask

	// CmdLinkTo adds a link when the target exists and the link is new.
	CmdLinkTo

	// CmdRunTool enqueues an arbitrary registered tool.
	CmdRunTool
)

// Command is a parsed Guide action.
type Command struct {
	Kind CommandKind

	// CmdSet
	Key   string
	Meta  bool
	Value string

	// CmdAddTag / CmdRemoveTag
	Tag string

	// CmdCreateTask
	Content string

	// CmdLinkTo
	Target       string
	Relationship string

	// CmdRunTool
	Tool   string
	Params map[string]any

	// CmdInvalid
	Raw string
	Err error
}

// ParseAction parses a single action command. The command name runs to the
// first '=' or ':'; the rest is the command's value.
func ParseAction(input string) Command {
	input = strings.TrimSpace(input)
	sep := strings.IndexAny(input, "=:")
	if sep <= 0 {
		return invalidCommand(input, fmt.Errorf("expected command=value or command:value"))
	}
	name := strings.TrimSpace(input[:sep])
	value := strings.TrimSpace(input[sep+1:])

	switch name {
	case "set":
		eq := strings.Index(value, "=")
		if eq <= 0 {
			return invalidCommand(input, fmt.Errorf("set requires key=value, got %q", value))
		}
		cmd := Command{Kind: CmdSet, Key: strings.TrimSpace(value[:eq]), Value: strings.TrimSpace(value[eq+1:])}
		if metaKey, found := strings.CutPrefix(cmd.Key, "metadata."); found {
			cmd.Key = metaKey
			cmd.Meta = true
		}
		return cmd

	case "add_tag":
		if value == "" {
			return invalidCommand(input, fmt.Errorf("add_tag requires a tag"))
		}
		return Command{Kind: CmdAddTag, Tag: value}

	case "remove_tag":
		if value == "" {
			return invalidCommand(input, fmt.Errorf("remove_tag requires a tag"))
		}
		return Command{Kind: CmdRemoveTag, Tag: value}

	case "create_task":
		if value == "" {
			return invalidCommand(input, fmt.Errorf("create_task requires task content"))
		}
		return Command{Kind: CmdCreateTask, Content: value}

	case "link_to":
		target, rel, found := strings.Cut(value, ":")
		if !found || target == "" || rel == "" {
			return invalidCommand(input, fmt.Errorf("link_to requires target:relationship, got %q", value))
		}
		return Command{Kind: CmdLinkTo, Target: strings.TrimSpace(target), Relationship: strings.TrimSpace(rel)}

	case "run_tool":
		toolName, paramsJSON, _ := strings.Cut(value, ":")
		toolName = strings.TrimSpace(toolName)
		if toolName == "" {
			return invalidCommand(input, fmt.Errorf("run_tool requires a tool name"))
		}
		cmd := Command{Kind: CmdRunTool, Tool: toolName}
		paramsJSON = strings.TrimSpace(paramsJSON)
		if paramsJSON != "" {
			if err := json.Unmarshal([]byte(paramsJSON), &cmd.Params); err != nil {
				return invalidCommand(input, fmt.Errorf("run_tool params: %w", err))
			}
		}
		return cmd

	default:
		return invalidCommand(input, fmt.Errorf("unknown command %q", name))
	}
}

func invalidCommand(raw string, err error) Command {
	return Command{Kind: CmdInvalid, Raw: raw, Err: err}
}
