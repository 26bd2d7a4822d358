package target

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fleetwright/drover/internal/log"
)

// leafResolver resolves one parsed leaf expression to its minion set.
type leafResolver func(ctx context.Context, expr Expression, greedy bool) (MatchResult, error)

// compoundEvaluator evaluates boolean target expressions over minion sets.
// `and` binds tighter than `or`; `not` complements against the known-minion
// universe captured once at evaluation start. Evaluation is plain set
// arithmetic over an explicit syntax tree.
type compoundEvaluator struct {
	universe Set
	resolve  leafResolver
}

// Evaluate parses and evaluates a pre-tokenized compound expression. Any
// syntax error, unknown engine, or unexpanded N@ token fails the whole
// expression empty: compound correctness cannot be guaranteed with an
// unresolvable part.
func (ev *compoundEvaluator) Evaluate(ctx context.Context, tokens []string, greedy bool) (MatchResult, error) {
	root, err := parseCompound(tokens)
	if err != nil {
		log.Warn("invalid compound expression, matching nothing",
			"expression", strings.Join(tokens, " "), "reason", err.Error())
		return EmptyResult(), nil
	}

	result := EmptyResult()
	minions, err := ev.eval(ctx, root, greedy, &result)
	if err != nil {
		var infra *infraError
		if errors.As(err, &infra) {
			return EmptyResult(), infra.err
		}
		log.Warn("invalid compound expression, matching nothing",
			"expression", strings.Join(tokens, " "), "reason", err.Error())
		return EmptyResult(), nil
	}
	result.Minions = minions
	return result, nil
}

// TokenizeCompound splits a raw expression on whitespace.
func TokenizeCompound(raw string) []string {
	return strings.Fields(raw)
}

// ValidateCompound reports whether tokens form a syntactically valid
// expression with recognizable leaves, without evaluating it. Diagnostics
// only; Evaluate stays fail-empty on the same inputs.
func ValidateCompound(tokens []string) error {
	node, err := parseCompound(tokens)
	if err != nil {
		return err
	}
	return validateLeaves(node)
}

func validateLeaves(node compoundNode) error {
	switch n := node.(type) {
	case leafNode:
		if _, err := ParseToken(n.token); err != nil {
			return err
		}
	case andNode:
		if err := validateLeaves(n.left); err != nil {
			return err
		}
		return validateLeaves(n.right)
	case orNode:
		if err := validateLeaves(n.left); err != nil {
			return err
		}
		return validateLeaves(n.right)
	case notNode:
		return validateLeaves(n.operand)
	}
	return nil
}

// Expression syntax tree.

type compoundNode interface {
	isNode()
}

type leafNode struct{ token string }
type andNode struct{ left, right compoundNode }
type orNode struct{ left, right compoundNode }
type notNode struct{ operand compoundNode }

func (leafNode) isNode() {}
func (andNode) isNode()  {}
func (orNode) isNode()   {}
func (notNode) isNode()  {}

// parseCompound builds the tree by recursive descent:
//
//	expr    := and ("or" and)*
//	and     := unary ("and" unary)*
//	unary   := "not" unary | primary
//	primary := "(" expr ")" | leaf
//
// which makes `not` legal only leading, after an operator, or after "(", and
// rejects unmatched parentheses and adjacent primaries.
func parseCompound(tokens []string) (compoundNode, error) {
	p := &compoundParser{tokens: tokens}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.tokens) {
		return nil, fmt.Errorf("unexpected token %q", p.tokens[p.pos])
	}
	return node, nil
}

type compoundParser struct {
	tokens []string
	pos    int
}

func (p *compoundParser) peek() (string, bool) {
	if p.pos >= len(p.tokens) {
		return "", false
	}
	return p.tokens[p.pos], true
}

func (p *compoundParser) parseOr() (compoundNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		tok, ok := p.peek()
		if !ok || tok != "or" {
			return left, nil
		}
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orNode{left, right}
	}
}

func (p *compoundParser) parseAnd() (compoundNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		tok, ok := p.peek()
		if !ok || tok != "and" {
			return left, nil
		}
		p.pos++
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = andNode{left, right}
	}
}

func (p *compoundParser) parseUnary() (compoundNode, error) {
	tok, ok := p.peek()
	if !ok {
		return nil, fmt.Errorf("expression ends where a target was expected")
	}
	if tok == "not" {
		p.pos++
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{operand}, nil
	}
	return p.parsePrimary()
}

func (p *compoundParser) parsePrimary() (compoundNode, error) {
	tok, ok := p.peek()
	if !ok {
		return nil, fmt.Errorf("expression ends where a target was expected")
	}
	switch tok {
	case "(":
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		closing, ok := p.peek()
		if !ok || closing != ")" {
			return nil, fmt.Errorf("unbalanced parenthesis")
		}
		p.pos++
		return inner, nil
	case ")", "and", "or":
		return nil, fmt.Errorf("unexpected %q where a target was expected", tok)
	default:
		p.pos++
		return leafNode{token: tok}, nil
	}
}

// eval computes the minion set for a subtree. Missing accumulates into the
// shared result as leaves resolve.
func (ev *compoundEvaluator) eval(ctx context.Context, node compoundNode, greedy bool, acc *MatchResult) (Set, error) {
	switch n := node.(type) {
	case leafNode:
		expr, err := ParseToken(n.token)
		if err != nil {
			return nil, err
		}
		if expr.Kind == KindNodegroup {
			return nil, fmt.Errorf("unexpanded nodegroup token %q", n.token)
		}
		res, err := ev.resolve(ctx, expr, greedy)
		if err != nil {
			if errors.Is(err, errUnresolvableLeaf) {
				return nil, err
			}
			return nil, &infraError{err: err}
		}
		for id := range res.Missing {
			acc.Missing.Add(id)
		}
		return res.Minions, nil
	case andNode:
		left, err := ev.eval(ctx, n.left, greedy, acc)
		if err != nil {
			return nil, err
		}
		right, err := ev.eval(ctx, n.right, greedy, acc)
		if err != nil {
			return nil, err
		}
		return left.Intersect(right), nil
	case orNode:
		left, err := ev.eval(ctx, n.left, greedy, acc)
		if err != nil {
			return nil, err
		}
		right, err := ev.eval(ctx, n.right, greedy, acc)
		if err != nil {
			return nil, err
		}
		return left.Union(right), nil
	case notNode:
		operand, err := ev.eval(ctx, n.operand, greedy, acc)
		if err != nil {
			return nil, err
		}
		return ev.universe.Diff(operand), nil
	default:
		return nil, fmt.Errorf("unhandled expression node %T", node)
	}
}

// errUnresolvableLeaf marks a leaf no registered engine can answer.
var errUnresolvableLeaf = errors.New("unresolvable target leaf")

// infraError marks a collaborator failure that must propagate instead of
// degrading to an empty match.
type infraError struct{ err error }

func (e *infraError) Error() string { return e.err.Error() }
func (e *infraError) Unwrap() error { return e.err }
