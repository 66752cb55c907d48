package expr

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// statusFunctions are the pseudo-functions that override the implicit
// success() check on conditions.
var statusFunctions = map[string]bool{
	"success":   true,
	"failure":   true,
	"cancelled": true,
	"always":    true,
}

// secretBag marks the secrets context root so that property access resolves
// through the SecretResolver instead of a plain map.
type secretBag struct {
	resolver SecretResolver
}

// Evaluator evaluates workflow expressions against a context bundle.
type Evaluator struct{}

// New creates an expression evaluator.
func New() *Evaluator {
	return &Evaluator{}
}

// Evaluate evaluates an expression and returns its value. A surrounding
// ${{ }} wrapper is stripped first.
func (e *Evaluator) Evaluate(expression string, ctx *Context) (any, error) {
	stripped := Strip(expression)
	if stripped == "" {
		return nil, errAt(expression, 0, "empty expression")
	}

	root, err := parse(stripped)
	if err != nil {
		return nil, err
	}

	ev := &evalState{expr: stripped, ctx: ctx}
	return ev.eval(root)
}

// EvaluateCondition evaluates a job or step `if` expression to a boolean.
// An empty expression means the implicit success() check. An expression that
// references none of the status pseudo-functions has success() ANDed in;
// referencing always()/failure()/cancelled()/success() overrides the default.
func (e *Evaluator) EvaluateCondition(expression string, ctx *Context) (bool, error) {
	stripped := Strip(expression)
	if stripped == "" {
		return ctx.Status.Success, nil
	}

	root, err := parse(stripped)
	if err != nil {
		return false, err
	}

	explicit := false
	walk(root, func(n node) {
		if call, ok := n.(*callNode); ok && statusFunctions[call.name] {
			explicit = true
		}
	})

	if !explicit && !ctx.Status.Success {
		return false, nil
	}

	ev := &evalState{expr: stripped, ctx: ctx}
	result, err := ev.eval(root)
	if err != nil {
		return false, err
	}
	return truthy(result), nil
}

// UsesStatusFunction reports whether the expression explicitly references a
// status pseudo-function. Used by the scheduler to decide whether a
// dependent of a failed need may still run.
func UsesStatusFunction(expression string) (bool, error) {
	stripped := Strip(expression)
	if stripped == "" {
		return false, nil
	}
	root, err := parse(stripped)
	if err != nil {
		return false, err
	}
	found := false
	walk(root, func(n node) {
		if call, ok := n.(*callNode); ok && statusFunctions[call.name] {
			found = true
		}
	})
	return found, nil
}

// evalState carries per-evaluation state through the tree walk.
type evalState struct {
	expr string
	ctx  *Context
}

func (ev *evalState) eval(n node) (any, error) {
	switch v := n.(type) {
	case *literalNode:
		return v.value, nil

	case *identNode:
		return ev.resolveRoot(v)

	case *propertyNode:
		return ev.evalProperty(v)

	case *callNode:
		return ev.evalCall(v)

	case *unaryNode:
		operand, err := ev.eval(v.operand)
		if err != nil {
			return nil, err
		}
		return !truthy(operand), nil

	case *binaryNode:
		return ev.evalBinary(v)

	default:
		return nil, errAt(ev.expr, n.pos(), "internal: unknown node type")
	}
}

// resolveRoot resolves a bare identifier to a context root.
func (ev *evalState) resolveRoot(n *identNode) (any, error) {
	switch n.name {
	case "github":
		return anyMap(ev.ctx.GitHub), nil
	case "env":
		return stringMapToAny(ev.ctx.Env), nil
	case "matrix":
		return anyMap(ev.ctx.Matrix), nil
	case "runner":
		return stringMapToAny(ev.ctx.Runner), nil
	case "job":
		return map[string]any{"status": ev.ctx.Job.Status}, nil
	case "needs":
		out := make(map[string]any, len(ev.ctx.Needs))
		for id, need := range ev.ctx.Needs {
			out[id] = map[string]any{
				"result":  need.Result,
				"outputs": stringMapToAny(need.Outputs),
			}
		}
		return out, nil
	case "steps":
		out := make(map[string]any, len(ev.ctx.Steps))
		for id, step := range ev.ctx.Steps {
			out[id] = map[string]any{
				"outcome":    step.Outcome,
				"conclusion": step.Conclusion,
				"outputs":    stringMapToAny(step.Outputs),
			}
		}
		return out, nil
	case "secrets":
		if ev.ctx.Secrets == nil {
			return secretBag{}, nil
		}
		return secretBag{resolver: ev.ctx.Secrets}, nil
	default:
		return nil, errAt(ev.expr, n.at, "unknown context %q", n.name)
	}
}

// evalProperty resolves dotted or bracketed access against maps, arrays,
// and the secrets bag. A missing property yields null, matching workflow
// expression semantics; only structural misuse is an error.
func (ev *evalState) evalProperty(n *propertyNode) (any, error) {
	target, err := ev.eval(n.target)
	if err != nil {
		return nil, err
	}
	key, err := ev.eval(n.key)
	if err != nil {
		return nil, err
	}

	switch t := target.(type) {
	case secretBag:
		name, ok := key.(string)
		if !ok {
			return nil, errAt(ev.expr, n.at, "secret names must be strings")
		}
		if t.resolver == nil {
			return nil, nil
		}
		value, found := t.resolver.Resolve(name)
		if !found {
			return nil, nil
		}
		return value, nil

	case map[string]any:
		name, ok := key.(string)
		if !ok {
			return nil, errAt(ev.expr, n.at, "property keys must be strings")
		}
		return t[name], nil

	case []any:
		idx, ok := key.(float64)
		if !ok {
			return nil, errAt(ev.expr, n.at, "array index must be a number")
		}
		i := int(idx)
		if i < 0 || i >= len(t) {
			return nil, nil
		}
		return t[i], nil

	case nil:
		return nil, nil

	default:
		return nil, errAt(ev.expr, n.at, "cannot access properties of %s", typeName(target))
	}
}

func (ev *evalState) evalCall(n *callNode) (any, error) {
	switch n.name {
	case "success":
		if err := ev.checkArity(n, 0); err != nil {
			return nil, err
		}
		return ev.ctx.Status.Success, nil
	case "failure":
		if err := ev.checkArity(n, 0); err != nil {
			return nil, err
		}
		return ev.ctx.Status.Failure, nil
	case "cancelled":
		if err := ev.checkArity(n, 0); err != nil {
			return nil, err
		}
		return ev.ctx.Status.Cancelled, nil
	case "always":
		if err := ev.checkArity(n, 0); err != nil {
			return nil, err
		}
		return true, nil

	case "contains":
		if err := ev.checkArity(n, 2); err != nil {
			return nil, err
		}
		haystack, err := ev.eval(n.args[0])
		if err != nil {
			return nil, err
		}
		needle, err := ev.eval(n.args[1])
		if err != nil {
			return nil, err
		}
		return contains(haystack, needle), nil

	case "startsWith":
		if err := ev.checkArity(n, 2); err != nil {
			return nil, err
		}
		s, err := ev.eval(n.args[0])
		if err != nil {
			return nil, err
		}
		prefix, err := ev.eval(n.args[1])
		if err != nil {
			return nil, err
		}
		return strings.HasPrefix(stringify(s), stringify(prefix)), nil

	case "hashFiles":
		if len(n.args) == 0 {
			return nil, errAt(ev.expr, n.at, "hashFiles requires at least one pattern")
		}
		patterns := make([]string, 0, len(n.args))
		for _, arg := range n.args {
			v, err := ev.eval(arg)
			if err != nil {
				return nil, err
			}
			patterns = append(patterns, stringify(v))
		}
		sum, err := hashFiles(ev.ctx.WorkspaceDir, patterns)
		if err != nil {
			return nil, errAt(ev.expr, n.at, "hashFiles: %v", err)
		}
		return sum, nil

	default:
		return nil, errAt(ev.expr, n.at, "unknown function %q", n.name)
	}
}

func (ev *evalState) checkArity(n *callNode, want int) error {
	if len(n.args) != want {
		return errAt(ev.expr, n.at, "%s expects %d argument(s), got %d", n.name, want, len(n.args))
	}
	return nil
}

// evalBinary applies ==, !=, &&, || with left-to-right short-circuit
// evaluation for the boolean operators.
func (ev *evalState) evalBinary(n *binaryNode) (any, error) {
	left, err := ev.eval(n.left)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case tokenAnd:
		if !truthy(left) {
			return left, nil
		}
		return ev.eval(n.right)
	case tokenOr:
		if truthy(left) {
			return left, nil
		}
		return ev.eval(n.right)
	}

	right, err := ev.eval(n.right)
	if err != nil {
		return nil, err
	}

	equal := valuesEqual(left, right)
	if n.op == tokenNeq {
		return !equal, nil
	}
	return equal, nil
}

// valuesEqual compares two values. Numeric coercion applies only when both
// operands parse as numbers; string comparison is case-sensitive.
func valuesEqual(a, b any) bool {
	if af, aok := asNumber(a); aok {
		if bf, bok := asNumber(b); bok {
			return af == bf
		}
	}

	switch av := a.(type) {
	case nil:
		return b == nil
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	default:
		return false
	}
}

// asNumber reports whether a value is, or parses as, a number.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// truthy applies workflow expression truthiness: false, null, empty string,
// and zero are false; everything else is true.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	default:
		return true
	}
}

// contains handles both string containment and array membership.
func contains(haystack, needle any) bool {
	if arr, ok := haystack.([]any); ok {
		for _, item := range arr {
			if valuesEqual(item, needle) {
				return true
			}
		}
		return false
	}
	return strings.Contains(stringify(haystack), stringify(needle))
}

// stringify renders a value the way string functions observe it.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func typeName(v any) string {
	switch v.(type) {
	case string:
		return "a string"
	case float64, int:
		return "a number"
	case bool:
		return "a boolean"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// hashFiles computes a combined SHA-256 over every file matching the given
// glob patterns under root, in sorted path order. No matches yield the
// empty string.
func hashFiles(root string, patterns []string) (string, error) {
	var paths []string
	seen := make(map[string]bool)

	for _, pattern := range patterns {
		matches, err := filepath.Glob(filepath.Join(root, pattern))
		if err != nil {
			return "", fmt.Errorf("bad pattern %q: %w", pattern, err)
		}
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil || info.IsDir() {
				continue
			}
			if !seen[m] {
				seen[m] = true
				paths = append(paths, m)
			}
		}
	}

	if len(paths) == 0 {
		return "", nil
	}
	sort.Strings(paths)

	combined := sha256.New()
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return "", err
		}
		fileHash := sha256.New()
		if _, err := io.Copy(fileHash, f); err != nil {
			_ = f.Close()
			return "", err
		}
		_ = f.Close()
		combined.Write(fileHash.Sum(nil))
	}

	return hex.EncodeToString(combined.Sum(nil)), nil
}

// anyMap guards against nil context maps.
func anyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func stringMapToAny(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
