// Package expr evaluates workflow condition expressions of the form
// ${{ github.ref == 'refs/heads/main' && success() }} against a typed
// context bundle. The grammar supports dotted and bracketed property access,
// function calls, equality comparison, and short-circuit boolean operators.
// Evaluation is pure: the same expression against the same context always
// yields the same result with no observable side effects, except that secret
// values touched during evaluation are reported to the masking registry.
package expr
