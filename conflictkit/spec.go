package conflictkit

import (
	"strings"

	"github.com/c0deZ3R0/go-conflict-kit/document"
)

// Spec is a predicate used to match documents to policy rules. Combinators
// build complex match logic from small, testable pieces.
type Spec func(*document.Document) bool

// And returns a spec that requires both specs to match.
func And(a, b Spec) Spec {
	return func(d *document.Document) bool { return a != nil && b != nil && a(d) && b(d) }
}

// Or returns a spec that requires at least one spec to match.
func Or(a, b Spec) Spec {
	return func(d *document.Document) bool { return (a != nil && a(d)) || (b != nil && b(d)) }
}

// Not returns a spec that negates the provided spec.
func Not(a Spec) Spec { return func(d *document.Document) bool { return a == nil || !a(d) } }

// Always matches every document.
func Always() Spec { return func(*document.Document) bool { return true } }

// TypeIs matches a document type, ignoring case.
func TypeIs(t string) Spec { return TypeIn(t) }

// TypeIn matches when the document type is one of types, ignoring case.
func TypeIn(types ...string) Spec {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}
	return func(d *document.Document) bool {
		if d == nil {
			return false
		}
		_, ok := set[strings.ToLower(d.Type)]
		return ok
	}
}

// FlagSet matches when the boolean field is true.
func FlagSet(field string) Spec {
	return func(d *document.Document) bool { return d.Flag(field) }
}
