// Package reducer represents the host's dynamic reducer contract (spec.md
// §9): the host supplies a function mapping a local command to either a
// change-producing function or "not handled". Modeling this as a tagged
// variant rather than a nullable function pointer keeps both arms of the
// contract explicit — a nil ChangeFunc is a programming error once Handled
// is true, not a second way to mean NotHandled.
package reducer

import "github.com/local-first-web/cevitxe/pkg/crdt"

// ChangeFunc produces the Changes a command should apply, given the
// document's current state.
type ChangeFunc func(doc *crdt.Document) ([]crdt.Change, error)

// Result is the tagged variant a Reducer returns: either Handled carries a
// ChangeFunc, or the command falls through to NotHandled.
type Result struct {
	handled bool
	change  ChangeFunc
}

// Handled wraps fn as a handled result.
func Handled(fn ChangeFunc) Result {
	return Result{handled: true, change: fn}
}

// NotHandled is the result for a command this reducer does not recognize.
var NotHandled = Result{handled: false}

// IsHandled reports which arm of the variant this Result holds.
func (r Result) IsHandled() bool { return r.handled }

// ChangeFunc returns the wrapped function. Calling it on a NotHandled
// Result panics, since that is always a caller bug: check IsHandled first.
func (r Result) ChangeFunc() ChangeFunc {
	if !r.handled {
		panic("reducer: ChangeFunc called on a NotHandled Result")
	}
	return r.change
}

// Reducer maps a host command to a Result. cmd is an opaque host-defined
// value; Reducer implementations type-switch on it.
type Reducer func(cmd any) Result

// Apply runs reducer over cmd and, if handled, computes and returns the
// Changes to apply against doc. It returns (nil, false, nil) for a command
// the reducer does not recognize.
func Apply(reducer Reducer, cmd any, doc *crdt.Document) ([]crdt.Change, bool, error) {
	result := reducer(cmd)
	if !result.IsHandled() {
		return nil, false, nil
	}
	changes, err := result.ChangeFunc()(doc)
	if err != nil {
		return nil, true, err
	}
	return changes, true, nil
}
