package mqi

import (
	"fmt"

	"github.com/zhubert/prolog-mqi/term"
)

// Binding associates one variable name with the term it was bound to.
type Binding struct {
	Name  string
	Value term.Term
}

// Solution is one successful unification: a mapping from variable names
// to terms. Bindings keep the order the engine produced them.
type Solution struct {
	bindings []Binding
}

// Get returns the term bound to name.
func (s Solution) Get(name string) (term.Term, bool) {
	for _, b := range s.bindings {
		if b.Name == name {
			return b.Value, true
		}
	}
	return term.Term{}, false
}

// Bindings returns the solution's bindings in engine order.
func (s Solution) Bindings() []Binding {
	return s.bindings
}

// Len returns the number of bindings.
func (s Solution) Len() int {
	return len(s.bindings)
}

// String renders the solution as comma-separated Name = Value pairs.
func (s Solution) String() string {
	if len(s.bindings) == 0 {
		return "true"
	}
	out := ""
	for i, b := range s.bindings {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%s = %s", b.Name, b.Value)
	}
	return out
}

// QueryResult is the outcome of a successful round trip for a
// synchronous query: either the goal failed, or it produced solutions.
// Engine exceptions surface as errors, not as a QueryResult.
type QueryResult struct {
	// Failed is true when the goal had no solutions.
	Failed bool

	// Solutions holds one entry per solution, in engine order. A
	// solution with no bindings (a ground goal that succeeded) is an
	// empty Solution.
	Solutions []Solution
}

// PollKind classifies one Poll outcome.
type PollKind int

const (
	// PollSolutions: the engine delivered one or more solutions.
	PollSolutions PollKind = iota

	// PollFailed: the goal failed without producing a solution.
	PollFailed

	// PollNotReady: no result was available within the wait window.
	// The query is still running.
	PollNotReady

	// PollNoMore: the result stream ended normally.
	PollNoMore
)

// String returns the kind name for diagnostics.
func (k PollKind) String() string {
	switch k {
	case PollSolutions:
		return "solutions"
	case PollFailed:
		return "failed"
	case PollNotReady:
		return "not ready"
	case PollNoMore:
		return "no more results"
	default:
		return fmt.Sprintf("poll kind %d", int(k))
	}
}

// PollResult is one outcome of polling an asynchronous query.
type PollResult struct {
	Kind      PollKind
	Solutions []Solution // set when Kind is PollSolutions
}

// replyKind classifies a decoded engine reply.
type replyKind int

const (
	replyTrue replyKind = iota
	replyFalse
	replyException
)

// engineReply is one decoded reply frame.
type engineReply struct {
	kind      replyKind
	solutions []Solution // replyTrue
	exception term.Term  // replyException
}

// exceptionAtom returns the exception's name when it is a plain atom,
// e.g. "time_limit_exceeded". Compound exceptions return false.
func (r engineReply) exceptionAtom() (string, bool) {
	return r.exception.AtomName()
}

// parseReply decodes one reply payload into its protocol meaning.
// Replies are JSON renderings of true(Solutions), false, or
// exception(Kind).
func parseReply(payload string) (engineReply, error) {
	t, err := term.DecodeJSON([]byte(payload))
	if err != nil {
		return engineReply{}, fmt.Errorf("reply is not a term: %w", err)
	}
	return classifyReply(t)
}

// classifyReply maps a decoded reply term onto its protocol meaning.
func classifyReply(t term.Term) (engineReply, error) {
	if args, ok := t.Match("true", 1); ok {
		solutions, err := parseSolutions(args[0])
		if err != nil {
			return engineReply{}, err
		}
		return engineReply{kind: replyTrue, solutions: solutions}, nil
	}

	if t.IsAtom("false") {
		return engineReply{kind: replyFalse}, nil
	}
	if _, ok := t.Match("false", 0); ok {
		return engineReply{kind: replyFalse}, nil
	}

	if args, ok := t.Match("exception", 1); ok {
		return engineReply{kind: replyException, exception: args[0]}, nil
	}

	return engineReply{}, fmt.Errorf("unrecognized reply %s", t)
}

// parseSolutions converts the argument of a true/1 reply into the
// solution list. The argument is a list of answers; each answer is a
// list of =/2 bindings.
func parseSolutions(t term.Term) ([]Solution, error) {
	answers, ok := t.ListItems()
	if !ok {
		return nil, fmt.Errorf("true reply argument is %s, not a list", t.Kind)
	}

	solutions := make([]Solution, 0, len(answers))
	for _, answer := range answers {
		bindings, ok := answer.ListItems()
		if !ok {
			return nil, fmt.Errorf("answer is %s, not a binding list", answer.Kind)
		}
		sol := Solution{bindings: make([]Binding, 0, len(bindings))}
		for _, b := range bindings {
			args, ok := b.Match("=", 2)
			if !ok {
				return nil, fmt.Errorf("binding %s is not an =/2 compound", b)
			}
			// The engine names the bound variable either as a variable
			// wrapper or as a bare atom; both carry the name.
			name, ok := args[0].Name()
			if !ok {
				return nil, fmt.Errorf("binding %s has no variable name", b)
			}
			sol.bindings = append(sol.bindings, Binding{Name: name, Value: args[1]})
		}
		solutions = append(solutions, sol)
	}
	return solutions, nil
}

// isAck reports whether solutions are the engine's bare acknowledgment
// true([[]]): one solution with no bindings.
func isAck(solutions []Solution) bool {
	return len(solutions) == 1 && solutions[0].Len() == 0
}
