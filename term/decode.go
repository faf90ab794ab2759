package term

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// DecodeJSON parses one engine answer payload into a Term tree.
//
// Mapping rules:
//
//   - JSON string → Atom (the session layer decides when a string in
//     binding position names a variable)
//   - JSON number → Integer when it has no fraction or exponent,
//     Float otherwise; integers keep arbitrary precision
//   - JSON array → List
//   - JSON object {"functor": F, "args": [...]} → Compound, except the
//     engine's variable wrapper {"functor": "variable", "args": [Name]}
//     which becomes Variable(Name)
//   - the atom "[]" and the array [] both normalize to the empty List
func DecodeJSON(data []byte) (Term, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return Term{}, fmt.Errorf("decoding answer JSON: %w", err)
	}
	return fromJSON(v)
}

func fromJSON(v any) (Term, error) {
	switch val := v.(type) {
	case string:
		if val == "[]" {
			return List(), nil
		}
		return Atom(val), nil

	case json.Number:
		return numberTerm(val)

	case bool:
		// Engines encode the atoms true/false as JSON booleans in some
		// positions. Keep them as atoms.
		if val {
			return Atom("true"), nil
		}
		return Atom("false"), nil

	case []any:
		items := make([]Term, 0, len(val))
		for _, item := range val {
			t, err := fromJSON(item)
			if err != nil {
				return Term{}, err
			}
			items = append(items, t)
		}
		return List(items...), nil

	case map[string]any:
		return compoundTerm(val)

	case nil:
		return Term{}, fmt.Errorf("unexpected JSON null in answer")

	default:
		return Term{}, fmt.Errorf("unexpected JSON value %T in answer", v)
	}
}

func numberTerm(n json.Number) (Term, error) {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		i := new(big.Int)
		if _, ok := i.SetString(s, 10); ok {
			return BigInteger(i), nil
		}
		// Digits only but not parseable as an integer; fall through.
	}
	f, err := n.Float64()
	if err != nil {
		return Term{}, fmt.Errorf("unparseable number %q in answer: %w", s, err)
	}
	return Float(f), nil
}

func compoundTerm(obj map[string]any) (Term, error) {
	functorVal, ok := obj["functor"]
	if !ok {
		return Term{}, fmt.Errorf("JSON object without functor in answer")
	}
	functor, ok := functorVal.(string)
	if !ok {
		return Term{}, fmt.Errorf("non-string functor %v in answer", functorVal)
	}

	rawArgs, ok := obj["args"].([]any)
	if !ok {
		return Term{}, fmt.Errorf("compound %q without args list", functor)
	}

	// The engine wraps unbound variables as variable(Name).
	if functor == "variable" && len(rawArgs) == 1 {
		if name, ok := rawArgs[0].(string); ok {
			return Variable(name), nil
		}
	}

	args := make([]Term, 0, len(rawArgs))
	for _, raw := range rawArgs {
		t, err := fromJSON(raw)
		if err != nil {
			return Term{}, err
		}
		args = append(args, t)
	}
	return Compound(functor, args...), nil
}

// EncodeJSON renders t back into the engine's JSON answer shape. The
// codec round-trips: DecodeJSON(EncodeJSON(t)) is structurally equal
// to t for any tree the decoder can produce.
func EncodeJSON(t Term) ([]byte, error) {
	return json.Marshal(toJSON(t))
}

func toJSON(t Term) any {
	switch t.Kind {
	case KindAtom:
		return t.Text
	case KindString:
		return t.Text
	case KindVariable:
		return map[string]any{"functor": "variable", "args": []any{t.Text}}
	case KindInteger:
		if t.Int == nil {
			return json.Number("0")
		}
		return json.Number(t.Int.String())
	case KindFloat:
		// Whole-valued floats keep an explicit decimal point so the
		// round trip does not demote them to integers.
		s := strconv.FormatFloat(t.Fl, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		return json.Number(s)
	case KindList:
		items := make([]any, 0, len(t.Items))
		for _, item := range t.Items {
			items = append(items, toJSON(item))
		}
		return items
	case KindCompound:
		args := make([]any, 0, len(t.Args))
		for _, arg := range t.Args {
			args = append(args, toJSON(arg))
		}
		return map[string]any{"functor": t.Functor, "args": args}
	default:
		return nil
	}
}
