package runner

import (
	"errors"
	"fmt"
	"sort"
)

// Flags is the modifier set accumulated by a Chain.
type Flags struct {
	Type    Type
	Serial  bool
	Only    bool
	Skip    bool
	Todo    bool
	Failing bool
	Always  bool
}

func (f Flags) String() string {
	s := "test"
	if f.Type != TypeTest && f.Type != "" {
		s += "." + string(f.Type)
	}
	for _, m := range []struct {
		on   bool
		name string
	}{
		{f.Serial, "serial"},
		{f.Always, "always"},
		{f.Failing, "failing"},
		{f.Only, "only"},
		{f.Skip, "skip"},
		{f.Todo, "todo"},
	} {
		if m.on {
			s += "." + m.name
		}
	}
	return s
}

// ValidateFlags reports whether a modifier combination may declare a task.
func ValidateFlags(f Flags) error {
	switch f.Type {
	case TypeTest, TypeBefore, TypeBeforeEach, TypeAfter, TypeAfterEach:
	default:
		return fmt.Errorf("unknown task type %q", f.Type)
	}

	if f.Only && f.Skip {
		return errors.New("`only` and `skip` cannot be combined")
	}
	if f.Always && f.Type != TypeAfter && f.Type != TypeAfterEach {
		return errors.New("`always` can only be used with `after` and `afterEach`")
	}
	if f.Type.IsHook() {
		switch {
		case f.Only:
			return errors.New("`only` cannot be used with hooks")
		case f.Failing:
			return errors.New("`failing` cannot be used with hooks")
		case f.Todo:
			return errors.New("`todo` cannot be used with hooks")
		}
	}
	if f.Todo && (f.Only || f.Skip || f.Failing) {
		return errors.New("`todo` cannot be combined with `only`, `skip` or `failing`")
	}
	return nil
}

// legalFlags is every combination ValidateFlags accepts, built once.
var legalFlags = buildFlagTable()

func buildFlagTable() map[Flags]bool {
	table := make(map[Flags]bool)
	types := []Type{TypeTest, TypeBefore, TypeBeforeEach, TypeAfter, TypeAfterEach}
	for _, typ := range types {
		for bits := 0; bits < 1<<6; bits++ {
			f := Flags{
				Type:    typ,
				Serial:  bits&1 != 0,
				Only:    bits&2 != 0,
				Skip:    bits&4 != 0,
				Todo:    bits&8 != 0,
				Failing: bits&16 != 0,
				Always:  bits&32 != 0,
			}
			if ValidateFlags(f) == nil {
				table[f] = true
			}
		}
	}
	return table
}

// Variants lists the legal modifier chains, sorted.
func Variants() []string {
	out := make([]string, 0, len(legalFlags))
	for f := range legalFlags {
		out = append(out, f.String())
	}
	sort.Strings(out)
	return out
}
