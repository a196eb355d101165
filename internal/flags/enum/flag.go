// Package enum implements a pflag.Value bound to a fixed, closed set of
// string options — used for flags like --backend whose value must be one
// of a small enumerated list, rejecting anything else.
//
// Grounded on the teacher's cli/internal/flags/enum package: only its
// tests survived retrieval, so this implementation is written fresh to the
// behavior those tests pin down, in the same shape (a pflag.Value plus
// Var/VarP/Get registration helpers) as the rest of the teacher's flags.
package enum

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
)

// Flag is a pflag.Value restricted to a fixed set of options. Its zero
// value is never used directly — construct one with New.
type Flag struct {
	options []string
	value   string
}

// New constructs a Flag defaulting to the first option. It panics if no
// options are given — a flag with an empty option set can never be valid.
func New(options ...string) *Flag {
	if len(options) == 0 {
		panic("enum: New requires at least one option")
	}
	return &Flag{options: options, value: options[0]}
}

// String implements pflag.Value.
func (f *Flag) String() string {
	return f.value
}

// Set implements pflag.Value. It rejects any value not in the option set,
// leaving the flag's current value unchanged.
func (f *Flag) Set(value string) error {
	for _, opt := range f.options {
		if opt == value {
			f.value = value
			return nil
		}
	}
	return fmt.Errorf("invalid value %q: must be one of [%s]", value, strings.Join(f.options, ", "))
}

// Type implements pflag.Value.
func (f *Flag) Type() string {
	return "enum"
}

// Var registers a new enum flag named name on fs, defaulting to options[0].
func Var(fs *pflag.FlagSet, name string, options []string, usage string) *Flag {
	flag := New(options...)
	fs.Var(flag, name, usage)
	return flag
}

// VarP is Var with a single-letter shorthand.
func VarP(fs *pflag.FlagSet, name, shorthand string, options []string, usage string) *Flag {
	flag := New(options...)
	fs.VarP(flag, name, shorthand, usage)
	return flag
}

// Get returns the current value of the named enum flag, failing if no such
// flag exists or it is not an enum flag.
func Get(fs *pflag.FlagSet, name string) (string, error) {
	pf := fs.Lookup(name)
	if pf == nil {
		return "", fmt.Errorf("flag %q not found", name)
	}
	flag, ok := pf.Value.(*Flag)
	if !ok {
		return "", fmt.Errorf("flag %q is not an enum flag", name)
	}
	return flag.String(), nil
}
