// Package ops builds the table of operations an update script may call.
//
// Operation sets register into a Builder in a fixed order. When two sets
// define the same name, the later registration wins. Build freezes the
// result into an immutable Table before the script is parsed; nothing is
// executed while registering.
package ops

import (
	"errors"
	"fmt"
	"sort"

	"go.starlark.net/starlark"
)

// Func implements one script operation.
type Func func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error)

// OpSet is a named group of operations.
type OpSet interface {
	// Name identifies the set in logs and override reports.
	Name() string

	// Register adds the set's operations to the builder.
	Register(b *Builder)
}

type funcSet struct {
	name     string
	register func(b *Builder)
}

func (s funcSet) Name() string        { return s.name }
func (s funcSet) Register(b *Builder) { s.register(b) }

// NewSet adapts a registration function into an OpSet.
func NewSet(name string, register func(b *Builder)) OpSet {
	return funcSet{name: name, register: register}
}

// Override records a name defined by more than one set.
type Override struct {
	Name     string
	Previous string
	Current  string
}

type entry struct {
	fn  Func
	set string
}

// Builder accumulates registrations. It is not safe for concurrent use.
type Builder struct {
	entries   map[string]entry
	step      string
	steps     []string
	overrides []Override
	errs      []error
	built     bool
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{
		entries: make(map[string]entry),
	}
}

// Add runs one registration step for set.
func (b *Builder) Add(set OpSet) *Builder {
	if set == nil {
		b.errs = append(b.errs, errors.New("nil operation set"))
		return b
	}
	prev := b.step
	b.step = set.Name()
	b.steps = append(b.steps, set.Name())
	set.Register(b)
	b.step = prev
	return b
}

// Register defines or redefines an operation.
func (b *Builder) Register(name string, fn Func) {
	switch {
	case b.built:
		b.errs = append(b.errs, fmt.Errorf("register %q after build", name))
		return
	case name == "":
		b.errs = append(b.errs, fmt.Errorf("set %q registered an operation without a name", b.step))
		return
	case fn == nil:
		b.errs = append(b.errs, fmt.Errorf("set %q registered %q without an implementation", b.step, name))
		return
	}

	if old, exists := b.entries[name]; exists {
		b.overrides = append(b.overrides, Override{Name: name, Previous: old.set, Current: b.step})
	}
	b.entries[name] = entry{fn: fn, set: b.step}
}

// Steps returns the names of the sets added so far, in order.
func (b *Builder) Steps() []string {
	return append([]string(nil), b.steps...)
}

// Build freezes the registrations into a Table. The builder cannot be
// used afterwards.
func (b *Builder) Build() (*Table, error) {
	if b.built {
		return nil, errors.New("operation table already built")
	}
	b.built = true
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}

	t := &Table{
		entries:   make(map[string]entry, len(b.entries)),
		names:     make([]string, 0, len(b.entries)),
		steps:     append([]string(nil), b.steps...),
		overrides: append([]Override(nil), b.overrides...),
	}
	for name, e := range b.entries {
		t.entries[name] = e
		t.names = append(t.names, name)
	}
	sort.Strings(t.names)
	return t, nil
}

// Table is the immutable operation table consumed by the script engine.
type Table struct {
	entries   map[string]entry
	names     []string
	steps     []string
	overrides []Override
}

// Lookup returns the operation registered under name.
func (t *Table) Lookup(name string) (Func, bool) {
	e, ok := t.entries[name]
	return e.fn, ok
}

// Has reports whether name is defined.
func (t *Table) Has(name string) bool {
	_, ok := t.entries[name]
	return ok
}

// Origin returns the name of the set whose definition of name is in effect.
func (t *Table) Origin(name string) string {
	return t.entries[name].set
}

// Names returns all operation names, sorted.
func (t *Table) Names() []string {
	return append([]string(nil), t.names...)
}

// Steps returns the registration order of the sets.
func (t *Table) Steps() []string {
	return append([]string(nil), t.steps...)
}

// Overrides lists every redefinition made while building.
func (t *Table) Overrides() []Override {
	return append([]Override(nil), t.overrides...)
}

// Len returns the number of operations.
func (t *Table) Len() int {
	return len(t.entries)
}

// Builtins returns the table as Starlark builtins keyed by name.
func (t *Table) Builtins() starlark.StringDict {
	dict := make(starlark.StringDict, len(t.entries))
	for name, e := range t.entries {
		dict[name] = starlark.NewBuiltin(name, e.fn)
	}
	return dict
}
