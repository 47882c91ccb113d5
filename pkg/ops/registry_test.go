package ops

import (
	"reflect"
	"testing"

	"go.starlark.net/starlark"
)

func constant(v string) Func {
	return func(_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
		return starlark.String(v), nil
	}
}

func call(t *testing.T, table *Table, name string) string {
	t.Helper()
	fn, ok := table.Lookup(name)
	if !ok {
		t.Fatalf("operation %q not found", name)
	}
	v, err := fn(&starlark.Thread{}, starlark.NewBuiltin(name, fn), nil, nil)
	if err != nil {
		t.Fatalf("%s failed: %v", name, err)
	}
	return string(v.(starlark.String))
}

func TestLaterRegistrationWins(t *testing.T) {
	table, err := NewBuilder().
		Add(NewSet("builtin", func(b *Builder) {
			b.Register("ui_print", constant("builtin"))
			b.Register("abort", constant("builtin"))
		})).
		Add(NewSet("device", func(b *Builder) {
			b.Register("ui_print", constant("device"))
		})).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if got := call(t, table, "ui_print"); got != "device" {
		t.Errorf("ui_print resolved to %q, want device", got)
	}
	if got := call(t, table, "abort"); got != "builtin" {
		t.Errorf("abort resolved to %q, want builtin", got)
	}
	if table.Origin("ui_print") != "device" {
		t.Errorf("Origin(ui_print) = %q", table.Origin("ui_print"))
	}

	want := []Override{{Name: "ui_print", Previous: "builtin", Current: "device"}}
	if !reflect.DeepEqual(table.Overrides(), want) {
		t.Errorf("Overrides() = %+v, want %+v", table.Overrides(), want)
	}
	if !reflect.DeepEqual(table.Steps(), []string{"builtin", "device"}) {
		t.Errorf("Steps() = %v", table.Steps())
	}
	if !reflect.DeepEqual(table.Names(), []string{"abort", "ui_print"}) {
		t.Errorf("Names() = %v", table.Names())
	}
}

func TestRegistrationDoesNotExecute(t *testing.T) {
	called := false
	fn := func(_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
		called = true
		return starlark.None, nil
	}

	table, err := NewBuilder().Add(NewSet("s", func(b *Builder) { b.Register("op", fn) })).Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if called {
		t.Fatal("operation executed during registration")
	}
	if _, ok := table.Builtins()["op"]; !ok {
		t.Error("Builtins() missing op")
	}
}

func TestBuildErrors(t *testing.T) {
	tests := []struct {
		name  string
		build func() (*Table, error)
	}{
		{
			name: "empty name",
			build: func() (*Table, error) {
				return NewBuilder().Add(NewSet("s", func(b *Builder) { b.Register("", constant("x")) })).Build()
			},
		},
		{
			name: "nil func",
			build: func() (*Table, error) {
				return NewBuilder().Add(NewSet("s", func(b *Builder) { b.Register("op", nil) })).Build()
			},
		},
		{
			name: "nil set",
			build: func() (*Table, error) {
				return NewBuilder().Add(nil).Build()
			},
		},
		{
			name: "build twice",
			build: func() (*Table, error) {
				b := NewBuilder()
				if _, err := b.Build(); err != nil {
					return nil, err
				}
				return b.Build()
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.build(); err == nil {
				t.Error("expected Build error")
			}
		})
	}
}

func TestTableIsImmutable(t *testing.T) {
	b := NewBuilder().Add(NewSet("s", func(b *Builder) { b.Register("op", constant("x")) }))
	table, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	b.Register("late", constant("y"))
	if table.Has("late") {
		t.Error("registration after Build leaked into the table")
	}

	names := table.Names()
	names[0] = "mutated"
	if table.Names()[0] != "op" {
		t.Error("Names() exposed internal state")
	}
}
