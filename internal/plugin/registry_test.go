package plugin

import (
	"errors"
	"reflect"
	"testing"
)

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()
	f := factoryOf(func(env Env) *echoPlugin { return &echoPlugin{Base: NewBase(env)} })

	if err := r.Register("echo:EchoPlugin", f); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Register("echo:EchoPlugin", f); !errors.Is(err, ErrDuplicateEntrypoint) {
		t.Errorf("duplicate Register() error = %v, want ErrDuplicateEntrypoint", err)
	}
	if err := r.Register("EchoPlugin", f); !errors.Is(err, ErrInvalidEntrypoint) {
		t.Errorf("Register(no module) error = %v, want ErrInvalidEntrypoint", err)
	}
	if err := r.Register("echo:Nil", nil); !errors.Is(err, ErrContractViolation) {
		t.Errorf("Register(nil) error = %v, want ErrContractViolation", err)
	}

	if got := r.Entrypoints(); !reflect.DeepEqual(got, []string{"echo:EchoPlugin"}) {
		t.Errorf("Entrypoints() = %v, want [echo:EchoPlugin]", got)
	}
}

func TestRegistryMustRegisterPanics(t *testing.T) {
	r := NewRegistry()
	f := factoryOf(func(env Env) *echoPlugin { return &echoPlugin{Base: NewBase(env)} })
	r.MustRegister("echo:EchoPlugin", f)

	defer func() {
		if recover() == nil {
			t.Error("MustRegister() on duplicate did not panic")
		}
	}()
	r.MustRegister("echo:EchoPlugin", f)
}

func TestRegistryResolve(t *testing.T) {
	r := testRegistry(t)

	f, err := r.Resolve(testManifest("echo", "echo:EchoPlugin"))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if f == nil {
		t.Fatal("Resolve() returned nil factory")
	}

	_, err = r.Resolve(testManifest("missing", "nowhere:Missing"))
	if !errors.Is(err, ErrModuleLoad) {
		t.Errorf("Resolve(unregistered) error = %v, want ErrModuleLoad", err)
	}

	_, err = r.Resolve(nil)
	if !errors.Is(err, ErrNilManifest) {
		t.Errorf("Resolve(nil) error = %v, want ErrNilManifest", err)
	}
}

func TestRegistryScheme(t *testing.T) {
	r := NewRegistry()
	var gotTarget string
	err := r.RegisterScheme("script", func(m *Manifest, target string) (Factory, error) {
		gotTarget = target
		if target == "missing.lua" {
			return nil, ErrModuleLoad
		}
		return factoryOf(func(env Env) *echoPlugin { return &echoPlugin{Base: NewBase(env)} }), nil
	})
	if err != nil {
		t.Fatalf("RegisterScheme() error = %v", err)
	}

	if _, err := r.Resolve(testManifest("hello", "script:hello.lua")); err != nil {
		t.Errorf("Resolve() error = %v", err)
	}
	if gotTarget != "hello.lua" {
		t.Errorf("scheme target = %q, want %q", gotTarget, "hello.lua")
	}

	if _, err := r.Resolve(testManifest("missing", "script:missing.lua")); !errors.Is(err, ErrModuleLoad) {
		t.Errorf("Resolve(missing) error = %v, want ErrModuleLoad", err)
	}

	if err := r.RegisterScheme("script", func(*Manifest, string) (Factory, error) { return nil, nil }); !errors.Is(err, ErrDuplicateEntrypoint) {
		t.Errorf("duplicate RegisterScheme() error = %v, want ErrDuplicateEntrypoint", err)
	}
}

func TestRegistrySchemeNilFactory(t *testing.T) {
	r := NewRegistry()
	_ = r.RegisterScheme("script", func(*Manifest, string) (Factory, error) { return nil, nil })

	_, err := r.Resolve(testManifest("hello", "script:hello.lua"))
	if !errors.Is(err, ErrContractViolation) {
		t.Errorf("Resolve() error = %v, want ErrContractViolation", err)
	}
}

func TestInstantiate(t *testing.T) {
	tests := []struct {
		name    string
		factory Factory
		wantErr error
	}{
		{
			name:    "ok",
			factory: factoryOf(func(env Env) *echoPlugin { return &echoPlugin{Base: NewBase(env)} }),
		},
		{
			name:    "nil plugin",
			factory: func(Env) (Plugin, error) { return nil, nil },
			wantErr: ErrContractViolation,
		},
		{
			name:    "panics",
			factory: func(Env) (Plugin, error) { panic("bad factory") },
			wantErr: ErrContractViolation,
		},
		{
			name:    "plain error",
			factory: func(Env) (Plugin, error) { return nil, errBoom },
			wantErr: ErrModuleLoad,
		},
		{
			name: "contract error passes through",
			factory: func(Env) (Plugin, error) {
				return nil, ErrContractViolation
			},
			wantErr: ErrContractViolation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := Env{Manifest: testManifest("echo", "echo:EchoPlugin")}
			p, err := instantiate(tt.factory, env)
			if tt.wantErr == nil {
				if err != nil || p == nil {
					t.Errorf("instantiate() = %v, %v, want plugin", p, err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("instantiate() error = %v, want %v", err, tt.wantErr)
			}
			if p != nil {
				t.Errorf("instantiate() plugin = %v, want nil", p)
			}
		})
	}
}
