package build

import (
	"slices"
	"testing"

	"github.com/cruciblehq/crate/internal/recipe"
)

func TestNewStepState(t *testing.T) {
	s := newStepState()
	if s.shell != defaultShell {
		t.Fatalf("shell = %q, want %q", s.shell, defaultShell)
	}
	if s.workdir != "" {
		t.Fatalf("workdir = %q, want empty", s.workdir)
	}
	if len(s.env) != 0 {
		t.Fatalf("env = %v, want empty", s.env)
	}
}

func TestApply(t *testing.T) {
	s := newStepState()

	s.apply(recipe.Step{Shell: "/bin/bash"})
	if s.shell != "/bin/bash" {
		t.Fatalf("shell = %q, want /bin/bash", s.shell)
	}

	s.apply(recipe.Step{Workdir: "/usr/src/app"})
	if s.workdir != "/usr/src/app" {
		t.Fatalf("workdir = %q, want /usr/src/app", s.workdir)
	}
	if s.shell != "/bin/bash" {
		t.Fatalf("shell changed to %q after workdir apply", s.shell)
	}

	s.apply(recipe.Step{Env: map[string]string{"A": "1", "B": "2"}})
	s.apply(recipe.Step{Env: map[string]string{"A": "override"}})
	if s.env["A"] != "override" || s.env["B"] != "2" {
		t.Fatalf("env = %v, want A=override B=2", s.env)
	}

	s.apply(recipe.Step{})
	if s.shell != "/bin/bash" || s.workdir != "/usr/src/app" {
		t.Fatal("empty step changed the state")
	}
}

func TestResolve(t *testing.T) {
	s := newStepState()
	s.apply(recipe.Step{
		Shell:   "/bin/bash",
		Workdir: "/app",
		Env:     map[string]string{"A": "1", "K": "base"},
	})

	resolved := s.resolve(recipe.Step{
		Shell:   "/bin/zsh",
		Workdir: "/tmp",
		Env:     map[string]string{"B": "2", "K": "override"},
	})

	if resolved.shell != "/bin/zsh" || resolved.workdir != "/tmp" {
		t.Fatalf("resolved = %q %q, want /bin/zsh /tmp", resolved.shell, resolved.workdir)
	}
	if resolved.env["A"] != "1" || resolved.env["B"] != "2" || resolved.env["K"] != "override" {
		t.Fatalf("resolved.env = %v", resolved.env)
	}

	if s.shell != "/bin/bash" || s.workdir != "/app" {
		t.Fatal("original state mutated")
	}
	if _, ok := s.env["B"]; ok {
		t.Fatal("original env mutated: B leaked in")
	}
	if s.env["K"] != "base" {
		t.Fatalf("original env[K] mutated to %q", s.env["K"])
	}

	inherited := s.resolve(recipe.Step{})
	if inherited.shell != "/bin/bash" || inherited.workdir != "/app" {
		t.Fatal("empty step did not inherit state")
	}
}

func TestEnviron(t *testing.T) {
	s := newStepState()
	if len(s.environ()) != 0 {
		t.Fatal("empty state should produce no environ entries")
	}

	s.apply(recipe.Step{Env: map[string]string{"PATH": "/usr/bin", "HOME": "/root", "CARGO_HOME": "/cargo"}})
	want := []string{"CARGO_HOME=/cargo", "HOME=/root", "PATH=/usr/bin"}
	if got := s.environ(); !slices.Equal(got, want) {
		t.Fatalf("environ = %v, want %v", got, want)
	}
}
