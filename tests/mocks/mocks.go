// Package mocks has in-memory stand-ins for the system capabilities used by the updater.
package mocks

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// FakeMounter records mounts instead of asking the kernel.
type FakeMounter struct {
	mu sync.Mutex

	// Active maps mount targets to their source.
	Active map[string]string
	// Busy devices are reported as mounted somewhere else.
	Busy []string

	MountErr   error
	UnmountErr error

	Mounts   int
	Unmounts int
}

func NewFakeMounter() *FakeMounter {
	return &FakeMounter{Active: map[string]string{}}
}

func (f *FakeMounter) Mount(source, target, _ string, _ []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.MountErr != nil {
		return f.MountErr
	}
	if _, ok := f.Active[target]; ok {
		return fmt.Errorf("%s already mounted", target)
	}
	f.Mounts++
	f.Active[target] = source
	return nil
}

func (f *FakeMounter) Unmount(target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Unmounts++
	if f.UnmountErr != nil {
		return f.UnmountErr
	}
	delete(f.Active, target)
	return nil
}

func (f *FakeMounter) DeviceMounted(source string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.Active {
		if s == source {
			return true, nil
		}
	}
	for _, s := range f.Busy {
		if s == source {
			return true, nil
		}
	}
	return false, nil
}

// MountedNow is the number of mounts not released yet.
func (f *FakeMounter) MountedNow() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Active)
}

// FakeRunner records commands. SideEffect, when set, produces their output.
type FakeRunner struct {
	mu         sync.Mutex
	Calls      [][]string
	SideEffect func(name string, args ...string) (string, error)
}

func (r *FakeRunner) Run(name string, args ...string) (string, error) {
	r.mu.Lock()
	r.Calls = append(r.Calls, append([]string{name}, args...))
	effect := r.SideEffect
	r.mu.Unlock()
	if effect != nil {
		return effect(name, args...)
	}
	return "", nil
}

// CallsTo returns the recorded invocations of name.
func (r *FakeRunner) CallsTo(name string) [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out [][]string
	for _, c := range r.Calls {
		if c[0] == name {
			out = append(out, c)
		}
	}
	return out
}

// FakeBootEnv is an in-memory boot-loader environment.
type FakeBootEnv struct {
	mu     sync.Mutex
	Vars   map[string]string
	SetErr error
}

func NewFakeBootEnv(vars map[string]string) *FakeBootEnv {
	if vars == nil {
		vars = map[string]string{}
	}
	return &FakeBootEnv{Vars: vars}
}

func (e *FakeBootEnv) Get(name string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.Vars[name]
	if !ok {
		return "", errors.New(name + " not set")
	}
	return v, nil
}

func (e *FakeBootEnv) Set(name, value string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.SetErr != nil {
		return e.SetErr
	}
	e.Vars[name] = strings.TrimSpace(value)
	return nil
}
