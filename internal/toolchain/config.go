package toolchain

import (
	"errors"
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/papapumpkin/magnetar/internal/manifest"
)

// ErrNoToolchainsFile is returned when the toolchains document is missing.
var ErrNoToolchainsFile = errors.New("toolchain: toolchains.toml not found")

// Spec is one toolchain declaration from toolchains.toml. Document order is
// routing-priority order.
type Spec struct {
	Name     string            `toml:"name"`
	Command  string            `toml:"command"`
	Args     []string          `toml:"args"`
	Sampling manifest.Sampling `toml:"sampling"`
}

// File is the top-level toolchains.toml document.
type File struct {
	Toolchain []Spec `toml:"toolchain"`
}

// LoadFile parses a toolchains.toml document.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoToolchainsFile
		}
		return nil, fmt.Errorf("toolchain: read %s: %w", path, err)
	}

	var f File
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("toolchain: parse %s: %w", path, err)
	}
	if len(f.Toolchain) == 0 {
		return nil, fmt.Errorf("toolchain: %s declares no toolchains", path)
	}
	for i, s := range f.Toolchain {
		if s.Name == "" {
			return nil, fmt.Errorf("toolchain: entry %d has no name", i)
		}
		if s.Command == "" {
			return nil, fmt.Errorf("toolchain: %q has no command", s.Name)
		}
	}
	return &f, nil
}

// BuildRegistry constructs a registry of subprocess adapters from the
// document, preserving declaration order as routing order.
func (f *File) BuildRegistry(verbose bool) (*Registry, error) {
	reg := NewRegistry()
	for _, s := range f.Toolchain {
		a := &Subprocess{
			AdapterName: s.Name,
			Command:     s.Command,
			ExtraArgs:   append([]string(nil), s.Args...),
			Config:      s.Sampling,
			Verbose:     verbose,
		}
		if err := reg.Register(a); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
