package authorization

import (
	"fmt"
	"sort"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// MemoryPackageSource provides package definitions from memory
type MemoryPackageSource struct {
	packages []*Package
}

// NewMemoryPackageSource creates a new MemoryPackageSource
func NewMemoryPackageSource(packages ...*Package) *MemoryPackageSource {
	return &MemoryPackageSource{packages: packages}
}

// LoadPackages implements PackageSource
func (s *MemoryPackageSource) LoadPackages() ([]*Package, error) {
	return s.packages, nil
}

// packageFile is the YAML layout read by FilePackageSource:
//
//	packages:
//	  editor:
//	    edit: true
//	    delete: false
type packageFile struct {
	Packages map[string]map[string]bool `yaml:"packages"`
}

// FilePackageSource loads static package definitions from a YAML file
type FilePackageSource struct {
	fs   afero.Fs
	path string
}

// NewFilePackageSource creates a new file-based package source
func NewFilePackageSource(fs afero.Fs, path string) *FilePackageSource {
	return &FilePackageSource{
		fs:   fs,
		path: path,
	}
}

// LoadPackages implements PackageSource
func (s *FilePackageSource) LoadPackages() ([]*Package, error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		return nil, fmt.Errorf("reading package file: %w", err)
	}

	var f packageFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing package file: %w", err)
	}

	names := make([]string, 0, len(f.Packages))
	for name := range f.Packages {
		names = append(names, name)
	}
	sort.Strings(names)

	packages := make([]*Package, 0, len(names))
	for _, name := range names {
		p := NewPackage(name)
		for perm, value := range f.Packages[name] {
			p.Set(perm, value)
		}
		packages = append(packages, p)
	}
	return packages, nil
}
