package scenario

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Suite is a named set of scenario definitions loaded from one YAML file.
type Suite struct {
	// Name identifies the suite. Defaults to the file name without extension.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// Description provides context about what this suite covers.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Version is the suite file format version.
	Version string `yaml:"version,omitempty" json:"version,omitempty"`

	// Scenarios contains the definitions in execution order.
	Scenarios []Definition `yaml:"scenarios" json:"scenarios"`
}

// Validate validates every definition in the suite.
func (s *Suite) Validate() error {
	for i := range s.Scenarios {
		if err := s.Scenarios[i].Validate(); err != nil {
			return fmt.Errorf("scenario[%d]: %w", i, err)
		}
	}
	return nil
}

// Set builds working records for the suite's definitions.
func (s *Suite) Set() []*TestScenario {
	return NewSet(s.Scenarios)
}

// LoadSuite loads a suite from a YAML file. Both the full suite document
// and a bare list of definitions are accepted.
func LoadSuite(path string) (*Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSuiteNotFound, path)
		}
		return nil, fmt.Errorf("reading suite file: %w", err)
	}

	var suite Suite
	if err := yaml.Unmarshal(data, &suite); err == nil && len(suite.Scenarios) > 0 {
		if suite.Name == "" {
			suite.Name = suiteNameFromPath(path)
		}
		if err := suite.Validate(); err != nil {
			return nil, err
		}
		return &suite, nil
	}

	// Bare list format.
	var defs []Definition
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("parsing suite file: %w", err)
	}
	suite = Suite{Name: suiteNameFromPath(path), Scenarios: defs}
	if err := suite.Validate(); err != nil {
		return nil, err
	}
	return &suite, nil
}

func suiteNameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Registry manages suites loaded from files and directories.
type Registry struct {
	suites map[string]*Suite
}

// NewRegistry creates an empty suite registry.
func NewRegistry() *Registry {
	return &Registry{suites: make(map[string]*Suite)}
}

// Register adds a suite to the registry, replacing any suite with the
// same name.
func (r *Registry) Register(s *Suite) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if s.Name == "" {
		return fmt.Errorf("%w: suite name is required", ErrInvalidDefinition)
	}
	r.suites[s.Name] = s
	return nil
}

// Get retrieves a suite by name.
func (r *Registry) Get(name string) (*Suite, error) {
	if s, ok := r.suites[name]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrSuiteNotFound, name)
}

// List returns all registered suite names in sorted order.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.suites))
	for name := range r.suites {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered suites.
func (r *Registry) Count() int {
	return len(r.suites)
}

// LoadDirectory loads every .yaml and .yml file in dir as a suite. A
// missing directory is skipped silently so callers can point at an
// optional location.
func (r *Registry) LoadDirectory(dir string) error {
	if dir == "" {
		return nil
	}

	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("accessing suite directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrNoSuiteDirectory, dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading suite directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		suite, err := LoadSuite(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("loading %s: %w", entry.Name(), err)
		}
		if err := r.Register(suite); err != nil {
			return fmt.Errorf("registering %s: %w", entry.Name(), err)
		}
	}
	return nil
}
