package language

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
)

// ErrUnsupported is returned when a language id has no profile.
var ErrUnsupported = errors.New("unsupported language")

// Language identifiers
const (
	Python     = "python"
	JavaScript = "javascript"
	Go         = "go"
	C          = "c"
	CPP        = "cpp"
	Java       = "java"
)

// ImagePrefix is prepended to the language id to form the default image name.
const ImagePrefix = "coderun/"

// Profile is the build and run recipe for one language.
type Profile struct {
	ID           string
	SourceFile   string
	Image        string
	BuildContext string
	Compile      []string
	Run          []string
}

// Compiled reports whether the profile has an ahead-of-time compile step.
func (p Profile) Compiled() bool {
	return len(p.Compile) > 0
}

func (p Profile) clone() Profile {
	p.Compile = slices.Clone(p.Compile)
	p.Run = slices.Clone(p.Run)
	return p
}

// Override replaces the image or build context of a known profile.
type Override struct {
	Image        string
	BuildContext string
}

// recipes is the fixed language table. Compiled languages run the artifact
// their compile step writes into the workspace.
var recipes = []Profile{
	{
		ID:         Python,
		SourceFile: "main.py",
		Run:        []string{"python3", "-u", "main.py"},
	},
	{
		ID:         JavaScript,
		SourceFile: "main.js",
		Run:        []string{"node", "main.js"},
	},
	{
		ID:         Go,
		SourceFile: "main.go",
		Compile:    []string{"go", "build", "-o", "main", "main.go"},
		Run:        []string{"./main"},
	},
	{
		ID:         C,
		SourceFile: "main.c",
		Compile:    []string{"gcc", "-O2", "-o", "main", "main.c", "-lm"},
		Run:        []string{"./main"},
	},
	{
		ID:         CPP,
		SourceFile: "main.cpp",
		Compile:    []string{"g++", "-O2", "-std=c++17", "-o", "main", "main.cpp"},
		Run:        []string{"./main"},
	},
	{
		// The public class must be Main so javac emits Main.class.
		ID:         Java,
		SourceFile: "Main.java",
		Compile:    []string{"javac", "Main.java"},
		Run:        []string{"java", "-cp", ".", "Main"},
	},
}

// Registry maps language ids to their profiles.
type Registry struct {
	profiles map[string]Profile
}

// NewRegistry builds the registry from the fixed language table. Build
// contexts default to imagesDir/<id>. Overrides may only target known ids.
func NewRegistry(imagesDir string, overrides map[string]Override) (*Registry, error) {
	r := &Registry{profiles: make(map[string]Profile, len(recipes))}

	for _, recipe := range recipes {
		p := recipe.clone()
		p.Image = ImagePrefix + p.ID + ":latest"
		p.BuildContext = filepath.Join(imagesDir, p.ID)
		r.profiles[p.ID] = p
	}

	for id, o := range overrides {
		p, ok := r.profiles[id]
		if !ok {
			return nil, fmt.Errorf("override for %q: %w", id, ErrUnsupported)
		}
		if o.Image != "" {
			p.Image = o.Image
		}
		if o.BuildContext != "" {
			p.BuildContext = o.BuildContext
		}
		r.profiles[id] = p
	}

	return r, nil
}

// Resolve returns the profile for the given language id.
func (r *Registry) Resolve(id string) (Profile, error) {
	p, ok := r.profiles[id]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q (supported: %s)", ErrUnsupported, id, strings.Join(r.IDs(), ", "))
	}
	return p.clone(), nil
}

// IDs returns the supported language ids in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.profiles))
	for id := range r.profiles {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Profiles returns a copy of every profile, sorted by id.
func (r *Registry) Profiles() []Profile {
	ids := r.IDs()
	out := make([]Profile, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.profiles[id].clone())
	}
	return out
}
