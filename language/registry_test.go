package language

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	registry, err := NewRegistry("images", nil)
	require.NoError(t, err)

	tests := []struct {
		id         string
		sourceFile string
		compiled   bool
	}{
		{Python, "main.py", false},
		{JavaScript, "main.js", false},
		{Go, "main.go", true},
		{C, "main.c", true},
		{CPP, "main.cpp", true},
		{Java, "Main.java", true},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			p, err := registry.Resolve(tt.id)
			require.NoError(t, err)
			assert.Equal(t, tt.id, p.ID)
			assert.Equal(t, tt.sourceFile, p.SourceFile)
			assert.Equal(t, tt.compiled, p.Compiled())
			assert.Equal(t, "coderun/"+tt.id+":latest", p.Image)
			assert.Equal(t, filepath.Join("images", tt.id), p.BuildContext)
			assert.NotEmpty(t, p.Run)
		})
	}
}

func TestResolveUnsupported(t *testing.T) {
	registry, err := NewRegistry("images", nil)
	require.NoError(t, err)

	for _, id := range []string{"", "ruby", "Python", " python"} {
		_, err := registry.Resolve(id)
		require.ErrorIs(t, err, ErrUnsupported, "id %q", id)
	}
}

func TestCompiledRunReferencesArtifact(t *testing.T) {
	registry, err := NewRegistry("images", nil)
	require.NoError(t, err)

	for _, p := range registry.Profiles() {
		if !p.Compiled() {
			continue
		}
		t.Run(p.ID, func(t *testing.T) {
			switch p.ID {
			case Java:
				assert.Contains(t, p.Compile, p.SourceFile)
				assert.Equal(t, "Main", p.Run[len(p.Run)-1])
			default:
				assert.Contains(t, p.Compile, "main")
				assert.Equal(t, []string{"./main"}, p.Run)
			}
		})
	}
}

func TestOverrides(t *testing.T) {
	t.Run("KnownLanguage", func(t *testing.T) {
		registry, err := NewRegistry("images", map[string]Override{
			Python: {Image: "python:3.12-slim"},
			Go:     {BuildContext: "/srv/images/golang"},
		})
		require.NoError(t, err)

		py, err := registry.Resolve(Python)
		require.NoError(t, err)
		assert.Equal(t, "python:3.12-slim", py.Image)
		assert.Equal(t, filepath.Join("images", Python), py.BuildContext)

		golang, err := registry.Resolve(Go)
		require.NoError(t, err)
		assert.Equal(t, "coderun/go:latest", golang.Image)
		assert.Equal(t, "/srv/images/golang", golang.BuildContext)
	})

	t.Run("UnknownLanguage", func(t *testing.T) {
		_, err := NewRegistry("images", map[string]Override{
			"ruby": {Image: "ruby:3"},
		})
		require.ErrorIs(t, err, ErrUnsupported)
	})
}

func TestProfilesAreImmutable(t *testing.T) {
	registry, err := NewRegistry("images", nil)
	require.NoError(t, err)

	p, err := registry.Resolve(CPP)
	require.NoError(t, err)
	p.Run[0] = "rm"
	p.Compile = append(p.Compile, "-DEVIL")

	again, err := registry.Resolve(CPP)
	require.NoError(t, err)
	assert.Equal(t, []string{"./main"}, again.Run)
	assert.NotContains(t, again.Compile, "-DEVIL")
}

func TestIDsSorted(t *testing.T) {
	registry, err := NewRegistry("images", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "cpp", "go", "java", "javascript", "python"}, registry.IDs())
}
