// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plexus Contributors

package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
	"github.com/samber/oops"

	"github.com/plexushq/plexus/internal/plugin"
)

// expand scans the discovery directory and registers every matching source
// under its file stem. Explicit registration entries win on name collision;
// two discovered sources claiming the same stem is an error.
func (d DiscoverConfig) expand(baseDir string, registration plugin.RegistrationTable) error {
	if d.Dir == "" {
		return nil
	}
	errb := oops.In("config").With("dir", d.Dir)

	include, err := compileGlobs(d.Include)
	if err != nil {
		return errb.Hint("discover.include patterns must be valid globs").Wrap(err)
	}
	exclude, err := compileGlobs(d.Exclude)
	if err != nil {
		return errb.Hint("discover.exclude patterns must be valid globs").Wrap(err)
	}

	dir := resolvePath(baseDir, d.Dir)
	dirents, err := os.ReadDir(dir)
	if err != nil {
		return errb.Hint("discover.dir must exist and be readable").Wrap(err)
	}

	discovered := make(map[string]string) // name -> source file, for collision reporting
	for _, ent := range dirents {
		if ent.IsDir() {
			continue
		}
		base := ent.Name()
		// Dotfiles are editor droppings, never plugins.
		if strings.HasPrefix(base, ".") {
			continue
		}
		if !matchesAny(include, base) || matchesAny(exclude, base) {
			continue
		}

		name := strings.TrimSuffix(base, filepath.Ext(base))
		if err := validateName(name); err != nil {
			return errb.With("file", base).
				Hint("rename the file or exclude it from discovery").
				Wrap(err)
		}
		if _, explicit := registration[name]; explicit {
			continue
		}
		if prev, dup := discovered[name]; dup {
			return errb.With("file", base).With("conflict", prev).
				Errorf("discovered plugins %q and %q both claim the name %q", prev, base, name)
		}
		discovered[name] = base
		registration[name] = plugin.RegistrationEntry{SourcePath: filepath.Join(dir, base)}
	}
	return nil
}

func compileGlobs(patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, oops.With("pattern", p).Wrap(err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

func matchesAny(globs []glob.Glob, name string) bool {
	for _, g := range globs {
		if g.Match(name) {
			return true
		}
	}
	return false
}
