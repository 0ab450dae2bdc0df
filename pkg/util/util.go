// Package util holds small path helpers shared by the converter packages.
package util

import (
	"path"
	"path/filepath"
	"strings"
)

// MatchesGitignore reports whether pathToMatchRel (relative to walkerBaseAbsPath) matches
// a gitignore-style pattern declared in patternBaseAbsPath.
//
// Supported syntax: shell globs per path segment, "**" spanning any number of segments,
// and rooted patterns (isRooted) that only match from the pattern base. Negation and
// directory-only suffixes are handled by the caller.
func MatchesGitignore(pattern, patternBaseAbsPath, walkerBaseAbsPath, pathToMatchRel string, isRooted bool) bool {
	pattern = strings.Trim(filepath.ToSlash(pattern), "/")
	pathToMatchRel = filepath.ToSlash(pathToMatchRel)
	if pattern == "" || pathToMatchRel == "" || pathToMatchRel == "." {
		return false
	}

	rel, err := filepath.Rel(patternBaseAbsPath, filepath.Join(walkerBaseAbsPath, filepath.FromSlash(pathToMatchRel)))
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return false
	}

	patSegs := strings.Split(pattern, "/")
	pathSegs := strings.Split(rel, "/")

	// A pattern without a slash matches a name at any depth unless it is rooted.
	if !isRooted && len(patSegs) == 1 {
		for i := range pathSegs {
			if matchSegments(patSegs, pathSegs[i:]) {
				return true
			}
		}
		return false
	}
	return matchSegments(patSegs, pathSegs)
}

// matchSegments matches the whole path, or a leading directory of it, against the pattern.
func matchSegments(pat, segs []string) bool {
	for n := len(segs); n >= 1; n-- {
		if globSegments(pat, segs[:n]) {
			return true
		}
	}
	return false
}

func globSegments(pat, segs []string) bool {
	for len(pat) > 0 {
		if pat[0] == "**" {
			rest := pat[1:]
			for i := 0; i <= len(segs); i++ {
				if globSegments(rest, segs[i:]) {
					return true
				}
			}
			return false
		}
		if len(segs) == 0 {
			return false
		}
		ok, err := path.Match(pat[0], segs[0])
		if err != nil || !ok {
			return false
		}
		pat, segs = pat[1:], segs[1:]
	}
	return len(segs) == 0
}
