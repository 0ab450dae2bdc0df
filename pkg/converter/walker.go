package converter

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/stackvity/batch-converter/pkg/util"
)

// IgnoreFileName is looked up from the walk root upwards; its patterns use gitignore syntax.
const IgnoreFileName = ".batchconverterignore"

// WalkOptions controls file discovery.
type WalkOptions struct {
	Root           string
	IgnorePatterns []string
	// SupportedOnly drops files whose extension is not in Settings.SupportedExtensions.
	// When false such files are kept so the batch reports them as validation failures.
	SupportedOnly bool
	Settings      ConversionSettings
}

// SkippedPath records a discovered path that was left out of the result.
type SkippedPath struct {
	Path   string `json:"path" yaml:"path"`
	Reason string `json:"reason" yaml:"reason"`
}

// Discovery is the outcome of a walk. Files are sorted by path.
type Discovery struct {
	Files   []FileInfo
	Skipped []SkippedPath
}

// Walker traverses an input directory, applies ignore rules and collects the
// files to submit as one batch.
type Walker struct {
	opts          WalkOptions
	root          string
	logger        *slog.Logger
	ignoreMatcher *ignoreMatcher
}

// NewWalker creates a new Walker instance. A Root that names a single file yields
// a one-file discovery.
func NewWalker(opts WalkOptions, loggerHandler slog.Handler) (*Walker, error) {
	if loggerHandler == nil {
		loggerHandler = slog.NewTextHandler(io.Discard, nil)
	}
	logger := slog.New(loggerHandler).With(slog.String("component", "walker"))
	if opts.Root == "" {
		return nil, fmt.Errorf("%w: walk root must not be empty", ErrValidation)
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("could not get absolute path for input: %w", err)
	}
	ignoreMatcher, err := newIgnoreMatcher(root, opts.IgnorePatterns, logger)
	if err != nil {
		logger.Error("Failed to initialize ignore pattern matcher", slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to initialize ignore patterns: %w", err)
	}
	logger.Debug("Ignore patterns loaded", slog.Int("count", ignoreMatcher.patternCount()))
	return &Walker{
		opts:          opts,
		root:          root,
		logger:        logger,
		ignoreMatcher: ignoreMatcher,
	}, nil
}

// Walk performs the traversal.
func (w *Walker) Walk(ctx context.Context) (Discovery, error) {
	var d Discovery
	info, err := os.Stat(w.root)
	if err != nil {
		return d, fmt.Errorf("%w: %s: %v", ErrFileNotFound, w.root, err)
	}
	if !info.IsDir() {
		fi, err := NewFileInfo(w.root)
		if err != nil {
			return d, err
		}
		w.collect(&d, fi, filepath.Base(w.root))
		return d, nil
	}

	w.logger.Info("Starting directory walk", slog.String("path", w.root))
	walkErr := filepath.WalkDir(w.root, w.walkFunc(ctx, &d))
	if walkErr != nil {
		if errors.Is(walkErr, context.Canceled) || errors.Is(walkErr, context.DeadlineExceeded) {
			w.logger.Info("Directory walk cancelled", slog.String("reason", walkErr.Error()))
			return d, walkErr
		}
		w.logger.Error("Directory walk encountered an error during traversal", slog.String("error", walkErr.Error()))
		return d, fmt.Errorf("directory walk failed: %w", walkErr)
	}
	sort.Slice(d.Files, func(i, j int) bool { return d.Files[i].Path < d.Files[j].Path })
	w.logger.Info("Directory walk completed",
		slog.Int("files", len(d.Files)),
		slog.Int("skipped", len(d.Skipped)),
	)
	return d, nil
}

func (w *Walker) collect(d *Discovery, fi FileInfo, relativePath string) {
	if w.opts.SupportedOnly && !w.opts.Settings.Supports(fi.Extension) {
		w.logger.Debug("Unsupported extension skipped", slog.String("path", relativePath))
		d.Skipped = append(d.Skipped, SkippedPath{Path: relativePath, Reason: fmt.Sprintf("unsupported extension %q", "."+fi.Extension)})
		return
	}
	d.Files = append(d.Files, fi)
}

func (w *Walker) walkFunc(ctx context.Context, d *Discovery) fs.WalkDirFunc {
	return func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			w.logger.Warn("Error accessing path during walk", slog.String("path", path), slog.String("error", err.Error()))
			if path == w.root && os.IsPermission(err) {
				return fmt.Errorf("permission denied reading input directory %q: %w", path, err)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if entry.Type()&fs.ModeSymlink != 0 {
			w.logger.Debug("Skipping symbolic link", slog.String("path", path))
			return nil
		}
		relativePath, err := filepath.Rel(w.root, path)
		if err != nil {
			w.logger.Warn("Could not calculate relative path", slog.String("path", path), slog.String("error", err.Error()))
			return nil
		}
		relativePath = filepath.ToSlash(relativePath)
		if relativePath == "." {
			return nil
		}
		isDir := entry.IsDir()
		if w.ignoreMatcher.Match(relativePath, isDir) {
			matchedPattern := w.ignoreMatcher.LastMatchPattern(relativePath, isDir)
			w.logger.Debug("Path ignored", slog.String("path", relativePath), slog.Bool("isDir", isDir), slog.String("pattern", matchedPattern))
			if isDir {
				return filepath.SkipDir
			}
			d.Skipped = append(d.Skipped, SkippedPath{Path: relativePath, Reason: "ignored by pattern: " + matchedPattern})
			return nil
		}
		if isDir || !entry.Type().IsRegular() {
			return nil
		}
		if entry.Name() == IgnoreFileName {
			return nil
		}
		fi, err := NewFileInfo(path)
		if err != nil {
			w.logger.Warn("Could not stat discovered file", slog.String("path", relativePath), slog.String("error", err.Error()))
			d.Skipped = append(d.Skipped, SkippedPath{Path: relativePath, Reason: err.Error()})
			return nil
		}
		w.collect(d, fi, relativePath)
		return nil
	}
}

type ignoreMatcher struct {
	patterns []ignorePattern
	basePath string
	logger   *slog.Logger
}

type ignorePattern struct {
	pattern     string // cleaned, '/'-separated
	origPattern string
	negated     bool
	isDirOnly   bool
	isRooted    bool   // started with '/'
	baseAbsPath string // dir of the defining ignore file, or the walk root
}

func newIgnoreMatcher(absRoot string, configPatterns []string, logger *slog.Logger) (*ignoreMatcher, error) {
	matcher := &ignoreMatcher{
		basePath: absRoot,
		logger:   logger.With(slog.String("component", "ignoreMatcher")),
	}
	start := absRoot
	if info, err := os.Stat(absRoot); err == nil && !info.IsDir() {
		start = filepath.Dir(absRoot)
	}
	ignoreFilePath, err := findIgnoreFile(start)
	if err != nil {
		matcher.logger.Warn("Error searching for ignore file", slog.String("error", err.Error()))
	}
	if ignoreFilePath != "" {
		filePatterns, err := loadPatternsFromFile(ignoreFilePath)
		if err != nil {
			return nil, fmt.Errorf("failed to load ignore file %s: %w", ignoreFilePath, err)
		}
		matcher.addPatterns(filePatterns, filepath.Dir(ignoreFilePath))
		matcher.logger.Debug("Loaded patterns from ignore file", slog.String("path", ignoreFilePath), slog.Int("count", len(filePatterns)))
	}
	matcher.addPatterns(configPatterns, absRoot)
	return matcher, nil
}

// findIgnoreFile walks up from absStartPath looking for IgnoreFileName.
func findIgnoreFile(absStartPath string) (string, error) {
	currentPath := absStartPath
	for {
		potentialPath := filepath.Join(currentPath, IgnoreFileName)
		if _, err := os.Stat(potentialPath); err == nil {
			return potentialPath, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("error checking for ignore file at %s: %w", potentialPath, err)
		}
		parent := filepath.Dir(currentPath)
		if parent == currentPath || parent == "" {
			return "", nil
		}
		currentPath = parent
	}
}

func loadPatternsFromFile(filePath string) ([]string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("open ignore file %s: %w", filePath, err)
	}
	defer file.Close()
	var patterns []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			patterns = append(patterns, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ignore file %s: %w", filePath, err)
	}
	return patterns, nil
}

func (m *ignoreMatcher) addPatterns(rawPatterns []string, baseAbsPath string) {
	for _, rawPattern := range rawPatterns {
		p := ignorePattern{origPattern: rawPattern, baseAbsPath: baseAbsPath}
		trimmed := strings.TrimSpace(rawPattern)
		if strings.HasPrefix(trimmed, "!") {
			p.negated = true
			trimmed = strings.TrimSpace(trimmed[1:])
		}
		if strings.HasPrefix(trimmed, "/") {
			p.isRooted = true
			trimmed = strings.TrimPrefix(trimmed, "/")
		}
		if strings.HasSuffix(trimmed, "/") {
			p.isDirOnly = true
			trimmed = strings.TrimSuffix(trimmed, "/")
		}
		p.pattern = filepath.ToSlash(trimmed)
		if p.pattern == "" {
			continue
		}
		m.patterns = append(m.patterns, p)
	}
}

// Match reports whether relativePath is ignored. The last matching pattern wins.
func (m *ignoreMatcher) Match(relativePath string, isDir bool) bool {
	_, ignored := m.evaluate(relativePath, isDir)
	return ignored
}

// LastMatchPattern returns the pattern that caused relativePath to be ignored, or "".
func (m *ignoreMatcher) LastMatchPattern(relativePath string, isDir bool) string {
	p, ignored := m.evaluate(relativePath, isDir)
	if !ignored {
		return ""
	}
	return p
}

func (m *ignoreMatcher) evaluate(relativePath string, isDir bool) (string, bool) {
	lastPattern, ignored := "", false
	for _, p := range m.patterns {
		if !util.MatchesGitignore(p.pattern, p.baseAbsPath, m.basePath, relativePath, p.isRooted) {
			continue
		}
		if p.isDirOnly && !isDir {
			continue
		}
		lastPattern = p.origPattern
		ignored = !p.negated
	}
	return lastPattern, ignored
}

func (m *ignoreMatcher) patternCount() int {
	return len(m.patterns)
}
