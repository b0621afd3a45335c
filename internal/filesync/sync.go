// Package filesync pairs the files of an extracted release with their
// places in the live install.
package filesync

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/3leaps/supdate/internal/errors"
	"github.com/3leaps/supdate/internal/selfupdate"
	"github.com/3leaps/supdate/internal/verify"
)

// Plan pairs every source file with the target path it replaces or creates.
// After Plan returns, Source[i] and Target[i] name the same relative file.
type Plan struct {
	SourceDir string
	TargetDir string
	Source    []string
	Target    []string
	// Added lists target paths that do not exist yet.
	Added []string
	// Orphans lists target files with no source counterpart. They are left
	// alone.
	Orphans []string

	comparer Comparer
}

func (p *Plan) Len() int { return len(p.Source) }

// Relative is the offset of pair i below the source directory.
func (p *Plan) Relative(i int) string {
	return relative(p.SourceDir, p.Source[i])
}

// Validate checks that the two lists have equal length and pair up the same
// relative paths.
func (p *Plan) Validate() error {
	if len(p.Source) != len(p.Target) {
		return errors.Newf(errors.ErrPlanMismatch, "source file count (%d) does not match target file count (%d)",
			len(p.Source), len(p.Target))
	}
	for i := range p.Source {
		src := relative(p.SourceDir, p.Source[i])
		dst := relative(p.TargetDir, p.Target[i])
		if !p.comparer.Equal(src, dst) {
			return errors.Newf(errors.ErrPlanMismatch, "source file %q does not match target file %q", src, dst).
				WithDetail("index", i)
		}
	}
	return nil
}

// Pending returns the indexes whose target is missing or differs from the
// source under algo. It is empty once a plan has been applied.
func (p *Plan) Pending(fsys afero.Fs, algo string) ([]int, error) {
	var out []int
	for i := range p.Source {
		exists, err := afero.Exists(fsys, p.Target[i])
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrFilesystem, "stat %s", p.Target[i])
		}
		if !exists {
			out = append(out, i)
			continue
		}
		src, err := verify.HashFile(fsys, algo, p.Source[i])
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrFilesystem, "hash source")
		}
		dst, err := verify.HashFile(fsys, algo, p.Target[i])
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrFilesystem, "hash target")
		}
		if !verify.Equal(src, dst) {
			out = append(out, i)
		}
	}
	return out, nil
}

// Synchronizer builds plans. The zero Comparer is case-sensitive; use
// PlatformComparer for the host's rules.
type Synchronizer struct {
	FS       afero.Fs
	Comparer Comparer
	Logger   zerolog.Logger
}

func New(fsys afero.Fs, logger zerolog.Logger) *Synchronizer {
	return &Synchronizer{FS: fsys, Comparer: PlatformComparer(), Logger: logger}
}

// Plan enumerates source and target recursively and reconciles the lists.
// Target files with the in-use suffix are ignored. When target is a volume
// root only target/rootOffset is enumerated.
func (s *Synchronizer) Plan(source, target, rootOffset string) (*Plan, error) {
	for _, dir := range []string{source, target} {
		if err := s.requireDir(dir); err != nil {
			return nil, err
		}
	}

	sourceFiles, err := s.list(source)
	if err != nil {
		return nil, err
	}
	if len(sourceFiles) == 0 {
		return nil, errors.Newf(errors.ErrPlanMismatch, "source directory %s has no files", source)
	}

	scan := target
	if isRoot(target) && rootOffset != "" {
		scan = filepath.Join(target, rootOffset)
	}
	targetFiles, err := s.list(scan)
	if err != nil {
		return nil, err
	}
	targetFiles = slices.DeleteFunc(targetFiles, func(name string) bool {
		if s.Comparer.HasSuffix(name, selfupdate.InUseSuffix) {
			s.Logger.Trace().Str("file", name).Msg("Ignoring in-use file")
			return true
		}
		return false
	})
	if len(targetFiles) == 0 {
		return nil, errors.Newf(errors.ErrPlanMismatch, "target directory %s has no files", scan)
	}

	plan := &Plan{SourceDir: source, TargetDir: target, Source: sourceFiles, comparer: s.Comparer}
	s.synchronize(plan, targetFiles)
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	s.Logger.Debug().Int("files", plan.Len()).Int("added", len(plan.Added)).
		Int("orphans", len(plan.Orphans)).Msg("Planned file synchronization")
	return plan, nil
}

func (s *Synchronizer) synchronize(plan *Plan, targetFiles []string) {
	c := s.Comparer

	sourceByKey := make(map[string]string, len(plan.Source))
	for _, name := range plan.Source {
		sourceByKey[c.Key(relative(plan.SourceDir, name))] = name
	}
	targetByKey := make(map[string]string, len(targetFiles))
	for _, name := range targetFiles {
		targetByKey[c.Key(relative(plan.TargetDir, name))] = name
	}

	target := slices.Clone(targetFiles)
	for _, name := range plan.Source {
		rel := relative(plan.SourceDir, name)
		if _, ok := targetByKey[c.Key(rel)]; ok {
			continue
		}
		added := filepath.Join(plan.TargetDir, rel)
		target = append(target, added)
		plan.Added = append(plan.Added, added)
		s.Logger.Trace().Str("file", rel).Msg("Target file will be created")
	}

	target = slices.DeleteFunc(target, func(name string) bool {
		rel := relative(plan.TargetDir, name)
		if _, ok := sourceByKey[c.Key(rel)]; ok {
			return false
		}
		plan.Orphans = append(plan.Orphans, name)
		s.Logger.Trace().Str("file", rel).Msg("Target file has no source, leaving it alone")
		return true
	})

	byOffset := func(dir string) func(a, b string) int {
		return func(a, b string) int {
			return c.Compare(relative(dir, a), relative(dir, b))
		}
	}
	slices.SortFunc(plan.Source, byOffset(plan.SourceDir))
	slices.SortFunc(target, byOffset(plan.TargetDir))
	plan.Target = target
}

func (s *Synchronizer) requireDir(dir string) error {
	if dir == "" {
		return errors.New(errors.ErrFilesystem, "directory name is empty")
	}
	info, err := s.FS.Stat(dir)
	if err != nil {
		return errors.Wrapf(err, errors.ErrNotFound, "directory %s", dir)
	}
	if !info.IsDir() {
		return errors.Newf(errors.ErrFilesystem, "%s is not a directory", dir)
	}
	return nil
}

func (s *Synchronizer) list(dir string) ([]string, error) {
	var out []string
	err := afero.Walk(s.FS, dir, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrFilesystem, "list %s", dir)
	}
	return out, nil
}

func relative(dir, path string) string {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return path
	}
	return rel
}

func isRoot(dir string) bool {
	clean := filepath.Clean(dir)
	return filepath.Dir(clean) == clean
}

// String renders the plan for check-only reports.
func (p *Plan) String() string {
	return fmt.Sprintf("%d file(s), %d new, %d orphan(s)", len(p.Source), len(p.Added), len(p.Orphans))
}
