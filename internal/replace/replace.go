// Package replace installs release files over a live install with a
// backup, copy-and-verify, commit protocol. A failed run leaves every
// backup on disk; nothing is restored automatically.
package replace

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/3leaps/supdate/internal/config"
	"github.com/3leaps/supdate/internal/errors"
	"github.com/3leaps/supdate/internal/filesync"
	"github.com/3leaps/supdate/internal/model"
	"github.com/3leaps/supdate/internal/selfupdate"
	"github.com/3leaps/supdate/internal/trust"
	"github.com/3leaps/supdate/internal/verify"
)

// BackupSuffix is appended to a target file while its replacement is
// installed.
const BackupSuffix = ".old"

// Replacer applies file plans for one configuration.
type Replacer struct {
	FS       afero.Fs
	Oracle   trust.Oracle
	Config   *config.Configuration
	SelfPath string
	Comparer filesync.Comparer
	Logger   zerolog.Logger
}

func New(fsys afero.Fs, oracle trust.Oracle, cfg *config.Configuration, selfPath string, logger zerolog.Logger) *Replacer {
	return &Replacer{
		FS:       fsys,
		Oracle:   oracle,
		Config:   cfg,
		SelfPath: selfPath,
		Comparer: filesync.PlatformComparer(),
		Logger:   logger,
	}
}

func (r *Replacer) whatIf() bool { return r.Config.WhatIf }

// ProcessAll plans source against target and, when copy is set, installs
// the plan in three phases: every existing target file is moved to its
// backup, every source file is copied and verified, then the backups are
// deleted. Without copy only the pairing is checked. Under what-if every
// step is decided and logged but nothing is written.
func (r *Replacer) ProcessAll(ctx context.Context, source, target, rootOffset string, copy, overwrite bool) (*filesync.Plan, error) {
	logger := r.Logger.With().Str("source", source).Str("target", target).Bool("copy", copy).Logger()
	if r.whatIf() {
		logger.Info().Msg("Processing files in what-if mode, no changes will be made")
	}

	sync := &filesync.Synchronizer{FS: r.FS, Comparer: r.Comparer, Logger: r.Logger}
	plan, err := sync.Plan(source, target, rootOffset)
	if err != nil {
		return nil, err
	}
	if err := plan.Validate(); err != nil {
		return plan, err
	}
	if plan.Len() == 0 {
		return plan, errors.New(errors.ErrPlanMismatch, "no files to process")
	}

	if copy {
		for _, name := range plan.Target {
			if err := r.backup(name, true, false); err != nil {
				return plan, err
			}
		}
		logger.Debug().Int("files", plan.Len()).Msg("Existing target files backed up")
	}

	for i := range plan.Source {
		if !copy {
			logger.Trace().Str("file", plan.Relative(i)).Msg("Source and target match")
			continue
		}
		if err := r.Copy(ctx, plan.Source[i], plan.Target[i], false, overwrite); err != nil {
			logger.Error().Err(err).Str("file", plan.Relative(i)).Msg("Copy failed, backups left in place")
			return plan, err
		}
	}

	if copy {
		logger.Debug().Int("files", plan.Len()).Msg("All files copied")
		backups, err := r.backups(plan, target, rootOffset)
		if err != nil {
			return plan, err
		}
		if err := r.Commit(backups...); err != nil {
			return plan, err
		}
		logger.Debug().Int("backups", len(backups)).Msg("Backup files deleted")
	}
	return plan, nil
}

// Copy installs source at target. With backup, an existing target is moved
// aside first; the running updater is renamed to its in-use name and that
// copy is what gets backed up. Source files that are executable images are
// checked under the Other trust flags. The copy is hashed on both sides.
func (r *Replacer) Copy(ctx context.Context, source, target string, backup, overwrite bool) error {
	if err := r.requireFile(source); err != nil {
		return err
	}
	targetExists, err := afero.Exists(r.FS, target)
	if err != nil {
		return errors.Wrapf(err, errors.ErrFilesystem, "stat %s", target)
	}
	if targetExists && !overwrite {
		return errors.Newf(errors.ErrAlreadyExists, "cannot copy, target file %s already exists", target)
	}

	if backup && targetExists {
		backupName := target + BackupSuffix
		if err := r.requireAbsent(backupName, "cannot backup"); err != nil {
			return err
		}
		if r.isSelf(target) {
			inUse := selfupdate.InUsePath(target)
			if !r.whatIf() {
				if err := r.transfer(target, inUse, true, false); err != nil {
					return err
				}
				if err := r.transfer(inUse, backupName, false, false); err != nil {
					return err
				}
			}
			r.Logger.Debug().Str("file", target).Str("inUse", inUse).Str("backup", backupName).Msg("Running updater moved aside and backed up")
		} else {
			if !r.whatIf() {
				if err := r.FS.Rename(target, backupName); err != nil {
					return errors.Wrapf(err, errors.ErrFilesystem, "backup %s", target)
				}
			}
			r.Logger.Debug().Str("file", target).Str("backup", backupName).Msg("File backed up")
		}
	}

	gate := trust.NewGate(r.FS, r.Oracle, r.Config.TrustPolicy(), r.Logger)
	if err := gate.CheckFile(ctx, source, model.SubjectOther, nil); err != nil {
		return err
	}

	return r.transfer(source, target, false, overwrite)
}

// Commit deletes backup files, clearing a read-only mode first. Under
// what-if nothing is deleted and missing files are not an error.
func (r *Replacer) Commit(backups ...string) error {
	for _, name := range backups {
		info, err := r.FS.Stat(name)
		switch {
		case os.IsNotExist(err) || (err == nil && info.IsDir()):
			if r.whatIf() {
				r.Logger.Trace().Str("file", name).Msg("Would delete backup")
				continue
			}
			return errors.Newf(errors.ErrNotFound, "cannot delete, file %s does not exist", name)
		case err != nil:
			return errors.Wrapf(err, errors.ErrFilesystem, "stat %s", name)
		}
		if r.whatIf() {
			r.Logger.Trace().Str("file", name).Msg("Would delete backup")
			continue
		}
		if info.Mode().Perm()&0o200 == 0 {
			if err := r.FS.Chmod(name, info.Mode().Perm()|0o200); err != nil {
				return errors.Wrapf(err, errors.ErrFilesystem, "make %s writable", name)
			}
		}
		if err := r.FS.Remove(name); err != nil {
			return errors.Wrapf(err, errors.ErrFilesystem, "delete %s", name)
		}
		r.Logger.Trace().Str("file", name).Msg("Backup deleted")
	}
	return nil
}

// backups lists the files phase 3 deletes: every backup under the target
// tree, or under what-if the backups phase 1 would have made.
func (r *Replacer) backups(plan *filesync.Plan, target, rootOffset string) ([]string, error) {
	if r.whatIf() {
		out := make([]string, len(plan.Target))
		for i, name := range plan.Target {
			out[i] = name + BackupSuffix
		}
		return out, nil
	}
	scan := target
	if clean := filepath.Clean(target); filepath.Dir(clean) == clean && rootOffset != "" {
		scan = filepath.Join(target, rootOffset)
	}
	var out []string
	err := afero.Walk(r.FS, scan, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() && r.Comparer.HasSuffix(path, BackupSuffix) {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrFilesystem, "list backups in %s", scan)
	}
	return out, nil
}

// backup moves (or copies) name to its backup path. A missing file is
// tolerated unless strict.
func (r *Replacer) backup(name string, move, strict bool) error {
	exists, err := afero.Exists(r.FS, name)
	if err != nil {
		return errors.Wrapf(err, errors.ErrFilesystem, "stat %s", name)
	}
	if !exists {
		if strict {
			return errors.Newf(errors.ErrNotFound, "cannot backup, file %s does not exist", name)
		}
		r.Logger.Trace().Str("file", name).Msg("Nothing to back up")
		return nil
	}
	backupName := name + BackupSuffix
	if err := r.requireAbsent(backupName, "cannot backup"); err != nil {
		return err
	}

	if r.isSelf(name) {
		inUse := selfupdate.InUsePath(name)
		if !r.whatIf() {
			if err := r.FS.Rename(name, inUse); err != nil {
				return errors.Wrapf(err, errors.ErrFilesystem, "move %s aside", name)
			}
			if err := copyFile(r.FS, inUse, backupName, false); err != nil {
				return errors.Wrapf(err, errors.ErrFilesystem, "backup %s", inUse)
			}
		}
		r.Logger.Debug().Str("file", name).Str("inUse", inUse).Str("backup", backupName).Msg("Running updater moved aside and backed up")
		return nil
	}

	if !r.whatIf() {
		var err error
		if move {
			err = r.FS.Rename(name, backupName)
		} else {
			err = copyFile(r.FS, name, backupName, false)
		}
		if err != nil {
			return errors.Wrapf(err, errors.ErrFilesystem, "backup %s", name)
		}
	}
	r.Logger.Trace().Str("file", name).Str("backup", backupName).Msg("File backed up")
	return nil
}

// transfer copies or moves source to target and compares the configured
// digest of both.
func (r *Replacer) transfer(source, target string, move, overwrite bool) error {
	verb := "copy"
	if move {
		verb = "move"
	}
	if err := r.requireFile(source); err != nil {
		return err
	}
	if move || !overwrite {
		if err := r.requireAbsent(target, "cannot "+verb); err != nil {
			return err
		}
	}

	algo := r.Config.HashAlgorithmName
	sourceHash, err := verify.HashFile(r.FS, algo, source)
	if err != nil {
		return errors.Wrapf(err, errors.ErrFilesystem, "hash %s", source)
	}

	if r.whatIf() {
		r.Logger.Debug().Str("source", source).Str("target", target).Msgf("Would %s file", verb)
		return nil
	}

	if err := r.FS.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return errors.Wrapf(err, errors.ErrFilesystem, "create directory for %s", target)
	}
	if move {
		err = r.FS.Rename(source, target)
	} else {
		err = copyFile(r.FS, source, target, overwrite)
	}
	if err != nil {
		return errors.Wrapf(err, errors.ErrFilesystem, "%s %s to %s", verb, source, target)
	}

	targetHash, err := verify.HashFile(r.FS, algo, target)
	if err != nil {
		return errors.Wrapf(err, errors.ErrFilesystem, "hash %s", target)
	}
	if !verify.Equal(sourceHash, targetHash) {
		return errors.Newf(errors.ErrIntegrity, "source file %s and target file %s %s hash mismatch", source, target, algo).
			WithDetail("source", verify.FormatHex(sourceHash)).
			WithDetail("target", verify.FormatHex(targetHash))
	}
	r.Logger.Debug().Str("source", source).Str("target", target).Msgf("File %s verified", verb)
	return nil
}

func (r *Replacer) isSelf(path string) bool {
	return r.SelfPath != "" && r.Comparer.Equal(filepath.Clean(path), filepath.Clean(r.SelfPath))
}

func (r *Replacer) requireFile(name string) error {
	if name == "" {
		return errors.New(errors.ErrFilesystem, "file name is empty")
	}
	info, err := r.FS.Stat(name)
	if err != nil {
		return errors.Wrapf(err, errors.ErrNotFound, "source file %s", name)
	}
	if info.IsDir() {
		return errors.Newf(errors.ErrFilesystem, "%s is a directory", name)
	}
	return nil
}

func (r *Replacer) requireAbsent(name, action string) error {
	exists, err := afero.Exists(r.FS, name)
	if err != nil {
		return errors.Wrapf(err, errors.ErrFilesystem, "stat %s", name)
	}
	if exists {
		return errors.Newf(errors.ErrAlreadyExists, "%s, file %s already exists", action, name)
	}
	return nil
}

func copyFile(fsys afero.Fs, source, target string, overwrite bool) error {
	in, err := fsys.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !overwrite {
		flags |= os.O_EXCL
	}
	out, err := fsys.OpenFile(target, flags, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
