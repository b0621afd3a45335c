// Package pipeline drives one update run from configuration to commit. Steps
// run strictly in order and the first failure ends the run.
package pipeline

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/3leaps/supdate/internal/config"
	"github.com/3leaps/supdate/internal/errors"
	"github.com/3leaps/supdate/internal/extract"
	"github.com/3leaps/supdate/internal/filesync"
	"github.com/3leaps/supdate/internal/hostenv"
	"github.com/3leaps/supdate/internal/lock"
	"github.com/3leaps/supdate/internal/logging"
	"github.com/3leaps/supdate/internal/manifest"
	"github.com/3leaps/supdate/internal/model"
	"github.com/3leaps/supdate/internal/replace"
	"github.com/3leaps/supdate/internal/selector"
	"github.com/3leaps/supdate/internal/selfupdate"
	"github.com/3leaps/supdate/internal/trust"
	"github.com/3leaps/supdate/pkg/update"
)

// DeferredDeleteDelay is how long the deferred delete waits for this
// process to exit.
const DeferredDeleteDelay = 2 * time.Second

// Outcome is how a run that did not fail ended.
type Outcome string

const (
	OutcomeUpToDate     Outcome = "up-to-date"
	OutcomeAvailable    Outcome = "available"
	OutcomeUpdated      Outcome = "updated"
	OutcomeSelfUpdated  Outcome = "self-updated"
	OutcomeNotConfirmed Outcome = "not-confirmed"
)

// Source fetches the manifest and release files. *transport.Client
// satisfies it.
type Source interface {
	Text(ctx context.Context, u *url.URL) (string, error)
	Download(ctx context.Context, u *url.URL, dir string) (string, error)
}

// Prompter asks the operator a yes/no question. An empty answer takes
// defaultYes.
type Prompter interface {
	Confirm(ctx context.Context, message string, defaultYes bool) (bool, error)
}

// Releaser is a held instance lock.
type Releaser interface {
	Release() error
}

// LockFunc takes the named instance lock without waiting.
type LockFunc func(name string) (Releaser, error)

// Result describes a run that did not fail.
type Result struct {
	Outcome  Outcome
	Release  *manifest.Release
	Decision update.Decision
	Reason   string
	Plan     *filesync.Plan
	// ReCheck asks the caller to run again, since a completed update may
	// have exposed a further release.
	ReCheck bool
}

// Runner holds the collaborators of a run. Config is mutated by Process
// and by release type detection, so a Runner serves one run.
type Runner struct {
	FS          afero.Fs
	Config      *config.Configuration
	Oracle      trust.Oracle
	Source      Source
	Prompter    Prompter
	Scheduler   selfupdate.Scheduler
	Parser      *manifest.Parser
	Lock        LockFunc
	Mounts      hostenv.MountTable
	SelfPath    string
	TempDir     string
	Interactive bool
	Logger      zerolog.Logger
	// Sleep is passed to config.Process; nil waits on a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Run performs the update. Every failure is returned as a coded error.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	return r.locked(ctx, r.apply)
}

// Check stops once the release is selected and the decision is made. A
// newer release is reported as OutcomeAvailable and nothing is downloaded.
func (r *Runner) Check(ctx context.Context) (*Result, error) {
	return r.locked(ctx, func(ctx context.Context) (*Result, error) {
		result, err := r.resolve(ctx)
		if err != nil || result.Outcome != "" {
			return result, err
		}
		result.Outcome = OutcomeAvailable
		return result, nil
	})
}

func (r *Runner) locked(ctx context.Context, fn func(context.Context) (*Result, error)) (*Result, error) {
	cfg := r.Config
	if cfg == nil {
		return nil, errors.New(errors.ErrConfigInvalid, "no configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	held, err := r.acquire(cfg.MutexName)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := held.Release(); err != nil {
			r.Logger.Warn().Err(err).Msg("Could not release instance lock")
		}
	}()
	return fn(ctx)
}

// resolve runs the startup checks, fetches and parses the manifest and
// picks the release. The result carries OutcomeUpToDate when there is
// nothing to do.
func (r *Runner) resolve(ctx context.Context) (*Result, error) {
	cfg := r.Config
	logger := r.Logger

	if err := cfg.Process(ctx, config.ProcessDeps{
		FS: r.FS, Oracle: r.Oracle, SelfPath: r.SelfPath, Logger: logger, Sleep: r.Sleep,
	}); err != nil {
		return nil, err
	}
	if !cfg.IsSigned() {
		return nil, errors.New(errors.ErrTrust, "self check failed, cannot continue").
			WithDetail("file", r.SelfPath)
	}
	if err := cfg.RefreshReleaseType(r.FS, filepath.Base(r.SelfPath), logger); err != nil {
		return nil, err
	}

	manifestURI, err := cfg.ManifestURI()
	if err != nil {
		return nil, err
	}
	text, err := r.Source.Text(ctx, manifestURI)
	if err != nil {
		return nil, err
	}
	parsed, err := r.parser().Parse(text, cfg.Strict)
	if err != nil {
		return nil, err
	}

	release := selector.Best(cfg, parsed)
	if release == nil {
		return nil, errors.Newf(errors.ErrNoRelease, "manifest has no release for %s", manifest.KeyFor(cfg).Name)
	}
	if !release.IsValid() {
		return nil, errors.Newf(errors.ErrManifestParse, "release %s is incomplete", release)
	}
	decision, reason := selector.Decide(cfg, release)
	result := &Result{Release: release, Decision: decision, Reason: reason}
	logger = logger.With().Object("release", release).Logger()

	if !release.IsGreater(cfg) {
		logger.Info().Str("reason", reason).Msg("Release is not newer")
		result.Outcome = OutcomeUpToDate
		return result, nil
	}
	logger.Info().Bool("self", release.IsSelf()).Msg("Release is newer")
	return result, nil
}

func (r *Runner) apply(ctx context.Context) (*Result, error) {
	result, err := r.resolve(ctx)
	if err != nil || result.Outcome != "" {
		return result, err
	}
	cfg := r.Config
	release := result.Release
	logger := r.Logger.With().Object("release", release).Logger()

	if cfg.Confirm {
		ok, err := r.ask(ctx, "An updated release, "+release.String()+", is available.\n\nDo you wish to proceed?", false)
		if err != nil {
			return nil, err
		}
		if !ok {
			logger.Info().Msg("Update not confirmed")
			result.Outcome = OutcomeNotConfirmed
			return result, nil
		}
	}
	if release.Notes != "" {
		ok, err := r.ask(ctx, release.Notes, true)
		if err != nil {
			return nil, err
		}
		if !ok {
			logger.Info().Msg("Update canceled after reading the release notes")
			result.Outcome = OutcomeNotConfirmed
			return result, nil
		}
	}

	releaseURI, err := release.CreateURI(cfg, cfg.BuildType, cfg.ReleaseType)
	if err != nil {
		return nil, err
	}
	releaseDir := r.workDir()
	defer r.removeAll(releaseDir, "release")
	releaseFile, err := r.Source.Download(ctx, releaseURI, releaseDir)
	if err != nil {
		return nil, err
	}
	r.fetchSignature(ctx, releaseURI, releaseDir)

	gate := trust.NewGate(r.FS, r.Oracle, cfg.TrustPolicy(), logger)
	if err := gate.CheckFile(ctx, releaseFile, model.SubjectRelease, nil); err != nil {
		return nil, err
	}

	replacer := replace.New(r.FS, r.Oracle, cfg, r.SelfPath, logger)

	if release.IsSelf() {
		if r.SelfPath == "" {
			return nil, errors.New(errors.ErrArgument, "updater location unknown, cannot apply a self update")
		}
		if err := release.VerifyFile(ctx, r.FS, releaseFile, r.Oracle, false); err != nil {
			return nil, err
		}
		if err := replacer.Copy(ctx, releaseFile, r.SelfPath, true, true); err != nil {
			return nil, err
		}
		if !cfg.WhatIf {
			if err := replacer.Commit(r.SelfPath + replace.BackupSuffix); err != nil {
				return nil, err
			}
		}
		r.deferDelete()
		logger.Info().Str("file", r.SelfPath).Msg("Updater replaced, run it again to continue")
		result.Outcome = OutcomeSelfUpdated
		return result, nil
	}

	extractDir := r.workDir()
	defer r.removeAll(extractDir, "extract")
	if _, err := extract.New(r.FS, cfg.CommandFormat, cfg.ArgumentFormat, logger).Extract(ctx, releaseFile, extractDir); err != nil {
		return nil, err
	}

	coreFile, err := r.findCore(extractDir)
	if err != nil {
		return nil, err
	}
	if err := gate.CheckFile(ctx, coreFile, model.SubjectCore, nil); err != nil {
		return nil, err
	}
	strongName := cfg.CoreIsAssembly && cfg.HasStrongNameFlags(model.SubjectCore, true)
	if err := release.VerifyFile(ctx, r.FS, coreFile, r.Oracle, strongName); err != nil {
		return nil, err
	}
	logger.Info().Str("file", coreFile).Msg("New core file verified")

	targetDir, baseOffset, err := TargetDirectory(extractDir, filepath.Dir(coreFile), cfg.CoreDirectory, replacer.Comparer)
	if err != nil {
		return nil, err
	}
	logger.Debug().Str("target", targetDir).Str("baseOffset", baseOffset).Msg("Target directory resolved")
	if r.Mounts.NoExec(targetDir) {
		logger.Warn().Str("target", targetDir).Msg("Target directory is on a noexec mount, installed programs may not run")
	}

	if err := selfupdate.DeleteInUse(r.FS, r.SelfPath, cfg.WhatIf, logger); err != nil {
		logger.Warn().Err(err).Msg("Could not delete in-use file")
	}

	if _, err := replacer.ProcessAll(ctx, extractDir, targetDir, baseOffset, false, false); err != nil {
		return nil, errors.Wrap(err, errors.CodeOf(err), "release files do not match the installed files (release type mismatch)")
	}
	done := logging.Operation(logger, "replace")
	plan, err := replacer.ProcessAll(ctx, extractDir, targetDir, baseOffset, true, true)
	done()
	if err != nil {
		return nil, err
	}
	result.Plan = plan

	r.deferDelete()
	logger.Info().Str("plan", plan.String()).Msg("Update complete")
	result.Outcome = OutcomeUpdated
	result.ReCheck = cfg.ReCheck
	return result, nil
}

// TargetDirectory maps the extracted core directory onto the installed one.
// The offset of coreDir below extractDir must be a suffix of
// installedCoreDir; the part before it is the target directory. The first
// segment of the offset is returned as the base offset.
func TargetDirectory(extractDir, coreDir, installedCoreDir string, cmp filesync.Comparer) (target, baseOffset string, err error) {
	offset, err := filepath.Rel(filepath.Clean(extractDir), filepath.Clean(coreDir))
	if err != nil || offset == "." || offset == ".." || strings.HasPrefix(offset, ".."+string(filepath.Separator)) {
		return "", "", errors.Newf(errors.ErrPlanMismatch, "offset of %s from extract directory %s is unusable", coreDir, extractDir)
	}
	baseOffset = strings.SplitN(offset, string(filepath.Separator), 2)[0]

	installed := filepath.Clean(installedCoreDir)
	suffix := string(filepath.Separator) + offset
	if !cmp.HasSuffix(installed, suffix) {
		return "", "", errors.Newf(errors.ErrPlanMismatch, "offset %s from extract directory does not match core directory %s", offset, installed).
			WithDetail("offset", offset)
	}
	target = installed[:len(installed)-len(suffix)]
	if target == "" || strings.HasSuffix(target, ":") {
		target += string(filepath.Separator)
	}
	return target, baseOffset, nil
}

var errFound = errors.New(errors.ErrInternal, "found")

// findCore returns the first file below extractDir named like the
// configured core file.
func (r *Runner) findCore(extractDir string) (string, error) {
	want := filepath.Base(r.Config.CoreFileName)
	cmp := filesync.PlatformComparer()
	var found string
	err := afero.Walk(r.FS, extractDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() && cmp.Equal(info.Name(), want) {
			found = path
			return errFound
		}
		return nil
	})
	if err != nil && err != errFound {
		return "", errors.Wrapf(err, errors.ErrFilesystem, "search %s", extractDir)
	}
	if found == "" {
		return "", errors.Newf(errors.ErrNotFound, "core file %s not found in extract directory", want)
	}
	return found, nil
}

// fetchSignature downloads the detached signature of the release file when
// release files are trust checked and the oracle reads one. A missing
// signature is left for the trust gate to report.
func (r *Runner) fetchSignature(ctx context.Context, u *url.URL, dir string) {
	suffix := trust.SignatureSuffix(r.Oracle)
	cfg := r.Config
	if suffix == "" || !(cfg.HasSignatureFlags(model.SubjectRelease, true) || cfg.HasStrongNameFlags(model.SubjectRelease, true)) {
		return
	}
	sig := *u
	sig.Path += suffix
	sig.RawPath = ""
	if _, err := r.Source.Download(ctx, &sig, dir); err != nil {
		r.Logger.Warn().Err(err).Str("uri", sig.String()).Msg("Could not download release signature")
	}
}

func (r *Runner) ask(ctx context.Context, message string, defaultYes bool) (bool, error) {
	if r.Prompter == nil || !r.Config.IsPromptOK(false, r.Interactive) {
		r.Logger.Info().Str("message", message).Bool("answer", defaultYes).Msg("Not prompting, using default answer")
		return defaultYes, nil
	}
	return r.Prompter.Confirm(ctx, message, defaultYes)
}

func (r *Runner) acquire(name string) (Releaser, error) {
	if r.Lock != nil {
		return r.Lock(name)
	}
	return lock.Acquire(name)
}

func (r *Runner) parser() *manifest.Parser {
	if r.Parser == nil {
		r.Parser = manifest.NewParser(r.Logger)
	}
	return r.Parser
}

func (r *Runner) workDir() string {
	base := r.TempDir
	if base == "" {
		base = os.TempDir()
	}
	return filepath.Join(base, "supdate-"+uuid.NewString())
}

// removeAll deletes a work directory this run created. What-if mode does
// not keep them: they hold only downloads, never installed files.
func (r *Runner) removeAll(dir, what string) {
	if err := r.FS.RemoveAll(dir); err != nil {
		r.Logger.Warn().Err(err).Str("dir", dir).Msgf("Failed to delete %s directory", what)
		return
	}
	r.Logger.Debug().Str("dir", dir).Msgf("Deleted %s directory", what)
}

// deferDelete schedules removal of the in-use copy of the updater, if one
// was left by this run. Failures are logged only.
func (r *Runner) deferDelete() {
	if r.Config.WhatIf || r.Scheduler == nil {
		return
	}
	inUse := selfupdate.InUsePath(r.SelfPath)
	if inUse == "" {
		return
	}
	if exists, _ := afero.Exists(r.FS, inUse); !exists {
		return
	}
	if err := r.Scheduler.ScheduleDeferredDelete(inUse, DeferredDeleteDelay); err != nil {
		r.Logger.Warn().Err(errors.Wrap(err, errors.ErrDeferredDelete, "schedule deferred delete")).
			Str("file", inUse).Msg("Could not schedule deletion of in-use file")
		return
	}
	r.Logger.Debug().Str("file", inUse).Msg("Deferred delete scheduled")
}
