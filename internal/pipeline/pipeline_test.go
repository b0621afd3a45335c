package pipeline_test

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha512"
	"encoding/hex"
	"io"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jedisct1/go-minisign"
	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/supdate/internal/config"
	"github.com/3leaps/supdate/internal/errors"
	"github.com/3leaps/supdate/internal/filesync"
	"github.com/3leaps/supdate/internal/model"
	"github.com/3leaps/supdate/internal/pipeline"
	"github.com/3leaps/supdate/internal/selfupdate"
	"github.com/3leaps/supdate/internal/testutil"
	"github.com/3leaps/supdate/internal/transport"
	"github.com/3leaps/supdate/internal/trust"
	"github.com/3leaps/supdate/pkg/update"
)

const selfPath = "/opt/app/bin/supdate"

type fakeSource struct {
	fs        afero.Fs
	manifest  string
	payload   []byte
	extra     map[string][]byte
	manifests []string
	downloads []string
}

func (s *fakeSource) Text(_ context.Context, u *url.URL) (string, error) {
	s.manifests = append(s.manifests, u.String())
	return s.manifest, nil
}

func (s *fakeSource) Download(_ context.Context, u *url.URL, dir string) (string, error) {
	s.downloads = append(s.downloads, u.String())
	base := transport.FileName(u)
	body, ok := s.extra[base]
	switch {
	case ok:
	case len(s.downloads) == 1:
		body = s.payload
	default:
		return "", errors.Newf(errors.ErrTransport, "%s not found", u)
	}
	name := filepath.Join(dir, base)
	if err := afero.WriteFile(s.fs, name, body, 0o644); err != nil {
		return "", err
	}
	return name, nil
}

type answers []bool

// defaults records the default of every question and answers yes.
type defaults []bool

func (d *defaults) Confirm(_ context.Context, _ string, defaultYes bool) (bool, error) {
	*d = append(*d, defaultYes)
	return true, nil
}

func (a *answers) Confirm(context.Context, string, bool) (bool, error) {
	next := (*a)[0]
	*a = (*a)[1:]
	return next, nil
}

type nopLock struct{}

func (nopLock) Release() error { return nil }

type recordingScheduler struct{ paths []string }

func (s *recordingScheduler) ScheduleDeferredDelete(path string, _ time.Duration) error {
	s.paths = append(s.paths, path)
	return nil
}

func digests(content string) (string, string, string) {
	m := md5.Sum([]byte(content))
	s1 := sha1.Sum([]byte(content))
	s5 := sha512.Sum512([]byte(content))
	return hex.EncodeToString(m[:]), hex.EncodeToString(s1[:]), hex.EncodeToString(s5[:])
}

func manifestLine(protocol, version, content, notes string) string {
	m, s1, s5 := digests(content)
	return strings.Join([]string{protocol, config.DefaultPublicKeyToken, "app", "invariant", version,
		"2026-03-01T10:00:00", "https://updates.example.com/", m, s1, s5, notes}, "\t")
}

func zipOf(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = io.WriteString(w, body)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

type fixture struct {
	fs        afero.Fs
	cfg       *config.Configuration
	source    *fakeSource
	scheduler *recordingScheduler
	runner    *pipeline.Runner
}

func newFixture(t *testing.T, installed string) *fixture {
	t.Helper()
	fs := afero.NewMemMapFs()
	testutil.WriteFiles(t, fs, "/opt", map[string]string{
		"app/bin/app.dll":   "core v1",
		"app/bin/notes.txt": "orphan",
		"app/lib/init.tcl":  "init v1",
		"app/bin/supdate":   "updater v1",
	})
	require.NoError(t, fs.MkdirAll("/tmp", 0o755))

	cfg, err := config.Defaults()
	require.NoError(t, err)
	cfg.CoreDirectory = "/opt/app/bin"
	cfg.PatchLevel = update.MustParseVersion(installed)
	cfg.SignatureFlags = model.SubjectNone
	cfg.StrongNameFlags = model.SubjectNone
	cfg.NoAuthenticodeSigned = true
	cfg.NoStrongNameSigned = true
	cfg.Confirm = false

	source := &fakeSource{
		fs:       fs,
		manifest: manifestLine("1", "1.0.8.0", "core v2", "") + "\n",
		payload: zipOf(t, map[string]string{
			"app/bin/app.dll":  "core v2",
			"app/lib/init.tcl": "init v2",
		}),
	}
	scheduler := &recordingScheduler{}
	runner := &pipeline.Runner{
		FS:        fs,
		Config:    cfg,
		Oracle:    trust.NoopOracle{},
		Source:    source,
		Scheduler: scheduler,
		Lock:      func(string) (pipeline.Releaser, error) { return nopLock{}, nil },
		SelfPath:  selfPath,
		TempDir:   "/tmp",
		Logger:    zerolog.Nop(),
		Sleep:     func(context.Context, time.Duration) error { return nil },
	}
	return &fixture{fs: fs, cfg: cfg, source: source, scheduler: scheduler, runner: runner}
}

func (f *fixture) read(t *testing.T, path string) string {
	return testutil.ReadFile(t, f.fs, path)
}

func (f *fixture) tempEntries(t *testing.T) []string {
	t.Helper()
	entries, err := afero.ReadDir(f.fs, "/tmp")
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestRunUpdatesInstall(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "1.0.7.0")

	res, err := f.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeUpdated, res.Outcome)
	assert.Equal(t, update.DecisionProceed, res.Decision)
	assert.Equal(t, model.ReleaseCore, f.cfg.ReleaseType, "automatic release type resolved from installed files")

	assert.Equal(t, []string{"https://updates.example.com/stable/manifest.txt?v=7.0"}, f.source.manifests)
	assert.Equal(t, []string{"https://updates.example.com/releases/1.0.8.0/appCore.zip"}, f.source.downloads)

	assert.Equal(t, "core v2", f.read(t, "/opt/app/bin/app.dll"))
	assert.Equal(t, "init v2", f.read(t, "/opt/app/lib/init.tcl"))
	assert.Equal(t, "orphan", f.read(t, "/opt/app/bin/notes.txt"))
	assert.Equal(t, "updater v1", f.read(t, selfPath))
	assert.False(t, testutil.Exists(t, f.fs, "/opt/app/bin/app.dll.old"))
	assert.Empty(t, f.tempEntries(t), "work directories are removed")
	assert.Empty(t, f.scheduler.paths)

	require.NotNil(t, res.Plan)
	pending, err := res.Plan.Pending(f.fs, f.cfg.HashAlgorithmName)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRunUpToDate(t *testing.T) {
	t.Parallel()

	for _, installed := range []string{"1.0.8.0", "1.0.9.0"} {
		f := newFixture(t, installed)
		res, err := f.runner.Run(context.Background())
		require.NoError(t, err)
		if res.Outcome != pipeline.OutcomeUpToDate {
			t.Fatalf("%s: got %q want %q", installed, res.Outcome, pipeline.OutcomeUpToDate)
		}
		assert.Empty(t, f.source.downloads)
		assert.Equal(t, "core v1", f.read(t, "/opt/app/bin/app.dll"))
	}
}

func TestCheckDownloadsNothing(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "1.0.7.0")

	res, err := f.runner.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeAvailable, res.Outcome)
	assert.Equal(t, "1.0.8.0", res.Release.PatchLevel.String())
	assert.Len(t, f.source.manifests, 1)
	assert.Empty(t, f.source.downloads)
	assert.Equal(t, "core v1", f.read(t, "/opt/app/bin/app.dll"))

	f = newFixture(t, "1.0.8.0")
	res, err = f.runner.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeUpToDate, res.Outcome)
}

func TestRunForceReinstalls(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "1.0.8.0")
	f.cfg.Force = true

	res, err := f.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeUpdated, res.Outcome)
	assert.Equal(t, update.DecisionReinstall, res.Decision)
	assert.Equal(t, "core v2", f.read(t, "/opt/app/bin/app.dll"))
}

func TestRunConfirmation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		interactive bool
		notes       string
		answers     answers
		want        pipeline.Outcome
	}{
		{"no one to ask", false, "", nil, pipeline.OutcomeNotConfirmed},
		{"declined", true, "", answers{false}, pipeline.OutcomeNotConfirmed},
		{"accepted", true, "", answers{true}, pipeline.OutcomeUpdated},
		{"notes declined", true, "Breaking&lf;change", answers{true, false}, pipeline.OutcomeNotConfirmed},
		{"notes accepted", true, "Fixes", answers{true, true}, pipeline.OutcomeUpdated},
	}
	for _, tt := range tests {
		f := newFixture(t, "1.0.7.0")
		f.cfg.Confirm = true
		f.source.manifest = manifestLine("1", "1.0.8.0", "core v2", tt.notes)
		prompter := tt.answers
		f.runner.Prompter = &prompter
		f.runner.Interactive = tt.interactive

		res, err := f.runner.Run(context.Background())
		require.NoError(t, err, tt.name)
		if res.Outcome != tt.want {
			t.Fatalf("%s: got %q want %q", tt.name, res.Outcome, tt.want)
		}
		assert.Empty(t, prompter, "%s: every answer used", tt.name)
	}
}

func TestRunConfirmationDefaults(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "1.0.7.0")
	f.cfg.Confirm = true
	f.source.manifest = manifestLine("1", "1.0.8.0", "core v2", "Fixes")
	var seen defaults
	f.runner.Prompter = &seen
	f.runner.Interactive = true

	res, err := f.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, defaults{false, true}, seen, "proceed defaults to no, notes default to yes")
	assert.Equal(t, pipeline.OutcomeUpdated, res.Outcome)
}

func TestRunRejectsCorruptCore(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "1.0.7.0")
	f.source.manifest = manifestLine("1", "1.0.8.0", "something else", "")

	_, err := f.runner.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrIntegrity), "%v", err)
	assert.Equal(t, "core v1", f.read(t, "/opt/app/bin/app.dll"))
	assert.Empty(t, f.tempEntries(t))
}

func TestRunRejectsMismatchedLayout(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "1.0.7.0")
	f.source.payload = zipOf(t, map[string]string{"other/app.dll": "core v2"})

	_, err := f.runner.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrPlanMismatch), "%v", err)
	assert.Equal(t, "core v1", f.read(t, "/opt/app/bin/app.dll"))
}

func TestRunVerifiesSignedRelease(t *testing.T) {
	t.Parallel()
	key, err := testutil.NewMinisignKey()
	require.NoError(t, err)

	signedFixture := func(t *testing.T) *fixture {
		f := newFixture(t, "1.0.7.0")
		f.cfg.SignatureFlags = model.SubjectRelease | model.SubjectCore
		f.runner.Oracle = &trust.MinisignOracle{FS: f.fs, Key: mustKey(t, key)}
		f.source.payload = zipOf(t, map[string]string{
			"app/bin/app.dll":         "core v2",
			"app/bin/app.dll.minisig": key.Sign([]byte("core v2"), "Example Corp"),
		})
		return f
	}

	f := signedFixture(t)
	f.source.extra = map[string][]byte{"appCore.zip.minisig": []byte(key.Sign(f.source.payload, "Example Corp"))}
	res, err := f.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeUpdated, res.Outcome)
	assert.Equal(t, []string{
		"https://updates.example.com/releases/1.0.8.0/appCore.zip",
		"https://updates.example.com/releases/1.0.8.0/appCore.zip.minisig",
	}, f.source.downloads)
	assert.Equal(t, "core v2", f.read(t, "/opt/app/bin/app.dll"))

	f = signedFixture(t)
	_, err = f.runner.Run(context.Background())
	assert.True(t, errors.IsCode(err, errors.ErrTrust), "%v", err)
	assert.Equal(t, "core v1", f.read(t, "/opt/app/bin/app.dll"))
}

func mustKey(t *testing.T, key *testutil.MinisignKey) minisign.PublicKey {
	t.Helper()
	pub, err := minisign.NewPublicKey(key.PublicKeyBase64())
	require.NoError(t, err)
	return pub
}

func TestRunStopsBeforeTouchingFiles(t *testing.T) {
	t.Parallel()

	t.Run("invalid configuration", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, "1.0.7.0")
		f.cfg.CoreDirectory = ""
		_, err := f.runner.Run(context.Background())
		assert.True(t, errors.IsCode(err, errors.ErrConfigInvalid), "%v", err)
		assert.Empty(t, f.source.manifests)
	})

	t.Run("locked", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, "1.0.7.0")
		f.runner.Lock = func(name string) (pipeline.Releaser, error) {
			return nil, errors.Newf(errors.ErrLocked, "%s is held", name)
		}
		_, err := f.runner.Run(context.Background())
		assert.True(t, errors.IsCode(err, errors.ErrLocked), "%v", err)
		assert.Empty(t, f.source.manifests)
	})

	t.Run("unsigned updater", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, "1.0.7.0")
		f.cfg.SignatureFlags = model.SubjectSelf
		f.cfg.NoAuthenticodeSigned = false
		_, err := f.runner.Run(context.Background())
		assert.True(t, errors.IsCode(err, errors.ErrTrust), "%v", err)
		assert.Empty(t, f.source.manifests)
	})

	t.Run("self checks off without override", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, "1.0.7.0")
		f.cfg.NoAuthenticodeSigned = false
		f.cfg.NoStrongNameSigned = false
		_, err := f.runner.Run(context.Background())
		assert.True(t, errors.IsCode(err, errors.ErrTrust), "%v", err)
		assert.Empty(t, f.source.manifests)
	})

	t.Run("untrusted release file", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, "1.0.7.0")
		f.cfg.SignatureFlags = model.SubjectRelease
		_, err := f.runner.Run(context.Background())
		assert.True(t, errors.IsCode(err, errors.ErrTrust), "%v", err)
		assert.Equal(t, "core v1", f.read(t, "/opt/app/bin/app.dll"))
	})

	t.Run("no release", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, "1.0.7.0")
		f.cfg.Name = "other"
		_, err := f.runner.Run(context.Background())
		assert.True(t, errors.IsCode(err, errors.ErrNoRelease), "%v", err)
	})
}

func TestRunWhatIfChangesNothing(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "1.0.7.0")
	f.cfg.WhatIf = true

	res, err := f.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeUpdated, res.Outcome)
	assert.Equal(t, "core v1", f.read(t, "/opt/app/bin/app.dll"))
	assert.Equal(t, "init v1", f.read(t, "/opt/app/lib/init.tcl"))
	assert.False(t, testutil.Exists(t, f.fs, "/opt/app/bin/app.dll.old"))
	assert.Empty(t, f.tempEntries(t), "work directories are removed")
}

func TestRunSelfUpdate(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "1.0.7.0")
	f.source.manifest = strings.Join([]string{
		manifestLine("1", "1.0.8.0", "core v2", ""),
		manifestLine("3", "1.0.8.0", "updater v2", ""),
	}, "\n")
	f.source.payload = []byte("updater v2")

	res, err := f.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeSelfUpdated, res.Outcome)
	assert.True(t, res.Release.IsSelf())
	assert.Equal(t, []string{"https://updates.example.com/self/1.0.8.0/supdate"}, f.source.downloads)

	assert.Equal(t, "updater v2", f.read(t, selfPath))
	assert.Equal(t, "updater v1", f.read(t, selfupdate.InUsePath(selfPath)))
	assert.False(t, testutil.Exists(t, f.fs, selfPath+".old"))
	assert.Equal(t, "core v1", f.read(t, "/opt/app/bin/app.dll"), "the core release waits for the next run")
	assert.Equal(t, []string{selfupdate.InUsePath(selfPath)}, f.scheduler.paths)
}

func TestTargetDirectory(t *testing.T) {
	t.Parallel()
	cmp := filesync.Comparer{}

	tests := []struct {
		extract, core, installed string
		target, base             string
		ok                       bool
	}{
		{"/tmp/x", "/tmp/x/app/bin", "/opt/app/bin", "/opt", "app", true},
		{"/tmp/x", "/tmp/x/bin", "/opt/app/bin", "/opt/app", "bin", true},
		{"/tmp/x", "/tmp/x/app/bin", "/app/bin", "/", "app", true},
		{"/tmp/x", "/tmp/x", "/opt/app/bin", "", "", false},
		{"/tmp/x", "/tmp/x/lib", "/opt/app/bin", "", "", false},
		{"/tmp/x", "/tmp/x/app/bin", "/opt/xapp/bin", "", "", false},
	}
	for _, tt := range tests {
		target, base, err := pipeline.TargetDirectory(tt.extract, filepath.FromSlash(tt.core), filepath.FromSlash(tt.installed), cmp)
		if !tt.ok {
			if !errors.IsCode(err, errors.ErrPlanMismatch) {
				t.Fatalf("%s: got %v want %s", tt.core, err, errors.ErrPlanMismatch)
			}
			continue
		}
		require.NoError(t, err)
		if target != filepath.FromSlash(tt.target) || base != tt.base {
			t.Fatalf("%s under %s: got %q %q want %q %q", tt.core, tt.installed, target, base, tt.target, tt.base)
		}
	}
}
