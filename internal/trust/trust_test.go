package trust_test

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/supdate/internal/errors"
	"github.com/3leaps/supdate/internal/model"
	"github.com/3leaps/supdate/internal/testutil"
	"github.com/3leaps/supdate/internal/trust"
	"github.com/3leaps/supdate/internal/verify"
)

type fixture struct {
	fs     afero.Fs
	key    *testutil.MinisignKey
	oracle *trust.MinisignOracle
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fs := afero.NewMemMapFs()
	key, err := testutil.NewMinisignKey()
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, "/keys/release.pub", []byte(key.PublicKeyFile()), 0o644))
	oracle, err := trust.NewMinisignOracle(fs, "/keys/release.pub")
	require.NoError(t, err)
	return &fixture{fs: fs, key: key, oracle: oracle}
}

func (f *fixture) signed(t *testing.T, path, content, comment string) {
	t.Helper()
	testutil.WriteFiles(t, f.fs, "/", map[string]string{
		path:                         content,
		path + verify.MinisignSuffix: f.key.Sign([]byte(content), comment),
	})
}

func TestIsSigned(t *testing.T) {
	t.Parallel()

	tests := []struct {
		noAuth, authSigned, noStrong, strongSigned bool
		want                                       bool
	}{
		{false, false, false, false, false},
		{false, true, false, false, false},
		{false, false, false, true, false},
		{false, true, false, true, true},
		{true, false, false, true, true},
		{false, true, true, false, true},
		{true, false, true, false, true},
		{true, true, true, true, true},
	}

	for _, tt := range tests {
		got := trust.IsSigned(tt.noAuth, tt.authSigned, tt.noStrong, tt.strongSigned)
		assert.Equal(t, tt.want, got, "noAuth=%v auth=%v noStrong=%v strong=%v", tt.noAuth, tt.authSigned, tt.noStrong, tt.strongSigned)
	}
}

func TestMinisignOracle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.signed(t, "/app/app.exe", "binary", "Example Corp release build")

	v := f.oracle.IsAuthenticodeTrusted(ctx, "/app/app.exe", "example corp")
	assert.True(t, v.Trusted, v.Detail)
	assert.Equal(t, verify.KeyToken(f.key.ID), v.PublicKeyToken)

	v = f.oracle.IsAuthenticodeTrusted(ctx, "/app/app.exe", "Other Publisher")
	assert.False(t, v.Trusted)
	assert.Contains(t, v.Detail, "does not match subject")

	v = f.oracle.IsAuthenticodeTrusted(ctx, "/app/app.exe", "")
	assert.True(t, v.Trusted, v.Detail)

	v = f.oracle.IsStrongNameTrusted(ctx, "/app/app.exe")
	require.True(t, v.Trusted, v.Detail)
	assert.Equal(t, strings.ToLower(f.key.IDString()), verify.FormatHex(v.PublicKeyToken))

	require.NoError(t, afero.WriteFile(f.fs, "/app/app.exe", []byte("tampered"), 0o644))
	assert.False(t, f.oracle.IsStrongNameTrusted(ctx, "/app/app.exe").Trusted)

	assert.False(t, f.oracle.IsStrongNameTrusted(ctx, "/app/unsigned.exe").Trusted)
}

func TestMinisignOracleRejectsForeignKey(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	other, err := testutil.NewMinisignKey()
	require.NoError(t, err)

	testutil.WriteFiles(t, f.fs, "/", map[string]string{
		"/app/app.exe":         "binary",
		"/app/app.exe.minisig": other.Sign([]byte("binary"), "Example Corp"),
	})
	v := f.oracle.IsStrongNameTrusted(context.Background(), "/app/app.exe")
	assert.False(t, v.Trusted)
}

func TestNoopOracle(t *testing.T) {
	t.Parallel()
	var o trust.NoopOracle
	assert.False(t, o.IsAuthenticodeTrusted(context.Background(), "x", "").Trusted)
	assert.False(t, o.IsStrongNameTrusted(context.Background(), "x").Trusted)
}

func TestSelect(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	o, err := trust.Select(f.fs, "", "")
	require.NoError(t, err)
	assert.IsType(t, trust.NoopOracle{}, o)

	o, err = trust.Select(f.fs, "/keys/release.pub", "")
	require.NoError(t, err)
	assert.IsType(t, &trust.MinisignOracle{}, o)

	o, err = trust.Select(f.fs, f.key.PublicKeyBase64(), "")
	require.NoError(t, err)
	assert.IsType(t, &trust.MinisignOracle{}, o)
	assert.Equal(t, verify.MinisignSuffix, trust.SignatureSuffix(o))
	assert.Empty(t, trust.SignatureSuffix(trust.NoopOracle{}))
	assert.Equal(t, verify.PGPSuffix, trust.SignatureSuffix(&trust.GPGOracle{}))

	_, err = trust.Select(f.fs, "not-a-key", "")
	assert.Error(t, err)

	_, err = trust.Select(f.fs, "/keys/release.asc", "supdate-no-such-gpg-binary")
	assert.Error(t, err)
}

func TestCheckSelf(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name       string
		sign       bool
		sigFlags   model.Subjects
		snFlags    model.Subjects
		strict     bool
		wantAuth   bool
		wantStrong bool
		wantErr    bool
	}{
		{name: "signed both", sign: true, sigFlags: model.SubjectSelf, snFlags: model.SubjectSelf, wantAuth: true, wantStrong: true},
		{name: "no flags", sign: true},
		{name: "only strong", sign: true, snFlags: model.SubjectSelf, wantStrong: true},
		{name: "unsigned lenient", sigFlags: model.SubjectSelf, snFlags: model.SubjectSelf},
		{name: "unsigned strict", sigFlags: model.SubjectSelf, strict: true, wantErr: true},
		{name: "release flag only", sign: true, sigFlags: model.SubjectRelease},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			if tt.sign {
				f.signed(t, "/app/supdate.exe", "self", "Example Corp")
			} else {
				testutil.WriteFiles(t, f.fs, "/", map[string]string{"/app/supdate.exe": "self"})
			}
			gate := trust.NewGate(f.fs, f.oracle, trust.Policy{
				Subject:         "Example Corp",
				SignatureFlags:  tt.sigFlags,
				StrongNameFlags: tt.snFlags,
				Strict:          tt.strict,
			}, zerolog.Nop())

			res, err := gate.CheckSelf(ctx, "/app/supdate.exe")
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsCode(err, errors.ErrTrust))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantAuth, res.AuthenticodeSigned)
			assert.Equal(t, tt.wantStrong, res.StrongNameSigned)
			if tt.wantStrong {
				assert.Equal(t, verify.KeyToken(f.key.ID), res.PublicKeyToken)
			}
		})
	}
}

func TestCheckFile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	f.signed(t, "/rel/core.dll", "core", "Example Corp")
	testutil.WriteFiles(t, f.fs, "/", map[string]string{
		"/rel/readme.txt": "docs",
		"/rel/plugin.dll": "unsigned",
		"/rel/other.exe":  "other",
	})

	policy := trust.Policy{
		Subject:         "Example Corp",
		SignatureFlags:  model.SubjectOther | model.SubjectCore,
		StrongNameFlags: model.SubjectCore,
	}
	gate := trust.NewGate(f.fs, f.oracle, policy, zerolog.Nop())
	token := verify.KeyToken(f.key.ID)

	assert.NoError(t, gate.CheckFile(ctx, "/rel/core.dll", model.SubjectCore, token))
	assert.NoError(t, gate.CheckFile(ctx, "/rel/readme.txt", model.SubjectOther, nil), "non-executables are skipped")
	assert.NoError(t, gate.CheckFile(ctx, "/rel/plugin.dll", model.SubjectRelease, nil), "unflagged scope is skipped")

	err := gate.CheckFile(ctx, "/rel/plugin.dll", model.SubjectOther, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrTrust))

	err = gate.CheckFile(ctx, "/rel/core.dll", model.SubjectCore, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")

	release := trust.NewGate(f.fs, f.oracle, trust.Policy{SignatureFlags: model.SubjectRelease}, zerolog.Nop())
	err = release.CheckFile(ctx, "/rel/readme.txt", model.SubjectRelease, nil)
	assert.True(t, errors.IsCode(err, errors.ErrTrust), "release files are checked whatever their type")

	forced := trust.NewGate(f.fs, f.oracle, trust.Policy{SignatureFlags: model.SubjectOther, Force: true}, zerolog.Nop())
	assert.NoError(t, forced.CheckFile(ctx, "/rel/other.exe", model.SubjectOther, nil))
}

func TestIsExecutable(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/bin/tool", []byte("x"), 0o755))
	require.NoError(t, afero.WriteFile(fs, "/bin/data", []byte("x"), 0o644))

	tests := []struct {
		path string
		want bool
	}{
		{"/bin/app.EXE", true},
		{"/bin/lib.so", true},
		{"/bin/lib.dylib", true},
		{"/bin/readme.txt", false},
		{"/bin/tool", true},
		{"/bin/data", false},
		{"/bin/missing", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, trust.IsExecutable(fs, tt.path), tt.path)
	}
}
