package main

import (
	"bytes"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/supdate/internal/cli"
	"github.com/3leaps/supdate/internal/config"
	"github.com/3leaps/supdate/internal/testutil"
	"github.com/3leaps/supdate/pkg/update"
)

type releaseServer struct {
	*httptest.Server
	files map[string][]byte
}

func newReleaseServer(t *testing.T) *releaseServer {
	t.Helper()
	s := &releaseServer{files: map[string][]byte{}}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := s.files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(body)
	}))
	t.Cleanup(s.Close)
	return s
}

func zipArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func releaseLineFor(baseURI, version string, core []byte) string {
	m := md5.Sum(core)
	s1 := sha1.Sum(core)
	s5 := sha512.Sum512(core)
	return strings.Join([]string{"1", config.DefaultPublicKeyToken, "app", "invariant", version,
		"2026-03-01T10:00:00", baseURI, hex.EncodeToString(m[:]), hex.EncodeToString(s1[:]),
		hex.EncodeToString(s5[:]), ""}, "\t")
}

func TestIntegrationSignedApply(t *testing.T) {
	key, err := testutil.NewMinisignKey()
	require.NoError(t, err)
	srv := newReleaseServer(t)

	coreV2 := "core v2"
	archive := zipArchive(t, map[string]string{
		"app/bin/app.dll":         coreV2,
		"app/bin/app.dll.minisig": key.Sign([]byte(coreV2), "Example Corp"),
		"app/lib/init.tcl":        "init v2",
	})
	srv.files["/stable/manifest.txt"] = []byte("# release feed\n" + releaseLineFor(srv.URL+"/", "1.0.8.0", []byte(coreV2)) + "\n")
	srv.files["/releases/1.0.8.0/appCore.zip"] = archive
	srv.files["/releases/1.0.8.0/appCore.zip.minisig"] = []byte(key.Sign(archive, "Example Corp"))

	root := t.TempDir()
	coreDir := filepath.Join(root, "opt", "app", "bin")
	writeFile(t, filepath.Join(coreDir, "app.dll"), "core v1")
	writeFile(t, filepath.Join(root, "opt", "app", "lib", "init.tcl"), "init v1")
	writeFile(t, filepath.Join(root, "opt", "app", "readme.txt"), "orphan")

	engine := []string{
		"-baseUri", srv.URL + "/",
		"-coreDirectory", coreDir,
		"-patchLevel", "1.0.7.0",
		"-publicKey", key.PublicKeyBase64(),
		"-signatureFlags", "Release,Core",
		"-strongNameFlags", "None",
		"-mutexName", fmt.Sprintf("supdate-test-%d", time.Now().UnixNano()),
		"-confirm", "false",
		"-noAuthenticodeSigned", "true",
		"-noStrongNameSigned", "true",
	}

	got := invoke(t, "", append([]string{"--self-dir", coreDir, "check", "--json", "--"}, engine...)...)
	require.Equal(t, cli.ExitOK, got.code, got.stderr)
	var report checkReport
	require.NoError(t, json.Unmarshal([]byte(got.stdout), &report))
	assert.Equal(t, "available", string(report.Outcome))
	assert.Equal(t, "1.0.8.0", report.Version)
	assert.Equal(t, update.DecisionProceed, report.Decision)
	assert.Equal(t, "core v1", readFile(t, filepath.Join(coreDir, "app.dll")))

	got = invoke(t, "", append([]string{"--self-dir", coreDir, "apply", "--"}, engine...)...)
	require.Equal(t, cli.ExitOK, got.code, got.stderr)
	assert.Contains(t, got.stdout, "Installed")

	assert.Equal(t, coreV2, readFile(t, filepath.Join(coreDir, "app.dll")))
	assert.Equal(t, "init v2", readFile(t, filepath.Join(root, "opt", "app", "lib", "init.tcl")))
	assert.Equal(t, "orphan", readFile(t, filepath.Join(root, "opt", "app", "readme.txt")))

	// The installed patch level comes from configuration, so a run that says
	// it is already at 1.0.8.0 has nothing to do.
	engine[5] = "1.0.8.0"
	got = invoke(t, "", append([]string{"--self-dir", coreDir, "apply", "--"}, engine...)...)
	require.Equal(t, cli.ExitOK, got.code, got.stderr)
	assert.Contains(t, got.stdout, "Already at latest version")
}

func TestIntegrationRejectsTamperedRelease(t *testing.T) {
	key, err := testutil.NewMinisignKey()
	require.NoError(t, err)
	srv := newReleaseServer(t)

	archive := zipArchive(t, map[string]string{"app/bin/app.dll": "core v2"})
	srv.files["/stable/manifest.txt"] = []byte(releaseLineFor(srv.URL+"/", "1.0.8.0", []byte("core v2")))
	srv.files["/releases/1.0.8.0/appCore.zip"] = archive
	srv.files["/releases/1.0.8.0/appCore.zip.minisig"] = []byte(key.Sign([]byte("something else"), "Example Corp"))

	coreDir := filepath.Join(t.TempDir(), "opt", "app", "bin")
	writeFile(t, filepath.Join(coreDir, "app.dll"), "core v1")

	got := invoke(t, "", "--self-dir", coreDir, "apply", "--",
		"-baseUri", srv.URL+"/",
		"-coreDirectory", coreDir,
		"-patchLevel", "1.0.7.0",
		"-publicKey", key.PublicKeyBase64(),
		"-signatureFlags", "Release",
		"-strongNameFlags", "None",
		"-mutexName", fmt.Sprintf("supdate-test-%d", time.Now().UnixNano()),
		"-confirm", "false",
		"-noAuthenticodeSigned", "true",
		"-noStrongNameSigned", "true",
	)
	if got.code != cli.ExitFailure {
		t.Fatalf("exit code: got %d want %d (stdout %q)", got.code, cli.ExitFailure, got.stdout)
	}
	assert.True(t, strings.Contains(got.stderr, "TRUST"), got.stderr)
	assert.Equal(t, "core v1", readFile(t, filepath.Join(coreDir, "app.dll")))
}

func TestIntegrationInvalidConfiguration(t *testing.T) {
	dir := t.TempDir()
	got := invoke(t, "", "--self-dir", dir, "--strict", "check", "--", "-noSuchOption", "x")
	if got.code != cli.ExitUsage {
		t.Fatalf("exit code: got %d want %d (stderr %q)", got.code, cli.ExitUsage, got.stderr)
	}
}
