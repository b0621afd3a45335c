package verify

import (
	"crypto/md5" // #nosec G501
	"crypto/sha512"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"github.com/3leaps/supdate/internal/testutil"
)

func TestParseDigest(t *testing.T) {
	t.Parallel()

	md5Digest := strings.Repeat("a", 32)
	sha512Digest := strings.Repeat("B", 128)

	tests := []struct {
		name    string
		value   string
		algo    string
		wantHex string
		wantErr string
	}{
		{name: "empty", value: "  ", algo: "md5", wantErr: "empty"},
		{name: "md5", value: md5Digest, algo: "md5", wantHex: md5Digest},
		{name: "sha512 upper", value: sha512Digest, algo: "sha512", wantHex: strings.ToLower(sha512Digest)},
		{name: "wrong length", value: md5Digest, algo: "sha1", wantErr: "40 hex characters"},
		{name: "non hex", value: strings.Repeat("z", 32), algo: "md5", wantErr: "32 hex characters"},
		{name: "unknown algo any length", value: "abcd", algo: "crc", wantHex: "abcd"},
		{name: "unknown algo odd length", value: "abc", algo: "crc", wantErr: "hexadecimal"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseDigest(tc.value, tc.algo)
			if tc.wantErr != "" {
				if err == nil {
					t.Fatalf("expected error containing %q", tc.wantErr)
				}
				if !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("error: got %q want substring %q", err.Error(), tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDigest: %v", err)
			}
			if FormatHex(got) != tc.wantHex {
				t.Fatalf("digest: got %q want %q", FormatHex(got), tc.wantHex)
			}
		})
	}
}

func TestParseToken(t *testing.T) {
	t.Parallel()

	valid := "358237a4b8e3a87c"

	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{name: "empty", input: " ", wantErr: "required"},
		{name: "pem blob", input: "-----BEGIN KEY-----", wantErr: "hex"},
		{name: "wrong length", input: "abcd", wantErr: "hex characters"},
		{name: "non hex", input: strings.Repeat("g", 16), wantErr: "hexadecimal"},
		{name: "valid upper", input: strings.ToUpper(valid)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseToken(tc.input)
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("error: got %v want substring %q", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseToken: %v", err)
			}
			if FormatHex(got) != valid {
				t.Fatalf("token: got %q want %q", FormatHex(got), valid)
			}
		})
	}
}

func TestHashFiles(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	content := []byte("core library bytes")
	if err := afero.WriteFile(fs, "/rel/core.dll", content, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	sums, err := HashFiles(fs, "/rel/core.dll", "MD5", "sha512", "md5")
	if err != nil {
		t.Fatalf("HashFiles: %v", err)
	}
	wantMD5 := md5.Sum(content) // #nosec G401
	wantSHA512 := sha512.Sum512(content)
	if hex.EncodeToString(sums["md5"]) != hex.EncodeToString(wantMD5[:]) {
		t.Fatalf("md5 mismatch")
	}
	if !Equal(sums["sha512"], wantSHA512[:]) {
		t.Fatalf("sha512 mismatch")
	}
	if len(sums) != 2 {
		t.Fatalf("expected duplicate algos to collapse, got %d", len(sums))
	}

	single, err := HashFile(fs, "SHA512", "/rel/core.dll")
	if err != nil || !Equal(single, wantSHA512[:]) {
		t.Fatalf("HashFile: %v", err)
	}

	if _, err := HashFile(fs, "crc32", "/rel/core.dll"); err == nil {
		t.Fatalf("expected unknown algo error")
	}
	if _, err := HashFile(fs, "md5", "/rel/missing.dll"); err == nil {
		t.Fatalf("expected missing file error")
	}
	if Equal(nil, nil) {
		t.Fatalf("empty digests must not compare equal")
	}
	if !Supported("sha1") || Supported("whirlpool") {
		t.Fatalf("Supported mismatch")
	}
}

func TestVerifyMinisign(t *testing.T) {
	t.Parallel()

	key, err := testutil.NewMinisignKey()
	if err != nil {
		t.Fatalf("NewMinisignKey: %v", err)
	}
	other, err := testutil.NewMinisignKey()
	if err != nil {
		t.Fatalf("NewMinisignKey: %v", err)
	}

	fs := afero.NewMemMapFs()
	content := []byte("updater binary")
	mustWrite(t, fs, "/keys/release.pub", key.PublicKeyFile())
	mustWrite(t, fs, "/rel/supdate.exe", string(content))
	mustWrite(t, fs, "/rel/supdate.exe.minisig", key.Sign(content, "CN=Example Release Signing"))
	mustWrite(t, fs, "/rel/bad.minisig", other.Sign(content, "CN=Example Release Signing"))
	mustWrite(t, fs, "/rel/tampered.minisig", key.Sign([]byte("something else"), "CN=Example"))

	pub, err := LoadMinisignPublicKey(fs, "/keys/release.pub")
	if err != nil {
		t.Fatalf("LoadMinisignPublicKey(file): %v", err)
	}
	if _, err := LoadMinisignPublicKey(fs, key.PublicKeyBase64()); err != nil {
		t.Fatalf("LoadMinisignPublicKey(inline): %v", err)
	}

	res, err := VerifyMinisign(fs, "/rel/supdate.exe", "/rel/supdate.exe"+MinisignSuffix, pub)
	if err != nil {
		t.Fatalf("VerifyMinisign: %v", err)
	}
	if res.TrustedComment != "CN=Example Release Signing" {
		t.Fatalf("trusted comment: got %q", res.TrustedComment)
	}
	if strings.ToUpper(FormatHex(res.KeyToken)) != key.IDString() {
		t.Fatalf("key token: got %s want %s", FormatHex(res.KeyToken), key.IDString())
	}

	if _, err := VerifyMinisign(fs, "/rel/supdate.exe", "/rel/bad.minisig", pub); err == nil {
		t.Fatalf("expected key id mismatch to fail")
	}
	if _, err := VerifyMinisign(fs, "/rel/supdate.exe", "/rel/tampered.minisig", pub); err == nil {
		t.Fatalf("expected tampered content to fail")
	}
	if _, err := VerifyMinisign(fs, "/rel/supdate.exe", "/rel/missing.minisig", pub); err == nil {
		t.Fatalf("expected missing signature to fail")
	}
}

func TestParseGPGStatus(t *testing.T) {
	t.Parallel()

	out := strings.Join([]string{
		"[GNUPG:] NEWSIG",
		"[GNUPG:] GOODSIG 358237A4B8E3A87C Example Release <release@example.org>",
		"[GNUPG:] VALIDSIG 0123456789ABCDEF0123456789ABCDEF358237A4B8E3A87C 2024-01-01 1704067200 0 4 0 22 10 00 0123",
	}, "\n")

	res := ParseGPGStatus(out)
	if res.UserID != "Example Release <release@example.org>" {
		t.Fatalf("user id: got %q", res.UserID)
	}
	if FormatHex(res.Token()) != "358237a4b8e3a87c" {
		t.Fatalf("token: got %q", FormatHex(res.Token()))
	}
	if (PGPResult{}).Token() != nil {
		t.Fatalf("empty fingerprint must yield nil token")
	}
}

func TestFormatSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		n    int64
		want string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1536, "1.5 KB"},
		{5 << 20, "5.0 MB"},
		{3 << 40, "3.0 TB"},
		{2048 << 40, "2048.0 TB"},
	}
	for _, tt := range tests {
		if got := FormatSize(tt.n); got != tt.want {
			t.Fatalf("FormatSize(%d): got %q want %q", tt.n, got, tt.want)
		}
	}
}

func mustWrite(t *testing.T, fs afero.Fs, path, content string) {
	t.Helper()
	if err := afero.WriteFile(fs, path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
