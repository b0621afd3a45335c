// Package extract unpacks a downloaded release file into a directory.
// Zip, zstd tar and gzip tar archives are read in process; anything else is
// handed to the configured external command.
package extract

import (
	"archive/tar"
	"context"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/3leaps/supdate/internal/errors"
)

// Placeholders understood in the command and argument formats.
const (
	PlaceholderArchive = "{{archive}}"
	PlaceholderDest    = "{{dest}}"
)

// Format names an archive layout.
type Format string

const (
	FormatZip     Format = "zip"
	FormatTarZstd Format = "tar.zst"
	FormatTarGzip Format = "tar.gz"
	FormatTar     Format = "tar"
	FormatCommand Format = "command"
)

// Detect picks the format from the archive name.
func Detect(name string) Format {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return FormatZip
	case strings.HasSuffix(lower, ".tar.zst"), strings.HasSuffix(lower, ".tzst"):
		return FormatTarZstd
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return FormatTarGzip
	case strings.HasSuffix(lower, ".tar"):
		return FormatTar
	default:
		return FormatCommand
	}
}

// Extractor unpacks archives onto FS. Command and Arguments are used for
// FormatCommand only and always run against the real filesystem.
type Extractor struct {
	FS        afero.Fs
	Command   string
	Arguments string
	Logger    zerolog.Logger
}

func New(fsys afero.Fs, command, arguments string, logger zerolog.Logger) *Extractor {
	return &Extractor{FS: fsys, Command: command, Arguments: arguments, Logger: logger}
}

// Extract unpacks archive into dest, creating dest when needed, and returns
// the number of files written, or -1 when an external command did the work.
// Entries that would land outside dest are rejected.
func (e *Extractor) Extract(ctx context.Context, archive, dest string) (int, error) {
	if err := e.FS.MkdirAll(dest, 0o755); err != nil {
		return 0, errors.Wrapf(err, errors.ErrFilesystem, "create %s", dest)
	}
	format := Detect(archive)
	logger := e.Logger.With().Str("archive", archive).Str("dest", dest).Str("format", string(format)).Logger()
	logger.Debug().Msg("Extracting release")

	var (
		n   int
		err error
	)
	switch format {
	case FormatZip:
		n, err = e.unzip(ctx, archive, dest)
	case FormatTarZstd, FormatTarGzip, FormatTar:
		n, err = e.untar(ctx, archive, dest, format)
	default:
		n, err = -1, e.run(ctx, archive, dest)
	}
	if err != nil {
		return 0, err
	}
	logger.Debug().Int("files", n).Msg("Release extracted")
	return n, nil
}

func (e *Extractor) unzip(ctx context.Context, archive, dest string) (int, error) {
	f, err := e.FS.Open(archive)
	if err != nil {
		return 0, errors.Wrapf(err, errors.ErrNotFound, "open %s", archive)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, errors.Wrapf(err, errors.ErrFilesystem, "stat %s", archive)
	}
	zr, err := zip.NewReader(f, info.Size())
	if err != nil {
		return 0, errors.Wrapf(err, errors.ErrExtract, "read zip %s", archive)
	}

	n := 0
	for _, entry := range zr.File {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		target, err := entryPath(dest, entry.Name)
		if err != nil {
			return n, err
		}
		mode := entry.Mode()
		switch {
		case mode.IsDir():
			if err := e.FS.MkdirAll(target, 0o755); err != nil {
				return n, errors.Wrapf(err, errors.ErrFilesystem, "create %s", target)
			}
			continue
		case !mode.IsRegular():
			e.Logger.Warn().Str("entry", entry.Name).Msg("Skipping non-regular zip entry")
			continue
		}
		rc, err := entry.Open()
		if err != nil {
			return n, errors.Wrapf(err, errors.ErrExtract, "open zip entry %s", entry.Name)
		}
		err = e.writeFile(target, rc, mode.Perm())
		_ = rc.Close()
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (e *Extractor) untar(ctx context.Context, archive, dest string, format Format) (int, error) {
	f, err := e.FS.Open(archive)
	if err != nil {
		return 0, errors.Wrapf(err, errors.ErrNotFound, "open %s", archive)
	}
	defer f.Close()

	var r io.Reader = f
	switch format {
	case FormatTarZstd:
		zr, err := zstd.NewReader(f)
		if err != nil {
			return 0, errors.Wrapf(err, errors.ErrExtract, "create zstd reader for %s", archive)
		}
		defer zr.Close()
		r = zr
	case FormatTarGzip:
		gr, err := gzip.NewReader(f)
		if err != nil {
			return 0, errors.Wrapf(err, errors.ErrExtract, "create gzip reader for %s", archive)
		}
		defer gr.Close()
		r = gr
	}

	tr := tar.NewReader(r)
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, errors.Wrapf(err, errors.ErrExtract, "read tar %s", archive)
		}
		target, err := entryPath(dest, hdr.Name)
		if err != nil {
			return n, err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := e.FS.MkdirAll(target, 0o755); err != nil {
				return n, errors.Wrapf(err, errors.ErrFilesystem, "create %s", target)
			}
		case tar.TypeReg:
			if err := e.writeFile(target, tr, fs.FileMode(hdr.Mode).Perm()); err != nil {
				return n, err
			}
			n++
		default:
			e.Logger.Warn().Str("entry", hdr.Name).Str("type", string(hdr.Typeflag)).Msg("Skipping non-regular tar entry")
		}
	}
}

func (e *Extractor) writeFile(target string, r io.Reader, perm fs.FileMode) error {
	if perm == 0 {
		perm = 0o644
	}
	if err := e.FS.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return errors.Wrapf(err, errors.ErrFilesystem, "create directory for %s", target)
	}
	out, err := e.FS.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return errors.Wrapf(err, errors.ErrFilesystem, "create %s", target)
	}
	if _, err := io.Copy(out, r); err != nil {
		_ = out.Close()
		return errors.Wrapf(err, errors.ErrExtract, "write %s", target)
	}
	if err := out.Close(); err != nil {
		return errors.Wrapf(err, errors.ErrFilesystem, "close %s", target)
	}
	return nil
}

// run executes the external extraction command. The formats are split on
// white space before substitution so that paths with spaces stay whole.
func (e *Extractor) run(ctx context.Context, archive, dest string) error {
	if strings.TrimSpace(e.Command) == "" {
		return errors.Newf(errors.ErrExtract, "no extraction command configured for %s", archive)
	}
	fill := strings.NewReplacer(PlaceholderArchive, archive, PlaceholderDest, dest)
	bin := fill.Replace(strings.TrimSpace(e.Command))
	var args []string
	for _, field := range strings.Fields(e.Arguments) {
		args = append(args, fill.Replace(field))
	}

	e.Logger.Info().Str("command", bin).Strs("args", args).Msg("Running extraction command")
	cmd := exec.CommandContext(ctx, bin, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		failed := errors.Newf(errors.ErrExtract, "extraction command %s", bin).
			WithDetail("output", strings.TrimSpace(string(out)))
		failed.Wrapped = err
		return failed
	}
	return nil
}

// entryPath joins an archive entry name onto dest and refuses names that
// escape it.
func entryPath(dest, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || filepath.VolumeName(clean) != "" || strings.HasPrefix(filepath.ToSlash(name), "/") {
		return "", errors.Newf(errors.ErrExtract, "archive entry %q has an absolute path", name)
	}
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", errors.Newf(errors.ErrExtract, "archive entry %q escapes the extract directory", name)
	}
	return filepath.Join(dest, clean), nil
}
