package config

import (
	"bufio"
	"bytes"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/3leaps/supdate/internal/errors"
	"github.com/3leaps/supdate/internal/model"
	"github.com/3leaps/supdate/internal/verify"
	"github.com/3leaps/supdate/pkg/update"
)

type valueKind int

const (
	kindString valueKind = iota
	kindBool
	kindInt
	kindToken
	kindURI
	kindCulture
	kindVersion
	kindBuildType
	kindReleaseType
	kindSubjects
)

type option struct {
	name string
	kind valueKind
}

// options is every engine option in match order.
var options = []option{
	{"strict", kindBool},
	{"subjectName", kindString},
	{"id", kindString},
	{"protocolId", kindString},
	{"publicKey", kindString},
	{"publicKeyToken", kindToken},
	{"delay", kindInt},
	{"mutexName", kindString},
	{"baseUri", kindURI},
	{"tagPathAndQuery", kindString},
	{"uriFormat", kindString},
	{"name", kindString},
	{"culture", kindCulture},
	{"patchLevel", kindVersion},
	{"buildType", kindBuildType},
	{"releaseType", kindReleaseType},
	{"strongNameFlags", kindSubjects},
	{"signatureFlags", kindSubjects},
	{"coreDirectory", kindString},
	{"coreFileName", kindString},
	{"hashAlgorithmName", kindString},
	{"commandFormat", kindString},
	{"argumentFormat", kindString},
	{"logFileName", kindString},
	{"noAuthenticodeSigned", kindBool},
	{"noStrongNameSigned", kindBool},
	{"coreIsAssembly", kindBool},
	{"whatIf", kindBool},
	{"verbose", kindBool},
	{"silent", kindBool},
	{"invisible", kindBool},
	{"force", kindBool},
	{"reCheck", kindBool},
	{"tracing", kindBool},
	{"logging", kindBool},
	{"shell", kindBool},
	{"shellArgs", kindString},
	{"confirm", kindBool},
}

const switchChars = "-/"

// OptionNames lists the recognized option names.
func OptionNames() []string {
	out := make([]string, len(options))
	for i, o := range options {
		out[i] = o.name
	}
	return out
}

// canonicalKey maps a case-insensitive option or settings key to its
// canonical spelling. Underscores are ignored so environment names match.
func canonicalKey(name string) (string, bool) {
	folded := strings.ToLower(strings.ReplaceAll(name, "_", ""))
	if folded == "releasefiles" {
		return "releaseFiles", true
	}
	for _, o := range options {
		if strings.ToLower(o.name) == folded {
			return o.name, true
		}
	}
	return "", false
}

// matchOption resolves an option name by exact match, then by unique
// case-insensitive prefix.
func matchOption(name string) (option, error) {
	if name == "" {
		return option{}, fmt.Errorf("empty option name")
	}
	var matches []option
	for _, o := range options {
		if strings.EqualFold(o.name, name) {
			return o, nil
		}
		if len(name) <= len(o.name) && strings.EqualFold(o.name[:len(name)], name) {
			matches = append(matches, o)
		}
	}
	switch len(matches) {
	case 0:
		return option{}, fmt.Errorf("unsupported option %q", name)
	case 1:
		return matches[0], nil
	default:
		names := make([]string, len(matches))
		for i, m := range matches {
			names[i] = m.name
		}
		return option{}, fmt.Errorf("ambiguous option %q matches %s", name, strings.Join(names, ", "))
	}
}

// convert checks text against the option's type. Booleans and integers are
// returned typed; everything else stays text for the decode hooks.
func (o option) convert(text string) (any, error) {
	switch o.kind {
	case kindBool:
		return strconv.ParseBool(strings.TrimSpace(text))
	case kindInt:
		return strconv.Atoi(strings.TrimSpace(text))
	case kindToken:
		if _, err := verify.ParseToken(text); err != nil {
			return nil, err
		}
	case kindURI:
		u, err := url.Parse(text)
		if err != nil {
			return nil, err
		}
		if !u.IsAbs() {
			return nil, fmt.Errorf("URI %q is not absolute", text)
		}
	case kindCulture:
		if _, err := model.ParseCulture(text); err != nil {
			return nil, err
		}
	case kindVersion:
		if _, err := update.ParseVersion(text); err != nil {
			return nil, err
		}
	case kindBuildType:
		if _, err := model.ParseBuildType(text); err != nil {
			return nil, err
		}
	case kindReleaseType:
		if _, err := model.ParseReleaseType(text); err != nil {
			return nil, err
		}
	case kindSubjects:
		if _, err := model.ParseSubjects(text); err != nil {
			return nil, err
		}
	}
	return text, nil
}

// ParseArgs turns "-name value" (or "/name value") pairs into a settings
// map keyed by canonical option names. Every option takes a value. Under
// strict, the first unknown option, missing value, or malformed value is
// returned as an ARGUMENT error; otherwise it is logged and skipped. A
// "-strict" option changes the policy for the arguments that follow it.
func ParseArgs(args []string, strict bool, logger zerolog.Logger) (map[string]any, error) {
	out := make(map[string]any)
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "" {
			continue
		}
		name := strings.TrimLeft(arg, switchChars)
		if name == arg {
			if err := argProblem(strict, logger, "unsupported argument %q", arg); err != nil {
				return nil, err
			}
			continue
		}

		i++
		if i >= len(args) {
			if err := argProblem(strict, logger, "missing value for option %q", arg); err != nil {
				return nil, err
			}
			break
		}
		text := args[i]

		opt, err := matchOption(name)
		if err != nil {
			if err := argProblem(strict, logger, "%v", err); err != nil {
				return nil, err
			}
			continue
		}
		value, err := opt.convert(text)
		if err != nil {
			if err := argProblem(strict, logger, "invalid value %q for option %q: %v", text, arg, err); err != nil {
				return nil, err
			}
			continue
		}
		if opt.name == "strict" {
			strict = value.(bool)
		}
		out[opt.name] = value
	}
	return out, nil
}

func argProblem(strict bool, logger zerolog.Logger, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if strict {
		return errors.New(errors.ErrArgument, msg)
	}
	logger.Warn().Msg("Skipping argument: " + msg)
	return nil
}

// ReadArgumentFile reads an argument file: one token per trimmed line, with
// blank lines and lines starting with '#' or ';' ignored. A line holding an
// option followed by whitespace is split into the option and its value.
func ReadArgumentFile(fs afero.Fs, path string) ([]string, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrConfigLoad, "read argument file %s", path)
	}
	var out []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' || line[0] == ';' {
			continue
		}
		if strings.ContainsRune(switchChars, rune(line[0])) {
			if idx := strings.IndexAny(line, " \t"); idx > 0 {
				out = append(out, line[:idx], strings.TrimSpace(line[idx+1:]))
				continue
			}
		}
		out = append(out, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, errors.ErrConfigLoad, "scan argument file %s", path)
	}
	return out, nil
}
