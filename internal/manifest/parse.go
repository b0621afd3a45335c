package manifest

import (
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/3leaps/supdate/internal/errors"
	"github.com/3leaps/supdate/internal/model"
	"github.com/3leaps/supdate/internal/verify"
	"github.com/3leaps/supdate/pkg/update"
)

// Field layout of one manifest line.
const (
	fieldProtocol = iota
	fieldPublicKeyToken
	fieldName
	fieldCulture
	fieldPatchLevel
	fieldTimeStamp
	fieldBaseURI
	fieldMD5
	fieldSHA1
	fieldSHA512
	fieldNotes

	FieldCount
)

const (
	FieldSeparator = "\t"
	commentChars   = "#;"
)

var lineBreaks = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// TimeStampFormat is how FormatLine writes timestamps.
const TimeStampFormat = "2006-01-02T15:04:05.0000000"

var timeStampLayouts = []string{
	time.RFC3339Nano,
	TimeStampFormat,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Result is the outcome of one Parse.
type Result struct {
	// Releases keeps the last release seen for each key.
	Releases map[Key]*Release
	// Ordered lists every parsed release in line order.
	Ordered []*Release
	// Counts holds per-protocol tallies: build, script, self, plugin, other.
	Counts [model.ProtocolBuckets]int
	// LineErrors has one entry per rejected line.
	LineErrors *multierror.Error
	// Lines is the number of non-blank, non-comment lines seen.
	Lines int
}

// Failed is the number of rejected lines.
func (r *Result) Failed() int {
	if r.LineErrors == nil {
		return 0
	}
	return len(r.LineErrors.Errors)
}

// Parser assigns release ids. One Parser can be shared; ids keep increasing
// across calls.
type Parser struct {
	Logger zerolog.Logger
	nextID atomic.Int64
}

func NewParser(logger zerolog.Logger) *Parser {
	return &Parser{Logger: logger}
}

// Parse reads manifest text. Malformed lines are recorded in LineErrors and
// skipped; the parse fails only when no line parsed or, under strict, on
// the first malformed line.
func (p *Parser) Parse(text string, strict bool) (*Result, error) {
	res := &Result{Releases: make(map[Key]*Release)}
	lines := strings.Split(lineBreaks.Replace(text), "\n")

	for i, raw := range lines {
		line := strings.Trim(raw, " ")
		if strings.TrimSpace(line) == "" || strings.ContainsRune(commentChars, rune(line[0])) {
			continue
		}
		res.Lines++
		lineNo := i + 1

		rel, err := p.parseLine(line, lineNo)
		if err != nil {
			if strict {
				return res, errors.Wrapf(err, errors.ErrManifestParse, "line %d", lineNo)
			}
			res.LineErrors = multierror.Append(res.LineErrors, fmt.Errorf("line %d: %w", lineNo, err))
			p.Logger.Debug().Int("line", lineNo).Err(err).Msg("Skipping malformed manifest line")
			continue
		}

		res.Counts[rel.Protocol.Bucket()]++
		res.Ordered = append(res.Ordered, rel)
		res.Releases[rel.Key()] = rel
		p.Logger.Trace().Object("release", rel).Msg("Parsed release")
	}

	if len(res.Ordered) == 0 {
		err := errors.New(errors.ErrManifestParse, "manifest contains no usable release lines")
		if res.LineErrors != nil {
			return res, errors.Wrap(res.LineErrors, errors.ErrManifestParse, err.Error())
		}
		return res, err
	}
	p.Logger.Debug().Int("parsed", len(res.Ordered)).Int("failed", res.Failed()).
		Ints("counts", res.Counts[:]).Msg("Manifest parsed")
	return res, nil
}

// ParseLine parses a single manifest line.
func (p *Parser) ParseLine(line string) (*Release, error) {
	return p.parseLine(strings.Trim(line, " "), 0)
}

func (p *Parser) parseLine(line string, lineNo int) (*Release, error) {
	fields := strings.SplitN(line, FieldSeparator, FieldCount)
	if len(fields) < FieldCount {
		return nil, fmt.Errorf("protocol mismatch: %d fields, expected %d", len(fields), FieldCount)
	}

	rel := &Release{Line: lineNo}

	protocol := model.Protocol(strings.TrimSpace(fields[fieldProtocol]))
	if protocol == "" {
		return nil, fmt.Errorf("invalid protocol %q", fields[fieldProtocol])
	}
	rel.Protocol = protocol

	if s := strings.TrimSpace(fields[fieldPublicKeyToken]); s != "" {
		token, err := verify.ParseToken(s)
		if err != nil {
			return nil, err
		}
		rel.PublicKeyToken = token
	}

	rel.Name = fields[fieldName]
	if rel.IsBuild() {
		rel.Name, rel.BuildType = splitBuildType(rel.Name)
	}
	if rel.IsSelf() {
		rel.URIFormat = SelfURIFormat
	}

	culture, err := model.ParseCulture(fields[fieldCulture])
	if err != nil {
		return nil, err
	}
	rel.Culture = culture

	if s := strings.TrimSpace(fields[fieldPatchLevel]); s != "" {
		v, err := update.ParseVersion(s)
		if err != nil {
			return nil, fmt.Errorf("patch level: %w", err)
		}
		rel.PatchLevel = v
	}

	if s := strings.TrimSpace(fields[fieldTimeStamp]); s != "" {
		ts, err := parseTimeStamp(s)
		if err != nil {
			return nil, err
		}
		rel.TimeStamp = ts
	}

	if s := strings.TrimSpace(fields[fieldBaseURI]); s != "" {
		u, err := url.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("base uri: %w", err)
		}
		if !u.IsAbs() {
			return nil, fmt.Errorf("base uri %q is not absolute", s)
		}
		rel.BaseURI = u
	}

	for _, d := range []struct {
		field int
		algo  string
		dst   *[]byte
	}{
		{fieldMD5, verify.AlgoMD5, &rel.MD5},
		{fieldSHA1, verify.AlgoSHA1, &rel.SHA1},
		{fieldSHA512, verify.AlgoSHA512, &rel.SHA512},
	} {
		if strings.TrimSpace(fields[d.field]) == "" {
			continue
		}
		digest, err := verify.ParseDigest(fields[d.field], d.algo)
		if err != nil {
			return nil, err
		}
		*d.dst = digest
	}

	rel.Notes = UnescapeNotes(fields[fieldNotes])
	rel.ID = p.nextID.Add(1)
	return rel, nil
}

// splitBuildType separates a trailing "_Debug" or "_Release" from a build
// release name. Any other suffix stays part of the name.
func splitBuildType(field string) (string, model.BuildType) {
	idx := strings.LastIndex(field, "_")
	if idx <= 0 || idx == len(field)-1 {
		return field, model.BuildNone
	}
	bt, err := model.ParseBuildType(field[idx+1:])
	if err != nil || bt == model.BuildNone || bt == model.BuildInvalid {
		return field, model.BuildNone
	}
	return field[:idx], bt
}

func parseTimeStamp(s string) (time.Time, error) {
	for _, layout := range timeStampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("timestamp %q is not ISO 8601", s)
}
