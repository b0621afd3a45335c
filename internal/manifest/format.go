package manifest

import (
	"strings"

	"github.com/3leaps/supdate/internal/model"
	"github.com/3leaps/supdate/internal/verify"
)

var (
	notesUnescaper = strings.NewReplacer(
		"&ht;", "\t",
		"&vt;", "\v",
		"&lf;", "\n",
		"&cr;", "\r",
		"&amp;", "&",
	)
	notesEscaper = strings.NewReplacer(
		"&", "&amp;",
		"\t", "&ht;",
		"\v", "&vt;",
		"\n", "&lf;",
		"\r", "&cr;",
	)
)

// UnescapeNotes decodes the notes field. Text produced by "&amp;" is never
// decoded again, so "&amp;lf;" yields "&lf;".
func UnescapeNotes(s string) string {
	return notesUnescaper.Replace(s)
}

// EscapeNotes encodes text so it fits in the last field of a manifest line.
func EscapeNotes(s string) string {
	return notesEscaper.Replace(s)
}

// FormatLine writes r in manifest line form. Parsing the result yields a
// release with the same content.
func FormatLine(r *Release) string {
	name := r.Name
	if r.IsBuild() && r.BuildType != model.BuildNone {
		name += "_" + r.BuildType.String()
	}
	var patchLevel, timeStamp, baseURI string
	if !r.PatchLevel.IsZero() {
		patchLevel = r.PatchLevel.String()
	}
	if !r.TimeStamp.IsZero() {
		timeStamp = r.TimeStamp.UTC().Format(TimeStampFormat)
	}
	if r.BaseURI != nil {
		baseURI = r.BaseURI.String()
	}
	fields := [FieldCount]string{
		fieldProtocol:       string(r.Protocol),
		fieldPublicKeyToken: verify.FormatHex(r.PublicKeyToken),
		fieldName:           name,
		fieldCulture:        r.Culture,
		fieldPatchLevel:     patchLevel,
		fieldTimeStamp:      timeStamp,
		fieldBaseURI:        baseURI,
		fieldMD5:            verify.FormatHex(r.MD5),
		fieldSHA1:           verify.FormatHex(r.SHA1),
		fieldSHA512:         verify.FormatHex(r.SHA512),
		fieldNotes:          EscapeNotes(r.Notes),
	}
	return strings.Join(fields[:], FieldSeparator)
}
