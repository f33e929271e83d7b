package schema

import (
	"strings"
	"unicode"

	"releasegen/internal/domain"
)

var variants = []domain.FileVariant{domain.VariantDelta, domain.VariantFull, domain.VariantSnapshot}

// VariantName rewrites the release form of an RF2 filename, e.g.
// sct2_Concept_Delta_INT_20140731.txt -> sct2_Concept_Full_INT_20140731.txt.
// The second result is false when the name carries no release form.
func VariantName(filename string, variant domain.FileVariant) (string, bool) {
	parts := strings.Split(filename, nameSeparator)
	if len(parts) != nameSegments {
		return filename, false
	}
	for _, v := range variants {
		if strings.Contains(parts[2], string(v)) {
			parts[2] = strings.Replace(parts[2], string(v), string(variant), 1)
			return strings.Join(parts, nameSeparator), true
		}
	}
	return filename, false
}

// VariantOf reports the release form carried by filename.
func VariantOf(filename string) (domain.FileVariant, bool) {
	parts := strings.Split(filename, nameSeparator)
	if len(parts) != nameSegments {
		return "", false
	}
	for _, v := range variants {
		if strings.Contains(parts[2], string(v)) {
			return v, true
		}
	}
	return "", false
}

// BetaName adds the beta prefix to a filename when it is missing.
func BetaName(filename string) string {
	if strings.HasPrefix(filename, betaPrefix) {
		return filename
	}
	return betaPrefix + filename
}

// StripBeta removes the beta prefix from an RF2 filename.
func StripBeta(filename string) string {
	if strings.HasPrefix(filename, betaPrefix+componentPrefix) || strings.HasPrefix(filename, betaPrefix+refsetPrefix) {
		return filename[len(betaPrefix):]
	}
	return filename
}

// SameRelease reports whether two RF2 filenames describe the same file
// ignoring the release date and beta prefix, e.g. a current Delta and the
// previously published Snapshot of the same content.
func SameRelease(a, b string) bool {
	pa := strings.Split(strings.TrimSuffix(StripBeta(a), txtExtension), nameSeparator)
	pb := strings.Split(strings.TrimSuffix(StripBeta(b), txtExtension), nameSeparator)
	if len(pa) != nameSegments || len(pb) != nameSegments {
		return false
	}
	for i := 0; i < 4; i++ {
		if pa[i] != pb[i] {
			return false
		}
	}
	return true
}

// TableName derives a SQL-safe table name from a filename.
func TableName(filename string) string {
	base := strings.TrimSuffix(filename, txtExtension)
	var b strings.Builder
	for _, r := range strings.ToLower(base) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return "rf2_" + b.String()
}
