package uploader

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

const (
	UploadPrefix     = "uploads/"
	DiagnosticPrefix = "diag/"
)

var (
	unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

	windowsDeviceNames = map[string]bool{
		"CON": true, "PRN": true, "AUX": true, "NUL": true,
		"COM1": true, "COM2": true, "COM3": true, "COM4": true,
		"LPT1": true, "LPT2": true, "LPT3": true,
	}
)

// SanitizeFilename reduces a client supplied name to a safe ASCII basename.
// Names that try to traverse directories, or that are empty once cleaned, are
// rejected with ErrInvalidFilename.
func SanitizeFilename(name string) (string, error) {
	name = norm.NFKD.String(name)

	segments := strings.FieldsFunc(name, func(r rune) bool {
		return r == '/' || r == '\\'
	})
	for _, seg := range segments {
		if strings.TrimSpace(seg) == ".." {
			return "", ErrInvalidFilename
		}
	}

	// Fold accents onto their base letters and drop whatever is left outside
	// ASCII.
	folded := strings.Map(func(r rune) rune {
		if r > unicode.MaxASCII {
			return -1
		}
		return r
	}, name)

	folded = strings.NewReplacer("/", " ", "\\", " ").Replace(folded)
	cleaned := strings.Join(strings.Fields(folded), "_")
	cleaned = unsafeFilenameChars.ReplaceAllString(cleaned, "")
	cleaned = strings.Trim(cleaned, "._")

	if cleaned == "" {
		return "", ErrInvalidFilename
	}

	base, _, _ := strings.Cut(cleaned, ".")
	if windowsDeviceNames[strings.ToUpper(base)] {
		cleaned = "_" + cleaned
	}

	return cleaned, nil
}

// NewKey returns the storage key for an already sanitized filename.
func NewKey(sanitized string) string {
	return UploadPrefix + uuid.NewString() + "_" + sanitized
}

// newDiagnosticKey returns a throwaway key outside the uploads namespace.
func newDiagnosticKey() string {
	return DiagnosticPrefix + uuid.NewString() + ".txt"
}
