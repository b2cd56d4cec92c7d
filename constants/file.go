package constants

import "strings"

// AllowedExtensions holds the file extensions accepted for templates and filled forms.
var AllowedExtensions = map[string]struct{}{
	"pdf": {},
}

const (
	MIMEJPEG = "image/jpeg"
	MIMEPNG  = "image/png"
	MIMEXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// MIMEForFormat maps an image format name (JPEG, PNG) to its MIME type.
func MIMEForFormat(format string) string {
	if strings.EqualFold(format, "PNG") {
		return MIMEPNG
	}
	return MIMEJPEG
}
