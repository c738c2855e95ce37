package cache

import (
	"mime"
	"path/filepath"
	"strings"
)

const partialSuffix = ".partial"

var extensionsByMime = map[string]string{
	"video/mp4":        ".mp4",
	"video/x-m4v":      ".m4v",
	"video/webm":       ".webm",
	"video/x-matroska": ".mkv",
	"video/quicktime":  ".mov",
	"video/x-msvideo":  ".avi",
	"video/mp2t":       ".ts",
	"video/mpeg":       ".mpg",
	"video/ogg":        ".ogv",
	"audio/mpeg":       ".mp3",
	"audio/mp4":        ".m4a",
	"audio/ogg":        ".ogg",
	"audio/aac":        ".aac",
	"audio/flac":       ".flac",
	"audio/wav":        ".wav",
}

// Extension derives the file extension from a MIME type, falling back to .bin.
func Extension(mimeType string) string {
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(mimeType))
	}

	if ext, ok := extensionsByMime[mediaType]; ok {
		return ext
	}

	if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
		return exts[0]
	}

	return ".bin"
}

// sanitizeID maps an asset id onto a single safe path element.
func sanitizeID(id string) string {
	s := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)

	if s == "" {
		s = "unknown"
	}

	return s
}

// Path returns the cache file path for an asset. Same id and MIME type always map to the same path.
func Path(dir, id, mimeType string) string {
	return filepath.Join(dir, sanitizeID(id)+Extension(mimeType))
}

// stem returns the sanitized id a cache file name was derived from.
func stem(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

func isPartial(name string) bool {
	return strings.HasSuffix(name, partialSuffix)
}
