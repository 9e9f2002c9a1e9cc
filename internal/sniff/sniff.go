// Package sniff classifies downloaded bytes as a supported image format.
package sniff

import (
	"bytes"
	"mime"
	"strings"

	"github.com/trivalaya/lotscraper/internal/lot"
)

// MinSize is the smallest body accepted as a real image.
const MinSize = 256

// Format is a validated image classification.
type Format struct {
	Extension   string
	ContentType string
}

var (
	jpeg = Format{Extension: ".jpg", ContentType: "image/jpeg"}
	png  = Format{Extension: ".png", ContentType: "image/png"}
	webp = Format{Extension: ".webp", ContentType: "image/webp"}
	gif  = Format{Extension: ".gif", ContentType: "image/gif"}
)

var trustedTypes = map[string]Format{
	"image/jpeg":  jpeg,
	"image/jpg":   jpeg,
	"image/pjpeg": jpeg,
	"image/png":   png,
	"image/webp":  webp,
	"image/gif":   gif,
}

var htmlPreambles = [][]byte{
	[]byte("<!doctype html"),
	[]byte("<html"),
}

// Classify decides whether body is a storable image. Recognized leading bytes decide the format even when the
// server declares another type; a declared image type is used only for bodies the bytes cannot identify.
// Rejections wrap lot.ErrValidationRejected.
func Classify(body []byte, contentType string) (Format, error) {
	if len(body) < MinSize {
		return Format{}, lot.ErrTooSmall
	}
	if looksLikeHTML(body) {
		return Format{}, lot.ErrHTMLMasquerade
	}
	if f, ok := magic(body); ok {
		return f, nil
	}
	if f, ok := declared(contentType); ok {
		return f, nil
	}
	return Format{}, lot.ErrUnknownFormat
}

func looksLikeHTML(body []byte) bool {
	head := bytes.TrimLeft(body, " \t\r\n\f\v\ufeff")
	if len(head) > 64 {
		head = head[:64]
	}
	head = bytes.ToLower(head)
	for _, p := range htmlPreambles {
		if bytes.HasPrefix(head, p) {
			return true
		}
	}
	return false
}

func declared(contentType string) (Format, bool) {
	if contentType == "" {
		return Format{}, false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	}
	f, ok := trustedTypes[mediaType]
	return f, ok
}

func magic(body []byte) (Format, bool) {
	switch {
	case bytes.HasPrefix(body, []byte{0xFF, 0xD8, 0xFF}):
		return jpeg, true
	case bytes.HasPrefix(body, []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n'}):
		return png, true
	case len(body) >= 12 && bytes.Equal(body[:4], []byte("RIFF")) && bytes.Equal(body[8:12], []byte("WEBP")):
		return webp, true
	case bytes.HasPrefix(body, []byte("GIF87a")), bytes.HasPrefix(body, []byte("GIF89a")):
		return gif, true
	}
	return Format{}, false
}
