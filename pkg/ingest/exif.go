package ingest

import (
	"strings"

	exif "github.com/dsoprea/go-exif/v3"
)

// exifMeta is the provenance kept from an image's EXIF block
type exifMeta struct {
	CaptureTime string // DateTimeOriginal, else DateTime
	Camera      string // "Make Model"
}

// readExif extracts capture time and camera. ok is false when the image carries no usable EXIF.
func readExif(data []byte) (meta exifMeta, ok bool) {
	// The parser panics on some malformed blocks; EXIF is best-effort provenance.
	defer func() {
		if r := recover(); r != nil {
			meta, ok = exifMeta{}, false
		}
	}()

	rawExif, err := exif.SearchAndExtractExif(data)
	if err != nil {
		return exifMeta{}, false
	}
	entries, _, err := exif.GetFlatExifData(rawExif, nil)
	if err != nil {
		return exifMeta{}, false
	}

	var dateTime, cameraMake, model string
	for _, entry := range entries {
		value := strings.TrimSpace(strings.Trim(entry.Formatted, "\x00"))
		if value == "" {
			continue
		}
		switch entry.TagName {
		case "DateTimeOriginal":
			meta.CaptureTime = value
		case "DateTime":
			dateTime = value
		case "Make":
			cameraMake = value
		case "Model":
			model = value
		}
	}
	if meta.CaptureTime == "" {
		meta.CaptureTime = dateTime
	}
	switch {
	case cameraMake != "" && model != "" && !strings.HasPrefix(model, cameraMake):
		meta.Camera = cameraMake + " " + model
	case model != "":
		meta.Camera = model
	default:
		meta.Camera = cameraMake
	}
	return meta, meta.CaptureTime != "" || meta.Camera != ""
}
