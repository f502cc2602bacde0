package processor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/rwcarlsen/goexif/exif"
	"github.com/wb-go/wbf/zlog"

	"github.com/eventphoto/photo-pipeline/internal/model"
	"github.com/eventphoto/photo-pipeline/internal/pipeline"
	imagerepo "github.com/eventphoto/photo-pipeline/internal/repository/image"
)

// captureTimeLayout is the fixed EXIF datetime format.
const captureTimeLayout = "2006:01:02 15:04:05"

// MetadataExtractor parses embedded camera metadata from the original bytes
// into structured fields. Extraction is best effort per field: a missing or
// malformed tag leaves its field nil and never aborts the others.
type MetadataExtractor struct {
	blob    blobStore
	records imageRecords
}

// NewMetadataExtractor creates a metadata extractor over the given storage
// backend and image record store.
func NewMetadataExtractor(blob blobStore, records imageRecords) *MetadataExtractor {
	return &MetadataExtractor{blob: blob, records: records}
}

// Kind implements pipeline.Processor.
func (p *MetadataExtractor) Kind() model.TaskKind { return model.TaskMetadata }

// Process reads the original image, extracts camera metadata, and writes the
// metadata field subset back to the image record.
func (p *MetadataExtractor) Process(ctx context.Context, t model.ProcessingTask) error {
	img, err := p.records.GetImage(ctx, t.ImageID)
	if err != nil {
		if errors.Is(err, imagerepo.ErrImageNotFound) {
			// Image deleted while the task was queued; nothing to do.
			return nil
		}

		return fmt.Errorf("metadata: failed to load image record: %w", err)
	}

	data, err := p.blob.ReadAll(ctx, img.OriginalKey)
	if err != nil {
		return fmt.Errorf("metadata: failed to read original: %w", err)
	}

	// An undecodable blob will fail identically on every retry. A decodable
	// image without EXIF is fine and yields all-nil fields.
	if _, _, err := image.DecodeConfig(bytes.NewReader(data)); err != nil {
		return pipeline.Permanent(fmt.Errorf("metadata: failed to decode image: %w", err))
	}

	meta := ExtractCameraMetadata(data)

	if err := p.records.SetMetadata(ctx, t.ImageID, meta); err != nil {
		if errors.Is(err, imagerepo.ErrImageNotFound) {
			zlog.Logger.Info().Str("image_id", t.ImageID.String()).Msg("image deleted mid-flight, discarding metadata")
			return nil
		}

		return fmt.Errorf("metadata: failed to write back: %w", err)
	}

	return nil
}

// ExtractCameraMetadata parses EXIF tags from raw image bytes. Each field is
// populated independently; absence of EXIF data entirely is not an error.
func ExtractCameraMetadata(data []byte) model.CameraMetadata {
	var meta model.CameraMetadata

	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil || x == nil {
		return meta
	}

	meta.CameraModel = stringField(x, exif.Model)

	if num, den, ok := ratField(x, exif.FNumber); ok {
		aperture := fmt.Sprintf("f/%.1f", float64(num)/float64(den))
		meta.Aperture = &aperture
	}

	if num, den, ok := ratField(x, exif.ExposureTime); ok {
		shutter := fmt.Sprintf("%d/%d", num, den)
		meta.ShutterSpeed = &shutter
	}

	if tag, err := x.Get(exif.ISOSpeedRatings); err == nil && tag != nil {
		if iso, err := tag.Int(0); err == nil {
			meta.ISO = &iso
		}
	}

	if num, den, ok := ratField(x, exif.FocalLength); ok {
		focal := float64(num) / float64(den)
		meta.FocalLength = &focal
	}

	meta.GPSLatitude = gpsCoordinate(x, exif.GPSLatitude, exif.GPSLatitudeRef)
	meta.GPSLongitude = gpsCoordinate(x, exif.GPSLongitude, exif.GPSLongitudeRef)
	meta.CaptureTime = captureTime(x)

	return meta
}

func stringField(x *exif.Exif, name exif.FieldName) *string {
	tag, err := x.Get(name)
	if err != nil || tag == nil {
		return nil
	}

	s, err := tag.StringVal()
	if err != nil || s == "" {
		return nil
	}

	return &s
}

func ratField(x *exif.Exif, name exif.FieldName) (num, den int64, ok bool) {
	tag, err := x.Get(name)
	if err != nil || tag == nil {
		return 0, 0, false
	}

	num, den, err = tag.Rat2(0)
	if err != nil || den == 0 {
		return 0, 0, false
	}

	return num, den, true
}

// gpsCoordinate reads one GPS coordinate as three degree/minute/second
// rationals plus a hemisphere reference and converts it to decimal degrees.
func gpsCoordinate(x *exif.Exif, coordTag, refTag exif.FieldName) *float64 {
	tag, err := x.Get(coordTag)
	if err != nil || tag == nil {
		return nil
	}

	var dms [3]float64
	for i := 0; i < 3; i++ {
		num, den, err := tag.Rat2(i)
		if err != nil || den == 0 {
			return nil
		}
		dms[i] = float64(num) / float64(den)
	}

	ref := ""
	if refField, err := x.Get(refTag); err == nil && refField != nil {
		ref, _ = refField.StringVal()
	}

	dec := DMSToDecimal(dms[0], dms[1], dms[2], ref)
	return &dec
}

// DMSToDecimal converts degrees/minutes/seconds to decimal degrees. Southern
// and western hemispheres are negative.
func DMSToDecimal(degrees, minutes, seconds float64, ref string) float64 {
	dec := degrees + minutes/60 + seconds/3600
	if ref == "S" || ref == "W" {
		dec = -dec
	}

	return dec
}

// captureTime parses the capture timestamp, preferring DateTimeOriginal over
// DateTime. Parse failures leave the field nil.
func captureTime(x *exif.Exif) *time.Time {
	for _, name := range []exif.FieldName{exif.DateTimeOriginal, exif.DateTime} {
		tag, err := x.Get(name)
		if err != nil || tag == nil {
			continue
		}

		s, err := tag.StringVal()
		if err != nil {
			continue
		}

		ts, err := time.Parse(captureTimeLayout, s)
		if err != nil {
			continue
		}

		return &ts
	}

	return nil
}
