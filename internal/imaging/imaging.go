// Package imaging converts between FITS/TIFF files and frames through ImageMagick.
package imaging

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/gographics/imagick.v3/imagick"

	"frameforge/internal/frame"
)

// DefaultScale maps ImageMagick's normalized [0,1] samples onto 16-bit ADU.
const DefaultScale = 65535.0

var initOnce sync.Once

func ensureInit() { initOnce.Do(imagick.Initialize) }

// Read loads every image of a FITS or TIFF file as one plane each and builds
// the frame header from the file's FITS cards. id names the frame.
func Read(path, id string, scale float64) (*frame.Frame, error) {
	ensureInit()
	if scale <= 0 {
		scale = DefaultScale
	}
	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	n := int(mw.GetNumberImages())
	var f *frame.Frame
	props := map[string]string{}
	for i := 0; i < n; i++ {
		mw.SetIteratorIndex(i)
		width, height := mw.GetImageWidth(), mw.GetImageHeight()
		if f == nil {
			f = frame.New(id, int(width), int(height), n)
		} else if int(width) != f.Width || int(height) != f.Height {
			return nil, fmt.Errorf("%s: extension %d is %dx%d, first is %dx%d", path, i, width, height, f.Width, f.Height)
		}

		pixels, err := mw.ExportImagePixels(0, 0, width, height, "I", imagick.PIXEL_FLOAT)
		if err != nil {
			return nil, fmt.Errorf("failed to export pixels from %s: %w", path, err)
		}
		plane := f.Planes[i]
		switch v := pixels.(type) {
		case []float64:
			for j, val := range v {
				plane[j] = val * scale
			}
		case []float32:
			for j, val := range v {
				plane[j] = float64(val) * scale
			}
		default:
			return nil, fmt.Errorf("unexpected pixel type: %T", pixels)
		}

		for _, name := range mw.GetImageProperties("fits:*") {
			key := strings.TrimPrefix(name, "fits:")
			if _, seen := props[key]; !seen {
				props[key] = mw.GetImageProperty(name)
			}
		}
	}
	if f == nil {
		return nil, fmt.Errorf("%s contains no images", path)
	}
	if err := ApplyCards(f, props); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Write stores f's planes as a multi-image file; the format follows the
// extension of path. Samples are divided by scale and clamped to [0,1].
func Write(path string, f *frame.Frame, scale float64) error {
	ensureInit()
	if err := f.Validate(); err != nil {
		return err
	}
	if scale <= 0 {
		scale = DefaultScale
	}
	out := imagick.NewMagickWand()
	defer out.Destroy()

	buf := make([]float32, f.Width*f.Height)
	for _, plane := range f.Planes {
		for i, v := range plane {
			buf[i] = float32(clamp(v / scale))
		}
		mw := imagick.NewMagickWand()
		if err := mw.ConstituteImage(uint(f.Width), uint(f.Height), "I", imagick.PIXEL_FLOAT, buf); err != nil {
			mw.Destroy()
			return fmt.Errorf("failed to create image: %w", err)
		}
		if err := mw.SetImageDepth(16); err != nil {
			mw.Destroy()
			return err
		}
		for _, c := range f.Cards() {
			if err := mw.SetImageProperty("fits:"+c.Key, c.Value); err != nil {
				mw.Destroy()
				return fmt.Errorf("set %s: %w", c.Key, err)
			}
		}
		if err := out.AddImage(mw); err != nil {
			mw.Destroy()
			return err
		}
		mw.Destroy()
	}
	if err := out.WriteImages(path, true); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// ApplyCards fills f's header from FITS keyword/value pairs. PROVnnn and
// SKIPnnn cards rebuild the provenance in card order. Keywords the header
// does not model directly are kept as free keywords.
func ApplyCards(f *frame.Frame, cards map[string]string) error {
	h := &f.Header
	applied := map[int]frame.ProvenanceEntry{}
	skipped := map[int]frame.ProvenanceEntry{}
	for key, raw := range cards {
		val := strings.TrimSpace(strings.Trim(strings.TrimSpace(raw), "'"))
		key = strings.ToUpper(key)
		if n, ok := cardIndex(key, "PROV"); ok {
			e, err := frame.ParseEntry(val)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			applied[n] = e
			continue
		}
		if n, ok := cardIndex(key, "SKIP"); ok {
			e, err := frame.ParseEntry(val)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			skipped[n] = e
			continue
		}
		switch key {
		case "OBSTYPE", "IMAGETYP":
			t, err := frame.ParseObservationType(val)
			if err != nil {
				return err
			}
			h.Type = t
		case "SITEID":
			h.Site = val
		case "INSTRUME":
			h.Fingerprint.Instrument = val
		case "FILTER":
			h.Fingerprint.Filter = val
		case "CCDSUM":
			h.Fingerprint.Binning = frame.NormalizeBinning(val)
		case "READMODE", "CONFMODE":
			h.Fingerprint.ReadoutMode = val
		case "DETECTOR":
			h.Fingerprint.Detector = val
		case "EXPTIME":
			v, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return fmt.Errorf("EXPTIME %q: %w", val, err)
			}
			h.ExposureTime = v
		case "SATURATE":
			v, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return fmt.Errorf("SATURATE %q: %w", val, err)
			}
			h.Saturation = v
		case "DATE-OBS":
			t, err := parseDateObs(val)
			if err != nil {
				return err
			}
			h.ObservedAt = t
		default:
			f.SetKeyword(key, val)
		}
	}
	if h.Type == "" {
		return fmt.Errorf("frame %s has no OBSTYPE", f.ID)
	}
	f.Provenance = inOrder(applied)
	f.Skipped = inOrder(skipped)
	return nil
}

// cardIndex parses the number of a PROVnnn style keyword.
func cardIndex(key, prefix string) (int, bool) {
	digits, ok := strings.CutPrefix(key, prefix)
	if !ok || digits == "" {
		return 0, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

func inOrder(entries map[int]frame.ProvenanceEntry) []frame.ProvenanceEntry {
	if len(entries) == 0 {
		return nil
	}
	nums := make([]int, 0, len(entries))
	for n := range entries {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	out := make([]frame.ProvenanceEntry, len(nums))
	for i, n := range nums {
		out[i] = entries[n]
	}
	return out
}

func parseDateObs(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("DATE-OBS %q: unrecognized timestamp", s)
}
