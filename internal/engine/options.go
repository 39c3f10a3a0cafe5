package engine

import (
	"strings"
)

// OutputFormat selects the final container.
type OutputFormat string

const (
	FormatTS  OutputFormat = "ts"
	FormatMP4 OutputFormat = "mp4"
)

// Options is a task's immutable-after-validation configuration.
type Options struct {
	URL            string
	Title          string
	OutputFormat   OutputFormat
	StartSegment   int // 1-based; 0 means unset
	EndSegment     int // 1-based; 0 means unset
	StreamToDisk   bool
	Decrypt        bool
	MaxRetries     int
	Headers        map[string]string
	MaxBytesPerSec int64
}

// DefaultOptions returns an Options with the spec's documented defaults
// (output_format=ts, max_retries=3, decrypt=true, stream_to_disk=true).
// Callers construct from this and override only what they need.
func DefaultOptions() Options {
	return Options{
		OutputFormat: FormatTS,
		MaxRetries:   defaultMaxRetries,
		Decrypt:      true,
		StreamToDisk: true,
	}
}

const (
	defaultUserAgent  = "hlsfetch/1.0 (+https://github.com/corvusmedia/hlsfetch)"
	defaultMaxRetries = 3
	maxTitleLength    = 80
)

// Validate checks o for well-formedness and returns a normalised copy with
// defaults applied (title sanitisation, format default, header merge).
// Mirrors the teacher's config.Config.Validate, extended with the HLS
// task's own range and format rules.
func (o Options) Validate() (Options, error) {
	if strings.TrimSpace(o.URL) == "" {
		return Options{}, newErr(KindValidation, "url is required")
	}

	out := o
	out.Title = sanitizeTitle(o.Title)

	switch out.OutputFormat {
	case "":
		out.OutputFormat = FormatTS
	case FormatTS, FormatMP4:
		// accepted as-is
	default:
		return Options{}, newErr(KindValidation, "invalid output_format: "+string(o.OutputFormat))
	}

	if out.StartSegment != 0 && out.StartSegment < 1 {
		return Options{}, newErr(KindValidation, "start_segment must be >= 1")
	}
	if out.EndSegment != 0 && out.EndSegment < 1 {
		return Options{}, newErr(KindValidation, "end_segment must be >= 1")
	}
	if out.StartSegment != 0 && out.EndSegment != 0 && out.StartSegment > out.EndSegment {
		return Options{}, newErr(KindValidation, "start_segment must be <= end_segment")
	}

	if out.MaxRetries < 0 {
		return Options{}, newErr(KindValidation, "max_retries must be >= 0")
	}

	out.Headers = mergeHeaders(o.Headers)

	return out, nil
}

// mergeHeaders overlays caller headers on top of the built-in User-Agent
// default, preserving caller overrides.
func mergeHeaders(caller map[string]string) map[string]string {
	merged := map[string]string{"User-Agent": defaultUserAgent}
	for k, v := range caller {
		merged[k] = v
	}
	return merged
}

// sanitizeTitle strips everything outside [A-Za-z0-9_-], truncates to
// maxTitleLength, and falls back to "video" when nothing survives.
func sanitizeTitle(title string) string {
	var b strings.Builder
	for _, r := range title {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		}
		if b.Len() >= maxTitleLength {
			break
		}
	}
	out := b.String()
	if out == "" {
		return "video"
	}
	return out
}
