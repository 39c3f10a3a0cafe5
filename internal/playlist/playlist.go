// Package playlist parses HLS (M3U8) media playlists into an ordered list
// of segments, tracking whichever AES-128 key is active at each position.
// Master (multi-variant) playlists are rejected: callers that need variant
// selection must resolve the concrete media playlist URL themselves before
// calling Parse.
package playlist

import (
	"bufio"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ErrVariantPlaylist is returned when the body contains #EXT-X-STREAM-INF,
// marking it a master playlist rather than a media playlist.
var ErrVariantPlaylist = errors.New("Variant playlists are not supported. Provide a media playlist URL.")

// ErrEmptyPlaylist is returned when a media playlist contains zero segments.
var ErrEmptyPlaylist = errors.New("playlist contains no segments")

// Method is the encryption method carried by an #EXT-X-KEY tag.
type Method string

const (
	MethodNone   Method = ""
	MethodAES128 Method = "AES-128"
	// MethodOther covers any METHOD token this parser does not recognise;
	// it is a download-time error to encounter one on a segment.
	MethodOther Method = "OTHER"
)

// Segment is one entry of a parsed media playlist, in playlist order.
type Segment struct {
	// Position is the segment's 0-based index within the original
	// playlist, before any start/end range filtering is applied by the
	// caller. It is what the implicit AES-128 IV is derived from.
	Position int
	URL      string
	Duration float64
	KeyURI   string
	IV       []byte // exactly 16 bytes, or nil if not specified
	Method   Method
}

// Playlist is a parsed media playlist.
type Playlist struct {
	MediaSequence int
	Segments      []*Segment
}

// Parse parses an HLS media playlist body. baseURL is the effective
// response URL (after redirects) used to resolve relative segment and key
// URIs; callers should fall back to the request URL when no redirect
// occurred.
func Parse(body []byte, baseURL string) (*Playlist, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	content := string(body)
	if strings.Contains(content, "#EXT-X-STREAM-INF") {
		return nil, ErrVariantPlaylist
	}

	pl := &Playlist{}

	var (
		curMethod   Method
		curKeyURI   string
		curIV       []byte
		curDuration float64
		position    int
	)

	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			n, err := strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"))
			if err == nil {
				pl.MediaSequence = n
			}

		case strings.HasPrefix(line, "#EXTINF:"):
			durStr := strings.TrimPrefix(line, "#EXTINF:")
			durStr = strings.SplitN(durStr, ",", 2)[0]
			if d, err := strconv.ParseFloat(strings.TrimSpace(durStr), 64); err == nil {
				curDuration = d
			}

		case strings.HasPrefix(line, "#EXT-X-KEY:"):
			attrs := parseAttributes(strings.TrimPrefix(line, "#EXT-X-KEY:"))
			method := strings.ToUpper(attrs["METHOD"])
			switch method {
			case "", "NONE":
				curMethod = MethodNone
				curKeyURI = ""
				curIV = nil
			case "AES-128":
				curMethod = MethodAES128
				curKeyURI = ""
				if uri, ok := attrs["URI"]; ok {
					curKeyURI = resolveURL(base, strings.Trim(uri, `"`))
				}
				curIV = nil
				if iv, ok := attrs["IV"]; ok {
					parsed, err := parseIV(iv)
					if err == nil {
						curIV = parsed
					}
				}
			default:
				curMethod = MethodOther
				curKeyURI = ""
				curIV = nil
			}

		case strings.HasPrefix(line, "#"):
			// Unhandled tag (#EXT-X-VERSION, #EXT-X-TARGETDURATION, ...); ignored.

		default:
			seg := &Segment{
				Position: position,
				URL:      resolveURL(base, line),
				Duration: curDuration,
				Method:   curMethod,
				KeyURI:   curKeyURI,
				IV:       curIV,
			}
			pl.Segments = append(pl.Segments, seg)
			position++
			curDuration = 0
		}
	}

	if len(pl.Segments) == 0 {
		return nil, ErrEmptyPlaylist
	}

	return pl, nil
}

// resolveURL resolves ref against base; absolute refs pass through
// unchanged via url.Parse's normal resolution rules.
func resolveURL(base *url.URL, ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	if base == nil {
		return u.String()
	}
	return base.ResolveReference(u).String()
}

// parseIV parses a hex-encoded IV (optionally 0x-prefixed), left-padding to
// exactly 16 bytes as the HLS spec requires.
func parseIV(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) < 32 {
		s = strings.Repeat("0", 32-len(s)) + s
	}
	return hexDecode(s)
}

func hexDecode(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd-length hex string")
	}
	out := make([]byte, len(s)/2)
	for i := 0; i < len(out); i++ {
		hi, err := hexNibble(s[i*2])
		if err != nil {
			return nil, err
		}
		lo, err := hexNibble(s[i*2+1])
		if err != nil {
			return nil, err
		}
		out[i] = hi<<4 | lo
	}
	return out, nil
}

func hexNibble(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("invalid hex digit %q", c)
	}
}

// parseAttributes parses an HLS attribute-list (the comma-separated
// KEY=VALUE pairs following a tag, where VALUE may be a quoted string).
func parseAttributes(s string) map[string]string {
	attrs := make(map[string]string)
	for len(s) > 0 {
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			break
		}
		key := strings.TrimSpace(s[:eq])
		rest := s[eq+1:]

		var value string
		if len(rest) > 0 && rest[0] == '"' {
			end := strings.IndexByte(rest[1:], '"')
			if end < 0 {
				value = rest[1:]
				rest = ""
			} else {
				value = rest[1 : end+1]
				rest = strings.TrimPrefix(rest[end+2:], ",")
			}
		} else {
			comma := strings.IndexByte(rest, ',')
			if comma < 0 {
				value = rest
				rest = ""
			} else {
				value = rest[:comma]
				rest = rest[comma+1:]
			}
		}

		attrs[strings.ToUpper(key)] = strings.TrimSpace(value)
		s = rest
	}
	return attrs
}
