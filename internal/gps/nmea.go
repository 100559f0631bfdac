package gps

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrMalformed reports a sentence that cannot be decoded.
	ErrMalformed = errors.New("gps: malformed NMEA sentence")
	// ErrChecksum reports a sentence whose *HH checksum does not match.
	ErrChecksum = errors.New("gps: NMEA checksum mismatch")
	// ErrNoFix reports a GGA sentence carrying empty coordinates.
	ErrNoFix = errors.New("gps: GGA without position")
)

// Sentence is one decoded NMEA 0183 line.
type Sentence struct {
	Talker string   // "GP", "GN", ...
	Type   string   // "GGA", "RMC", ...
	Fields []string // data fields after the address field
}

// ParseSentence splits a "$TTSSS,f1,f2*HH" line. The checksum is verified
// when present.
func ParseSentence(line string) (Sentence, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return Sentence{}, fmt.Errorf("%w: missing '$' in %q", ErrMalformed, line)
	}
	body := line[1:]
	if star := strings.LastIndexByte(body, '*'); star >= 0 {
		sum := body[star+1:]
		body = body[:star]
		want, err := strconv.ParseUint(sum, 16, 8)
		if err != nil || len(sum) != 2 {
			return Sentence{}, fmt.Errorf("%w: bad checksum field %q", ErrMalformed, sum)
		}
		var got byte
		for i := 0; i < len(body); i++ {
			got ^= body[i]
		}
		if got != byte(want) {
			return Sentence{}, fmt.Errorf("%w: got %02X want %02X", ErrChecksum, got, want)
		}
	}

	parts := strings.Split(body, ",")
	addr := parts[0]
	if len(addr) < 5 {
		return Sentence{}, fmt.Errorf("%w: short address %q", ErrMalformed, addr)
	}
	// Proprietary sentences ($P...) carry no talker.
	if addr[0] == 'P' {
		return Sentence{Talker: "P", Type: addr[1:], Fields: parts[1:]}, nil
	}
	return Sentence{Talker: addr[:2], Type: addr[2:], Fields: parts[1:]}, nil
}

// GGA holds the fix fields of a GGA sentence.
type GGA struct {
	Time       string
	Latitude   float64
	Longitude  float64
	Quality    int
	Satellites int
	HDOP       float64
	Altitude   float64
}

// ParseGGA decodes the data fields of a GGA sentence.
func ParseGGA(s Sentence) (GGA, error) {
	if s.Type != "GGA" {
		return GGA{}, fmt.Errorf("%w: %s is not GGA", ErrMalformed, s.Type)
	}
	f := s.Fields
	if len(f) < 9 {
		return GGA{}, fmt.Errorf("%w: GGA has %d fields", ErrMalformed, len(f))
	}
	if f[1] == "" || f[3] == "" {
		return GGA{}, ErrNoFix
	}

	lat, err := ParseCoord(f[1], f[2])
	if err != nil {
		return GGA{}, err
	}
	lon, err := ParseCoord(f[3], f[4])
	if err != nil {
		return GGA{}, err
	}
	quality, err := strconv.Atoi(f[5])
	if err != nil {
		return GGA{}, fmt.Errorf("%w: fix quality %q", ErrMalformed, f[5])
	}

	g := GGA{Time: f[0], Latitude: lat, Longitude: lon, Quality: quality}
	// Optional fields; receivers leave them blank without a fix.
	g.Satellites, _ = strconv.Atoi(f[6])
	g.HDOP, _ = strconv.ParseFloat(f[7], 64)
	g.Altitude, _ = strconv.ParseFloat(f[8], 64)
	return g, nil
}

// ParseCoord converts NMEA ddmm.mmmm / dddmm.mmmm to decimal degrees.
// For example, 4807.038,N -> 48.1173.
func ParseCoord(value, hemisphere string) (float64, error) {
	dot := strings.IndexByte(value, '.')
	if dot < 0 {
		dot = len(value)
	}
	if dot < 3 {
		return 0, fmt.Errorf("%w: coordinate %q", ErrMalformed, value)
	}
	deg, err := strconv.ParseFloat(value[:dot-2], 64)
	if err != nil {
		return 0, fmt.Errorf("%w: coordinate %q", ErrMalformed, value)
	}
	min, err := strconv.ParseFloat(value[dot-2:], 64)
	if err != nil || min >= 60 {
		return 0, fmt.Errorf("%w: coordinate %q", ErrMalformed, value)
	}

	dec := deg + min/60.0
	switch hemisphere {
	case "N", "E":
	case "S", "W":
		dec = -dec
	default:
		return 0, fmt.Errorf("%w: hemisphere %q", ErrMalformed, hemisphere)
	}
	return dec, nil
}

// Checksum returns the NMEA checksum of body (the text between '$' and '*').
func Checksum(body string) string {
	var sum byte
	for i := 0; i < len(body); i++ {
		sum ^= body[i]
	}
	return fmt.Sprintf("%02X", sum)
}
