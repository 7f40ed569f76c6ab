package gps

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/adrianmo/go-nmea"
)

var (
	// ErrUnsupportedSentence is returned for sentence types that are not decoded
	ErrUnsupportedSentence = errors.New("unsupported nmea sentence")

	// ErrMalformed is returned for sentences that fail framing, checksum or
	// field validation
	ErrMalformed = errors.New("malformed nmea sentence")
)

const knotsToKMH = 1.852

// Sentence types understood by Parse
const (
	SentenceGGA = nmea.TypeGGA
	SentenceVTG = nmea.TypeVTG
	SentenceRMC = nmea.TypeRMC
)

// Parse decodes one NMEA sentence into fix and returns the sentence type.
// Fields absent from the sentence leave fix unchanged.
func Parse(line string, fix *Fix) (string, error) {
	line = strings.TrimSpace(line)

	base, err := nmea.ParseSentence(line)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	kind := base.Type
	switch kind {
	case SentenceGGA, SentenceVTG, SentenceRMC:
	default:
		return kind, fmt.Errorf("%w: %s%s", ErrUnsupportedSentence, base.Talker, kind)
	}

	s, err := nmea.Parse(line)
	if err != nil {
		return kind, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	switch m := s.(type) {
	case nmea.GGA:
		return kind, applyGGA(m, fix)
	case nmea.VTG:
		applyVTG(m, fix)
	case nmea.RMC:
		fix.Declination = m.Variation
	}
	return kind, nil
}

func applyGGA(m nmea.GGA, fix *Fix) error {
	quality := 0
	if m.FixQuality != "" {
		q, err := strconv.Atoi(m.FixQuality)
		if err != nil {
			return fmt.Errorf("%w: GGA quality '%s'", ErrMalformed, m.FixQuality)
		}
		quality = q
	}

	fix.Quality = quality
	fix.Satellites = int(m.NumSatellites)
	fix.Fixed = m.FixQuality != "" && m.FixQuality != nmea.Invalid

	// empty position fields decode as 0,0
	if m.Latitude != 0 || m.Longitude != 0 {
		fix.Latitude = m.Latitude
		fix.Longitude = m.Longitude
	}
	return nil
}

func applyVTG(m nmea.VTG, fix *Fix) {
	kph := m.GroundSpeedKPH
	if kph == 0 && m.GroundSpeedKnots != 0 {
		kph = m.GroundSpeedKnots * knotsToKMH
	}

	fix.Course = m.TrueTrack
	fix.SpeedKMH = kph
}
