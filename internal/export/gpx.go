package export

import (
	"encoding/xml"
	"fmt"
	"io"
)

const gpxTimeLayout = "2006-01-02T15:04:05Z"

// gpxFile корневой элемент GPX 1.0
type gpxFile struct {
	XMLName           xml.Name   `xml:"gpx"`
	Version           string     `xml:"version,attr"`
	Creator           string     `xml:"creator,attr"`
	XMLNS             string     `xml:"xmlns,attr"`
	XMLNSXSI          string     `xml:"xmlns:xsi,attr"`
	XSISchemaLocation string     `xml:"xsi:schemaLocation,attr"`
	Tracks            []gpxTrack `xml:"trk"`
}

type gpxTrack struct {
	Segments []gpxSegment `xml:"trkseg"`
}

type gpxSegment struct {
	Points []gpxPoint `xml:"trkpt"`
}

type gpxPoint struct {
	Lat  string `xml:"lat,attr"`
	Lon  string `xml:"lon,attr"`
	Time string `xml:"time"`
}

func formatCoord(v float64) string {
	return fmt.Sprintf("%.5f", v)
}

// WriteGPX пишет сегменты одним треком GPX 1.0
func WriteGPX(w io.Writer, segments []Segment) error {
	doc := gpxFile{
		Version:           "1.0",
		Creator:           Creator,
		XMLNS:             "http://www.topografix.com/GPX/1/0",
		XMLNSXSI:          "http://www.w3.org/2001/XMLSchema-instance",
		XSISchemaLocation: "http://www.topografix.com/GPX/1/0 http://www.topografix.com/GPX/1/0/gpx.xsd",
	}

	track := gpxTrack{}
	for _, seg := range segments {
		s := gpxSegment{Points: make([]gpxPoint, 0, len(seg.Points))}
		for _, p := range seg.Points {
			s.Points = append(s.Points, gpxPoint{
				Lat:  formatCoord(p.Latitude),
				Lon:  formatCoord(p.Longitude),
				Time: p.Time.UTC().Format(gpxTimeLayout),
			})
		}
		track.Segments = append(track.Segments, s)
	}
	doc.Tracks = []gpxTrack{track}

	return encode(w, doc, "GPX")
}

func encode(w io.Writer, doc interface{}, name string) error {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}

	encoder := xml.NewEncoder(w)
	encoder.Indent("", "  ")

	if err := encoder.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	return encoder.Flush()
}
