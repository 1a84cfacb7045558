package export

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

type kmlFile struct {
	XMLName  xml.Name    `xml:"kml"`
	XMLNS    string      `xml:"xmlns,attr"`
	Document kmlDocument `xml:"Document"`
}

type kmlDocument struct {
	Name   string     `xml:"name"`
	Styles []kmlStyle `xml:"Style"`
	Folder kmlFolder  `xml:"Folder"`
}

type kmlStyle struct {
	ID        string       `xml:"id,attr"`
	LineStyle kmlLineStyle `xml:"LineStyle"`
}

type kmlLineStyle struct {
	Color string `xml:"color"`
	Width int    `xml:"width"`
}

type kmlFolder struct {
	Name       string         `xml:"name"`
	Placemarks []kmlPlacemark `xml:"Placemark"`
}

type kmlPlacemark struct {
	Name       string        `xml:"name"`
	StyleURL   string        `xml:"styleUrl"`
	LineString kmlLineString `xml:"LineString"`
}

type kmlLineString struct {
	Extrude      int    `xml:"extrude"`
	Tessellate   int    `xml:"tessellate"`
	AltitudeMode string `xml:"altitudeMode"`
	Coordinates  string `xml:"coordinates"`
}

// WriteKML пишет каждый сегмент отдельным Placemark в KML 2.2
func WriteKML(w io.Writer, segments []Segment) error {
	doc := kmlFile{
		XMLNS: "http://www.opengis.net/kml/2.2",
		Document: kmlDocument{
			Name: "Exported by " + Creator,
			Styles: []kmlStyle{{
				ID:        "red",
				LineStyle: kmlLineStyle{Color: "C81400FF", Width: 4},
			}},
			Folder: kmlFolder{Name: "Tracks"},
		},
	}

	for i, seg := range segments {
		doc.Document.Folder.Placemarks = append(doc.Document.Folder.Placemarks, kmlPlacemark{
			Name:     fmt.Sprintf("Track %d", i+1),
			StyleURL: "#red",
			LineString: kmlLineString{
				Extrude:      1,
				Tessellate:   1,
				AltitudeMode: "clampToGround",
				Coordinates:  kmlCoordinates(seg),
			},
		})
	}

	return encode(w, doc, "KML")
}

// kmlCoordinates строка "lon,lat" без подряд идущих повторов
func kmlCoordinates(seg Segment) string {
	var (
		b    strings.Builder
		last string
	)
	for _, p := range seg.Points {
		c := formatCoord(p.Longitude) + "," + formatCoord(p.Latitude)
		if c == last {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(c)
		last = c
	}
	return b.String()
}
