// Package cot models Cursor-on-Target 2.0 events and serializes them to the
// XML wire form consumed by TAK servers: one self-contained <event> element
// per frame, UTF-8 without BOM, ISO-8601 timestamps with an explicit Z.
package cot

import (
	"encoding/xml"
	"fmt"
	"time"
)

const (
	// HowMachineGPS is the "how" attribute for machine-generated GPS fixes.
	HowMachineGPS = "m-g"

	// UnknownHAE is the height-above-ellipsoid sentinel for unknown altitude.
	UnknownHAE = 9999999.0

	// UnknownAccuracy is the CE/LE sentinel for unknown accuracy, in meters.
	UnknownAccuracy = 99.9
)

// Event is a CoT 2.0 event.
type Event struct {
	XMLName xml.Name `xml:"event"`
	Version string   `xml:"version,attr"`
	UID     string   `xml:"uid,attr"`
	Type    string   `xml:"type,attr"`
	How     string   `xml:"how,attr"`
	Time    cotTime  `xml:"time,attr"`
	Start   cotTime  `xml:"start,attr"`
	Stale   cotTime  `xml:"stale,attr"`
	Point   Point    `xml:"point"`
	Detail  *Detail  `xml:"detail,omitempty"`
}

// Point is the event position.
type Point struct {
	Lat float64 `xml:"lat,attr"`
	Lon float64 `xml:"lon,attr"`
	HAE float64 `xml:"hae,attr"`
	CE  float64 `xml:"ce,attr"`
	LE  float64 `xml:"le,attr"`
}

// Detail carries the optional event detail block.
type Detail struct {
	Contact *Contact `xml:"contact,omitempty"`
	Track   *Track   `xml:"track,omitempty"`
	Remarks string   `xml:"remarks,omitempty"`
}

// Contact names the tracked entity.
type Contact struct {
	Callsign string `xml:"callsign,attr"`
}

// Track carries course and speed.
type Track struct {
	Course float64 `xml:"course,attr"`
	Speed  float64 `xml:"speed,attr"`
}

// cotTime marshals a time as ISO-8601 UTC with millisecond precision and a Z
// suffix, the form TAK clients expect.
type cotTime time.Time

func (t cotTime) MarshalXMLAttr(name xml.Name) (xml.Attr, error) {
	return xml.Attr{
		Name:  name,
		Value: time.Time(t).UTC().Format("2006-01-02T15:04:05.000Z"),
	}, nil
}

// New builds an event with the standard attributes filled in: version 2.0,
// how m-g, start equal to eventTime, stale at eventTime+staleAfter, and
// unknown-position sentinels on the point.
func New(uid, cotType string, eventTime time.Time, staleAfter time.Duration) *Event {
	return &Event{
		Version: "2.0",
		UID:     uid,
		Type:    cotType,
		How:     HowMachineGPS,
		Time:    cotTime(eventTime),
		Start:   cotTime(eventTime),
		Stale:   cotTime(eventTime.Add(staleAfter)),
		Point: Point{
			HAE: UnknownHAE,
			CE:  UnknownAccuracy,
			LE:  UnknownAccuracy,
		},
	}
}

// SetPosition fills the point. alt and accuracy may be nil for unknown.
func (e *Event) SetPosition(lat, lon float64, alt, accuracy *float64) {
	e.Point.Lat = lat
	e.Point.Lon = lon
	if alt != nil {
		e.Point.HAE = *alt
	}
	if accuracy != nil {
		e.Point.CE = *accuracy
		e.Point.LE = *accuracy
	}
}

// SetContact sets the detail contact callsign, creating the detail block as
// needed. An empty callsign is ignored.
func (e *Event) SetContact(callsign string) {
	if callsign == "" {
		return
	}
	if e.Detail == nil {
		e.Detail = &Detail{}
	}
	e.Detail.Contact = &Contact{Callsign: callsign}
}

// SetTrack sets course and speed on the detail block.
func (e *Event) SetTrack(course, speed float64) {
	if e.Detail == nil {
		e.Detail = &Detail{}
	}
	e.Detail.Track = &Track{Course: course, Speed: speed}
}

// SetRemarks sets free-form remarks text on the detail block. Empty remarks
// are ignored.
func (e *Event) SetRemarks(remarks string) {
	if remarks == "" {
		return
	}
	if e.Detail == nil {
		e.Detail = &Detail{}
	}
	e.Detail.Remarks = remarks
}

// Marshal serializes the event to its on-the-wire XML frame. Output is
// deterministic: the same event always produces byte-identical XML.
func (e *Event) Marshal() ([]byte, error) {
	b, err := xml.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("cot: marshal event %s: %w", e.UID, err)
	}
	return b, nil
}
