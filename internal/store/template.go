package store

import (
	"strconv"
	"strings"
	"time"
)

// RenderTemplate substitutes {token} placeholders in tmpl with fields from
// rec. Unknown tokens pass through unchanged. Supported tokens:
//
//	{id} {type} {event} {latitude} {longitude} {altitude} {accuracy}
//	{speed} {heading} {provider} {is_moving} {odometer} {region_id}
//	{timestamp} {timestamp_ms}
//
// {timestamp} is the fix time in RFC 3339 UTC; {timestamp_ms} is the same
// instant as unix milliseconds.
func RenderTemplate(tmpl string, rec Record) string {
	r := strings.NewReplacer(
		"{id}", strconv.FormatInt(rec.ID, 10),
		"{type}", rec.Type,
		"{event}", rec.Event,
		"{latitude}", formatFloat(rec.Latitude),
		"{longitude}", formatFloat(rec.Longitude),
		"{altitude}", formatFloat(rec.Altitude),
		"{accuracy}", formatFloat(rec.Accuracy),
		"{speed}", formatFloat(rec.Speed),
		"{heading}", formatFloat(rec.Heading),
		"{provider}", rec.Provider,
		"{is_moving}", strconv.FormatBool(rec.IsMoving),
		"{odometer}", formatFloat(rec.Odometer),
		"{region_id}", rec.RegionID,
		"{timestamp}", rec.RecordedAt.UTC().Format(time.RFC3339),
		"{timestamp_ms}", strconv.FormatInt(toMillis(rec.RecordedAt), 10),
	)
	return r.Replace(tmpl)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
