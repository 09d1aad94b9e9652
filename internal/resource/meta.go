package resource

import (
	"fmt"
	"strconv"
	"time"
)

// TimeFormat is the SCIM 2.0 XSD dateTime form with millisecond precision.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// FormatTime renders a timestamp in the requested compatibility format:
// "epoch" yields milliseconds since the Unix epoch as a decimal string,
// anything else the standard SCIM form.
func FormatTime(t time.Time, format string) string {
	if format == "epoch" {
		return strconv.FormatInt(t.UnixMilli(), 10)
	}
	return t.UTC().Format(TimeFormat)
}

// ETag renders the weak entity tag for a version counter.
func ETag(version int64) string {
	return fmt.Sprintf("W/%q", strconv.FormatInt(version, 10))
}

// SetMeta writes the server-owned meta block onto a document.
func SetMeta(d Document, resourceType, location string, version int64, created, modified time.Time, datetimeFormat string) {
	d.Set("meta", map[string]any{
		"resourceType": resourceType,
		"created":      FormatTime(created, datetimeFormat),
		"lastModified": FormatTime(modified, datetimeFormat),
		"location":     location,
		"version":      ETag(version),
	})
}
