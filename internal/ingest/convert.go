package ingest

import (
	"regexp"
	"strings"

	"github.com/JakeFAU/digwatch/internal/notice"
	"github.com/JakeFAU/digwatch/internal/rocdate"
)

// roadPattern matches the first parenthesised segment, half or full width.
var roadPattern = regexp.MustCompile(`[(（]([^()（）]+)[)）]`)

// RoadFromName returns the first parenthesised segment of name, or name
// itself when there is none.
func RoadFromName(name string) string {
	if m := roadPattern.FindStringSubmatch(name); m != nil {
		if road := strings.TrimSpace(m[1]); road != "" {
			return road
		}
	}
	return name
}

// Convert turns a scraped row into an unsaved Notice.
func Convert(row notice.RawRow) notice.Notice {
	start, end := rocdate.ParseRange(row.DateRange)
	return notice.Notice{
		StartDate: start,
		EndDate:   end,
		Name:      row.Name,
		Type:      row.Type,
		Unit:      row.Unit,
		Road:      RoadFromName(row.Name),
		URL:       row.URL,
	}
}
