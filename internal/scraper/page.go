package scraper

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/digwatch/internal/notice"
)

var (
	pagePattern       = regexp.MustCompile(`Page\$(\d+)`)
	windowOpenPattern = regexp.MustCompile(`window\.open\('([^']+)'`)
	noisePattern      = regexp.MustCompile(`^\d{1,2}$`)
)

const minNameRunes = 3

// Page is one parsed listing response.
type Page struct {
	Form    FormState
	MaxPage int
	Rows    []notice.RawRow
}

func pageArgument(n int) string {
	return "Page$" + strconv.Itoa(n)
}

// ParsePage extracts the form state, advertised page count and rows from a
// listing response. base resolves relative detail links and may be nil.
func ParsePage(body []byte, base *url.URL) (Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Page{}, fmt.Errorf("parse listing html: %w", err)
	}
	return Page{
		Form:    parseForm(doc),
		MaxPage: parseMaxPage(doc),
		Rows:    parseRows(doc, base),
	}, nil
}

// parseMaxPage returns the highest Page$N postback target, or 1 when the
// page has no pager.
func parseMaxPage(doc *goquery.Document) int {
	maxPage := 1
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		for _, m := range pagePattern.FindAllStringSubmatch(href, -1) {
			if n, err := strconv.Atoi(m[1]); err == nil && n > maxPage {
				maxPage = n
			}
		}
	})
	return maxPage
}

func parseRows(doc *goquery.Document, base *url.URL) []notice.RawRow {
	var rows []notice.RawRow
	doc.Find("tr").Each(func(i int, tr *goquery.Selection) {
		if i == 0 {
			return
		}
		cells := tr.Find("td")
		if cells.Length() < 4 {
			return
		}
		nameCell := cells.Eq(3)
		row := notice.RawRow{
			DateRange: strings.TrimSpace(cells.Eq(0).Text()),
			Type:      strings.TrimSpace(cells.Eq(1).Text()),
			Unit:      strings.TrimSpace(cells.Eq(2).Text()),
			Name:      strings.TrimSpace(nameCell.Text()),
			URL:       detailURL(nameCell, base),
		}
		if !ValidName(row.Name) {
			return
		}
		rows = append(rows, row)
	})
	return rows
}

// ValidName rejects empty names, names shorter than three characters and
// bare one or two digit numbers left over from pager rows.
func ValidName(name string) bool {
	if utf8.RuneCountInString(name) < minNameRunes {
		return false
	}
	return !noisePattern.MatchString(name)
}

func detailURL(cell *goquery.Selection, base *url.URL) string {
	a := cell.Find("a").First()
	if a.Length() == 0 {
		return ""
	}
	var raw string
	if m := windowOpenPattern.FindStringSubmatch(a.AttrOr("onclick", "")); m != nil {
		raw = m[1]
	} else if href := strings.TrimSpace(a.AttrOr("href", "")); href != "" &&
		!strings.HasPrefix(strings.ToLower(href), "javascript:") && href != "#" {
		raw = href
	}
	if raw == "" {
		return ""
	}
	if base == nil {
		return raw
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return base.ResolveReference(ref).String()
}
