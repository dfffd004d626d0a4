package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const listingURL = "https://dig.taipei/Tpdig/PWorkData.aspx"

type listingRow struct {
	dates, typ, unit, name, onclick string
}

// listingHTML renders a GridView page shaped like the live listing.
func listingHTML(viewState string, pager []int, rows ...listingRow) string {
	var b strings.Builder
	b.WriteString(`<html><body><form method="post" action="./PWorkData.aspx" id="form1">`)
	fmt.Fprintf(&b, `<input type="hidden" name="__VIEWSTATE" id="__VIEWSTATE" value="%s" />`, viewState)
	b.WriteString(`<input type="hidden" name="__EVENTVALIDATION" value="ev" />`)
	b.WriteString(`<input type="hidden" name="__EVENTTARGET" value="" />`)
	b.WriteString(`<input type="text" name="txtKeyword" value="" />`)
	b.WriteString(`<input type="submit" name="btnQuery" value="Query" />`)
	b.WriteString(`<input type="checkbox" name="chkAll" value="1" />`)
	b.WriteString(`<select name="ddlZone"><option value="">all</option><option value="100" selected>Zhongzheng</option></select>`)
	b.WriteString(`<table id="GridView1"><tr><th>date</th><th>type</th><th>unit</th><th>name</th></tr>`)
	for _, r := range rows {
		fmt.Fprintf(&b, `<tr><td>%s</td><td>%s</td><td>%s</td><td><a href="#" onclick="%s">%s</a></td></tr>`,
			r.dates, r.typ, r.unit, r.onclick, r.name)
	}
	if len(pager) > 0 {
		b.WriteString(`<tr><td colspan="4"><table><tr>`)
		for _, p := range pager {
			fmt.Fprintf(&b, `<td><a href="javascript:__doPostBack(&#39;GridView1&#39;,&#39;Page$%d&#39;)">%d</a></td>`, p, p)
		}
		b.WriteString(`</tr></table></td></tr>`)
	}
	b.WriteString(`</table></form></body></html>`)
	return b.String()
}

func openCase(id int) string {
	return fmt.Sprintf("window.open('PWorkDetail.aspx?caseid=%d');", id)
}

type fakeSession struct {
	get      func(string) (Response, error)
	post     func(url.Values) (Response, error)
	posts    []url.Values
	getCalls int
}

func (f *fakeSession) Get(_ context.Context, rawURL string) (Response, error) {
	f.getCalls++
	return f.get(rawURL)
}

func (f *fakeSession) PostForm(_ context.Context, _ string, form url.Values) (Response, error) {
	f.posts = append(f.posts, form)
	return f.post(form)
}

type fakeFactory struct {
	sess *fakeSession
	err  error
}

func (f fakeFactory) NewSession() (Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.sess, nil
}

func ok(body string) (Response, error) {
	return Response{URL: listingURL, StatusCode: 200, Body: []byte(body)}, nil
}

// pagedSite serves pages 1..total, each carrying one row and a view state
// naming the page it came from.
func pagedSite(total int, pager []int) *fakeSession {
	page := func(n int) string {
		return listingHTML(fmt.Sprintf("vs%d", n), pager, listingRow{
			dates: "114/12/01-114/12/31", typ: "road", unit: "water",
			name: fmt.Sprintf("Pipe work page %d (Xinyi Rd)", n), onclick: openCase(1000 + n),
		})
	}
	sess := &fakeSession{}
	sess.get = func(string) (Response, error) { return ok(page(1)) }
	sess.post = func(form url.Values) (Response, error) {
		var n int
		if _, err := fmt.Sscanf(form.Get(FieldEventArgument), "Page$%d", &n); err != nil || n > total {
			return Response{}, errors.New("bad page")
		}
		return ok(page(n))
	}
	return sess
}

func newTestScraper(t *testing.T, sess *fakeSession) *Scraper {
	t.Helper()
	s, err := New(Config{ListingURL: listingURL}, fakeFactory{sess: sess}, nil)
	require.NoError(t, err)
	return s
}

func TestParsePageRowsAndFilters(t *testing.T) {
	t.Parallel()

	html := listingHTML("vs", []int{2, 3},
		listingRow{"114/12/01-114/12/31", "road", "water", "Main St Repair", openCase(7)},
		listingRow{"114/12/01-114/12/31", "road", "water", "42", openCase(8)},
		listingRow{"114/12/01-114/12/31", "road", "water", "ab", openCase(9)},
		listingRow{"114/12/01-114/12/31", "road", "water", "", ""},
		listingRow{"114/12/01", "road", "gas", "Gas main (Zhongshan N Rd)", ""},
	)
	base, _ := url.Parse(listingURL)
	page, err := ParsePage([]byte(html), base)
	require.NoError(t, err)

	require.Equal(t, 3, page.MaxPage)
	require.Len(t, page.Rows, 2)
	require.Equal(t, "Main St Repair", page.Rows[0].Name)
	require.Equal(t, "114/12/01-114/12/31", page.Rows[0].DateRange)
	require.Equal(t, "road", page.Rows[0].Type)
	require.Equal(t, "water", page.Rows[0].Unit)
	require.Equal(t, "https://dig.taipei/Tpdig/PWorkDetail.aspx?caseid=7", page.Rows[0].URL)
	require.Equal(t, "Gas main (Zhongshan N Rd)", page.Rows[1].Name)
	require.Empty(t, page.Rows[1].URL)
}

func TestParsePageFormState(t *testing.T) {
	t.Parallel()

	page, err := ParsePage([]byte(listingHTML("state-1", nil)), nil)
	require.NoError(t, err)
	require.Equal(t, 1, page.MaxPage)
	require.Equal(t, "state-1", page.Form[FieldViewState])
	require.Equal(t, "ev", page.Form["__EVENTVALIDATION"])
	require.Contains(t, page.Form, "txtKeyword")
	require.Equal(t, "100", page.Form["ddlZone"])
	require.NotContains(t, page.Form, "btnQuery")
	require.NotContains(t, page.Form, "chkAll")
}

func TestParsePageSkipsShortRows(t *testing.T) {
	t.Parallel()

	html := `<table><tr><th>h</th></tr><tr><td>a</td><td>b</td><td>c</td></tr>` +
		`<tr><td>114/01/01</td><td>t</td><td>u</td><td>Long enough</td></tr></table>`
	page, err := ParsePage([]byte(html), nil)
	require.NoError(t, err)
	require.Len(t, page.Rows, 1)
	require.Equal(t, "Long enough", page.Rows[0].Name)
}

func TestDetailURLFallsBackToHref(t *testing.T) {
	t.Parallel()

	html := `<table><tr><th>h</th></tr>` +
		`<tr><td>d</td><td>t</td><td>u</td><td><a href="PWorkDetail.aspx?caseid=5">Sewer lining</a></td></tr>` +
		`<tr><td>d</td><td>t</td><td>u</td><td><a href="javascript:void(0)">Cable trench</a></td></tr></table>`
	base, _ := url.Parse(listingURL)
	page, err := ParsePage([]byte(html), base)
	require.NoError(t, err)
	require.Len(t, page.Rows, 2)
	require.Equal(t, "https://dig.taipei/Tpdig/PWorkDetail.aspx?caseid=5", page.Rows[0].URL)
	require.Empty(t, page.Rows[1].URL)
}

func TestValidName(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"Main St Repair": true,
		"42":             false,
		"7":              false,
		"123":            true,
		"":               false,
		"ab":             false,
		"道路工":            true,
		"道路":             false,
	}
	for in, want := range cases {
		require.Equal(t, want, ValidName(in), in)
	}
}

func TestScrapeWalksAllPages(t *testing.T) {
	t.Parallel()

	sess := pagedSite(3, []int{1, 2, 3})
	rows, err := newTestScraper(t, sess).Scrape(context.Background(), 0)
	require.NoError(t, err)

	require.Len(t, rows, 3)
	require.Equal(t, 1, sess.getCalls)
	require.Len(t, sess.posts, 2)
	for i, form := range sess.posts {
		require.Equal(t, "GridView1", form.Get(FieldEventTarget))
		require.Equal(t, fmt.Sprintf("Page$%d", i+2), form.Get(FieldEventArgument))
		// Each post replays the previous response's state.
		require.Equal(t, fmt.Sprintf("vs%d", i+1), form.Get(FieldViewState))
	}
	require.Equal(t, "https://dig.taipei/Tpdig/PWorkDetail.aspx?caseid=1003", rows[2].URL)
}

func TestScrapeHonoursMaxPages(t *testing.T) {
	t.Parallel()

	sess := pagedSite(5, []int{2, 3, 4, 5})
	rows, err := newTestScraper(t, sess).Scrape(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Len(t, sess.posts, 1)
}

func TestScrapeSinglePageWithoutPager(t *testing.T) {
	t.Parallel()

	sess := pagedSite(1, nil)
	rows, err := newTestScraper(t, sess).Scrape(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Empty(t, sess.posts)
}

func TestScrapeFollowsGrowingPager(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{}
	row := func(n int) listingRow {
		return listingRow{"114/01/01", "t", "u", fmt.Sprintf("Row number %d", n), openCase(n)}
	}
	sess.get = func(string) (Response, error) { return ok(listingHTML("vs1", []int{2}, row(1))) }
	sess.post = func(form url.Values) (Response, error) {
		switch form.Get(FieldEventArgument) {
		case "Page$2":
			return ok(listingHTML("vs2", []int{1, 3}, row(2)))
		case "Page$3":
			return ok(listingHTML("vs3", []int{1, 2}, row(3)))
		}
		return Response{}, errors.New("unexpected page")
	}
	rows, err := newTestScraper(t, sess).Scrape(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, rows, 3)
}

func TestScrapeAbortsOnError(t *testing.T) {
	t.Parallel()

	sess := pagedSite(2, []int{2, 3})
	rows, err := newTestScraper(t, sess).Scrape(context.Background(), 0)
	require.Error(t, err)
	require.Nil(t, rows)
	require.Contains(t, err.Error(), "page 3")
}

func TestScrapeRejectsBadStatus(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{get: func(string) (Response, error) {
		return Response{StatusCode: 500, Body: []byte("oops")}, nil
	}}
	_, err := newTestScraper(t, sess).Scrape(context.Background(), 0)
	require.ErrorContains(t, err, "unexpected status 500")
}

func TestScrapeRequiresFormState(t *testing.T) {
	t.Parallel()

	html := `<table><tr><th>h</th></tr><tr><td><a href="javascript:__doPostBack('GridView1','Page$2')">2</a></td></tr></table>`
	sess := &fakeSession{get: func(string) (Response, error) { return ok(html) }}
	_, err := newTestScraper(t, sess).Scrape(context.Background(), 0)
	require.ErrorIs(t, err, ErrNoFormState)
}

func TestScrapeSessionError(t *testing.T) {
	t.Parallel()

	s, err := New(Config{ListingURL: listingURL}, fakeFactory{err: errors.New("no jar")}, nil)
	require.NoError(t, err)
	_, err = s.Scrape(context.Background(), 0)
	require.ErrorContains(t, err, "open scrape session")
}

func TestScrapeCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	sess := pagedSite(3, []int{2, 3})
	get := sess.get
	sess.get = func(u string) (Response, error) {
		cancel()
		return get(u)
	}
	_, err := newTestScraper(t, sess).Scrape(ctx, 0)
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{ListingURL: "::"}, fakeFactory{}, nil)
	require.Error(t, err)
	_, err = New(Config{ListingURL: listingURL}, nil, nil)
	require.Error(t, err)
}
