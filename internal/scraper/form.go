package scraper

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ASP.NET postback control fields.
const (
	FieldEventTarget   = "__EVENTTARGET"
	FieldEventArgument = "__EVENTARGUMENT"
	FieldViewState     = "__VIEWSTATE"
)

// FormState is the round-trip form state of one listing response.
type FormState map[string]string

// Clone returns an independent copy.
func (f FormState) Clone() FormState {
	out := make(FormState, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// ForPage returns a copy with the postback fields set to request page n of
// the grid identified by target.
func (f FormState) ForPage(target string, n int) FormState {
	out := f.Clone()
	out[FieldEventTarget] = target
	out[FieldEventArgument] = pageArgument(n)
	return out
}

// Values encodes the state as a POST body.
func (f FormState) Values() url.Values {
	v := make(url.Values, len(f))
	for k, val := range f {
		v.Set(k, val)
	}
	return v
}

// parseForm collects the controls a browser would submit: named inputs other
// than buttons, checked boxes only, and the selected option of each select.
func parseForm(doc *goquery.Document) FormState {
	state := FormState{}
	doc.Find("form input[name]").Each(func(_ int, in *goquery.Selection) {
		name, _ := in.Attr("name")
		typ := strings.ToLower(strings.TrimSpace(in.AttrOr("type", "text")))
		switch typ {
		case "submit", "button", "image", "reset", "file":
			return
		case "checkbox", "radio":
			if _, checked := in.Attr("checked"); !checked {
				return
			}
			state[name] = in.AttrOr("value", "on")
			return
		}
		state[name] = in.AttrOr("value", "")
	})
	doc.Find("form select[name]").Each(func(_ int, sel *goquery.Selection) {
		name, _ := sel.Attr("name")
		opt := sel.Find("option[selected]").First()
		if opt.Length() == 0 {
			opt = sel.Find("option").First()
		}
		if opt.Length() == 0 {
			return
		}
		state[name] = opt.AttrOr("value", strings.TrimSpace(opt.Text()))
	})
	return state
}
