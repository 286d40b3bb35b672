// Package linkpreview fetches OpenGraph metadata for the first URL found
// in a chat message, so clients can render a rich preview without doing
// their own fetch (and without the server ever executing page scripts).
package linkpreview

import (
	"context"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// fetchTimeout bounds how long a single preview fetch may take.
const fetchTimeout = 4 * time.Second

// maxBody is the most we will read from a page while looking for <head>
// metadata.
const maxBody = 256 * 1024

var urlPattern = regexp.MustCompile(`https?://[^\s<>"]+`)

// FirstURL returns the first http(s) URL found in text, or "".
func FirstURL(text string) string {
	return urlPattern.FindString(text)
}

// Preview holds OpenGraph metadata extracted from a web page.
type Preview struct {
	URL      string `json:"url"`
	Title    string `json:"title,omitempty"`
	Desc     string `json:"description,omitempty"`
	Image    string `json:"image,omitempty"`
	SiteName string `json:"site_name,omitempty"`
}

// Fetch retrieves rawURL and extracts its OpenGraph metadata.
func Fetch(ctx context.Context, rawURL string) (Preview, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 3 {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Preview{}, err
	}
	req.Header.Set("User-Agent", "voxrelay-linkpreview/1.0")
	req.Header.Set("Accept", "text/html")

	resp, err := client.Do(req)
	if err != nil {
		return Preview{}, err
	}
	defer resp.Body.Close()

	ct := resp.Header.Get("Content-Type")
	if !strings.Contains(ct, "text/html") && !strings.Contains(ct, "application/xhtml") {
		return Preview{URL: rawURL}, nil
	}

	return parseOGTags(rawURL, io.LimitReader(resp.Body, maxBody))
}

func parseOGTags(rawURL string, r io.Reader) (Preview, error) {
	p := Preview{URL: rawURL}
	tokenizer := html.NewTokenizer(r)
	var inTitle bool
	var titleText string

	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			if p.Title == "" && titleText != "" {
				p.Title = titleText
			}
			return p, nil

		case html.StartTagToken, html.SelfClosingTagToken:
			tn, hasAttr := tokenizer.TagName()
			tag := string(tn)

			if tag == "title" {
				inTitle = true
				continue
			}
			if tag == "body" {
				if p.Title == "" && titleText != "" {
					p.Title = titleText
				}
				return p, nil
			}
			if tag == "meta" && hasAttr {
				parseMeta(tokenizer, &p)
			}

		case html.TextToken:
			if inTitle {
				titleText += string(tokenizer.Text())
			}

		case html.EndTagToken:
			tn, _ := tokenizer.TagName()
			if string(tn) == "title" {
				inTitle = false
			}
		}
	}
}

func parseMeta(tokenizer *html.Tokenizer, p *Preview) {
	var property, name, content string
	for {
		key, val, more := tokenizer.TagAttr()
		switch string(key) {
		case "property":
			property = string(val)
		case "name":
			name = string(val)
		case "content":
			content = string(val)
		}
		if !more {
			break
		}
	}

	if content == "" {
		return
	}

	switch property {
	case "og:title":
		p.Title = content
	case "og:description":
		p.Desc = content
	case "og:image":
		p.Image = content
	case "og:site_name":
		p.SiteName = content
	}

	if name == "description" && p.Desc == "" {
		p.Desc = content
	}
}
