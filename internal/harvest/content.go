package harvest

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"github.com/rotisserie/eris"

	"github.com/agrisubsidy/harvest-cli/internal/textnorm"
)

var attachmentExts = map[string]bool{
	".pdf": true, ".doc": true, ".docx": true,
	".xls": true, ".xlsx": true, ".odt": true,
}

// Content is the text extracted from a fetched page.
type Content struct {
	Title       string
	Text        string
	Markdown    string
	Attachments []string
}

// ContentHash returns the hex sha256 of text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// ExtractContent pulls the main text, a markdown rendering and attachment
// links out of an HTML page. Readability picks the main content; when it
// keeps too little of the page the whole body is used instead.
func ExtractContent(html []byte, pageURL string) (*Content, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return nil, eris.Wrapf(err, "harvest: parse page url %s", pageURL)
	}
	full, err := goquery.NewDocumentFromReader(strings.NewReader(string(html)))
	if err != nil {
		return nil, eris.Wrap(err, "harvest: parse html")
	}
	full.Find("script,style,noscript,template").Remove()

	body := full.Find("body")
	body.Find("nav,header,footer,aside,form").Remove()
	main := body

	title := textnorm.CollapseSpace(full.Find("title").First().Text())

	parser := readability.NewParser()
	article, rerr := parser.Parse(strings.NewReader(string(html)), u)
	if rerr == nil && strings.TrimSpace(article.Content) != "" {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(article.Content)); err == nil {
			readable := doc.Selection
			if utf8.RuneCountInString(blockText(readable)) >= utf8.RuneCountInString(blockText(body))*3/10 {
				main = readable
			}
		}
		if t := textnorm.CollapseSpace(article.Title); t != "" {
			title = t
		}
	}
	if title == "" {
		title = textnorm.CollapseSpace(full.Find("h1").First().Text())
	}

	return &Content{
		Title:       title,
		Text:        blockText(main),
		Markdown:    markdown(main),
		Attachments: attachmentLinks(full, u),
	}, nil
}

// blockText joins the text of block elements with newlines.
func blockText(sel *goquery.Selection) string {
	var lines []string
	sel.Find("h1,h2,h3,h4,h5,h6,p,li,td,th,dt,dd,blockquote").Each(func(_ int, s *goquery.Selection) {
		if s.Find("p,li").Length() > 0 {
			return
		}
		if line := textnorm.CollapseSpace(s.Text()); line != "" {
			lines = append(lines, line)
		}
	})
	if len(lines) == 0 {
		return textnorm.CollapseSpace(sel.Text())
	}
	return strings.Join(lines, "\n")
}

func markdown(sel *goquery.Selection) string {
	var b strings.Builder
	sel.Find("h1,h2,h3,h4,h5,h6,p,li,table").Each(func(_ int, s *goquery.Selection) {
		tag := goquery.NodeName(s)
		switch tag {
		case "table":
			s.Find("tr").Each(func(_ int, tr *goquery.Selection) {
				var cells []string
				tr.Find("th,td").Each(func(_ int, c *goquery.Selection) {
					cells = append(cells, textnorm.CollapseSpace(c.Text()))
				})
				if len(cells) > 0 {
					b.WriteString("| " + strings.Join(cells, " | ") + " |\n")
				}
			})
			b.WriteString("\n")
			return
		case "p", "li":
			if s.ParentsFiltered("table").Length() > 0 || s.Find("p,li").Length() > 0 {
				return
			}
		}
		text := textnorm.CollapseSpace(s.Text())
		if text == "" {
			return
		}
		switch tag {
		case "li":
			b.WriteString("- " + text + "\n")
		case "p":
			b.WriteString(text + "\n\n")
		default:
			level := int(tag[1] - '0')
			b.WriteString(strings.Repeat("#", level) + " " + text + "\n\n")
		}
	})
	return strings.TrimSpace(b.String())
}

func attachmentLinks(doc *goquery.Document, base *url.URL) []string {
	var out []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref)
		if !isAttachment(abs) {
			return
		}
		abs.Fragment = ""
		out = append(out, abs.String())
	})
	return Dedupe(out)
}

func isAttachment(u *url.URL) bool {
	return attachmentExts[strings.ToLower(path.Ext(u.Path))]
}
