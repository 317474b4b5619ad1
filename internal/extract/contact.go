package extract

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	phonePattern   = regexp.MustCompile(`(?:\+?84|0)(?:[\s.\-]?\d){8,10}`)
	emailPattern   = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	addressPattern = regexp.MustCompile(`(?i)(?:Địa chỉ|Address)\s*[:：]\s*([^\n<]{10,160})`)
)

// Contacts holds what the contact heuristics recovered from a business
// website.
type Contacts struct {
	Phone   string
	Email   string
	Address string
}

// extractContacts scans a page for contact details. Explicit tel: and
// mailto: links win over free-text pattern matches.
func extractContacts(doc *goquery.Document) Contacts {
	var c Contacts

	doc.Find(`a[href^="tel:"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		raw := strings.TrimPrefix(href, "tel:")
		if phonePattern.MatchString(strings.ReplaceAll(raw, " ", "")) {
			c.Phone = raw
			return false
		}
		return true
	})
	doc.Find(`a[href^="mailto:"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		addr := strings.TrimPrefix(href, "mailto:")
		if i := strings.IndexByte(addr, '?'); i >= 0 {
			addr = addr[:i]
		}
		if emailPattern.MatchString(addr) {
			c.Email = addr
			return false
		}
		return true
	})

	text := doc.Text()
	if c.Phone == "" {
		c.Phone = phonePattern.FindString(text)
	}
	if c.Email == "" {
		c.Email = emailPattern.FindString(text)
	}
	if m := addressPattern.FindStringSubmatch(text); m != nil {
		c.Address = strings.TrimSpace(m[1])
	}
	return c
}
