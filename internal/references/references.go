// Package references selects and formats the global citation list of a report.
package references

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/researchdesk/api/internal/curation"
	"github.com/researchdesk/api/internal/model"
)

// DefaultMax is the number of citations kept across all categories
const DefaultMax = 10

const maxPathTitleLen = 100

var leadingDate = regexp.MustCompile(`^\d{4}[-\s]*\d{1,2}[-\s]*\d{1,2}[-\s]*`)

// Resolution is an ordered, capped citation list
type Resolution struct {
	References []model.Reference
}

// URLs returns the normalized URLs in citation order
func (r Resolution) URLs() []string {
	out := make([]string, len(r.References))
	for i, ref := range r.References {
		out[i] = ref.URL
	}
	return out
}

// Lookup indexes the references by normalized URL
func (r Resolution) Lookup() map[string]model.Reference {
	out := make(map[string]model.Reference, len(r.References))
	for _, ref := range r.References {
		out[ref.URL] = ref
	}
	return out
}

type candidate struct {
	doc   model.EvaluatedDocument
	score float64
}

// Resolve walks every curated document, highest score first, and keeps the
// first occurrence of each normalized http(s) URL until max is reached.
// Categories are scanned in model.ReferenceOrder, which decides ties.
func Resolve(curated map[model.Category][]model.EvaluatedDocument, max int) Resolution {
	if max <= 0 {
		max = DefaultMax
	}

	var candidates []candidate
	for _, cat := range model.ReferenceOrder {
		for _, doc := range curated[cat] {
			candidates = append(candidates, candidate{doc: doc, score: doc.OverallScore})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	titles := titleIndex(curated)
	seen := make(map[string]struct{})
	var refs []model.Reference

	for _, c := range candidates {
		if len(refs) == max {
			break
		}
		raw := strings.TrimSpace(c.doc.URL)
		if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
			continue
		}
		key := NormalizeURL(raw)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		domain := hostOf(key)
		website := WebsiteName(domain)
		if website == "" {
			website = ExtractDomainName(key)
		}

		title := titles[key]
		if title == "" {
			title = TitleFromURLPath(key)
		}
		if title == "" {
			title = "Information from " + website
		}

		refs = append(refs, model.Reference{
			URL:     key,
			Title:   title,
			Website: website,
			Domain:  domain,
			Score:   c.score,
		})
	}

	return Resolution{References: refs}
}

// titleIndex maps each normalized URL to the first usable cleaned title,
// scanning categories in reference order
func titleIndex(curated map[model.Category][]model.EvaluatedDocument) map[string]string {
	out := make(map[string]string)
	for _, cat := range model.ReferenceOrder {
		for _, doc := range curated[cat] {
			key := NormalizeURL(doc.URL)
			if key == "" {
				continue
			}
			if _, ok := out[key]; ok {
				continue
			}
			title := CleanTitle(doc.Title)
			if title == "" || title == doc.URL || title == key {
				continue
			}
			out[key] = title
		}
	}
	return out
}

// NormalizeURL is curation.NormalizeURL without a trailing slash
func NormalizeURL(raw string) string {
	return strings.TrimRight(curation.NormalizeURL(raw), "/")
}

// CleanTitle strips surrounding quotes, trailing periods and a leading date
func CleanTitle(title string) string {
	title = strings.TrimSpace(title)
	title = strings.TrimRight(title, ".")
	title = strings.Trim(title, `"'`)
	title = leadingDate.ReplaceAllString(title, "")
	title = strings.Trim(title, "- ")
	return strings.TrimSpace(title)
}

// WebsiteName turns a host like www.reuters.com into "Reuters"
func WebsiteName(domain string) string {
	domain = strings.TrimPrefix(strings.ToLower(domain), "www.")
	if domain == "" {
		return ""
	}
	return capitalize(strings.Split(domain, ".")[0])
}

// ExtractDomainName derives a display name straight from a URL
func ExtractDomainName(rawURL string) string {
	domain := stripPrefixes(strings.ToLower(rawURL))
	domain = strings.Split(domain, "/")[0]
	domain = strings.Split(domain, "?")[0]
	if domain == "" {
		return "Website"
	}
	return capitalize(strings.Split(domain, ".")[0])
}

// TitleFromURLPath builds a readable title from the last path segments,
// e.g. /news/acme-q3-results becomes "News - Acme Q3 Results"
func TitleFromURLPath(rawURL string) string {
	path := stripPrefixes(strings.ToLower(rawURL))
	idx := strings.Index(path, "/")
	if idx < 0 {
		return ""
	}
	path = path[idx+1:]
	path = strings.Split(path, "?")[0]
	path = strings.Split(path, "#")[0]
	path = strings.TrimSuffix(path, "/")
	if path == "" {
		return ""
	}

	path = strings.NewReplacer("-", " ", "_", " ", "/", " - ").Replace(path)
	words := strings.Fields(path)
	for i, w := range words {
		words[i] = capitalize(w)
	}
	title := strings.Join(words, " ")
	if len(title) > maxPathTitleLen {
		n := maxPathTitleLen - 3
		for n > 0 && !utf8.RuneStart(title[n]) {
			n--
		}
		title = title[:n] + "..."
	}
	return title
}

// FormatSection renders the citation list as a markdown section, or ""
// when there is nothing to cite
func FormatSection(refs []model.Reference) string {
	if len(refs) == 0 {
		return ""
	}
	lines := make([]string, 0, len(refs)+1)
	lines = append(lines, "\n## References")
	for _, ref := range refs {
		lines = append(lines, FormatEntry(ref))
	}
	return strings.Join(lines, "\n")
}

// FormatEntry renders one citation as: * Website. "Title." URL
func FormatEntry(ref model.Reference) string {
	website := strings.TrimSpace(ref.Website)
	if website == "" {
		website = ExtractDomainName(ref.URL)
	}
	title := strings.TrimSpace(ref.Title)
	if title == "" || title == ref.URL {
		title = TitleFromURLPath(ref.URL)
		if title == "" {
			title = "Information from " + website
		}
	}
	return fmt.Sprintf("* %s. \"%s.\" %s", website, title, ref.URL)
}

func hostOf(normalized string) string {
	rest := normalized
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if i := strings.IndexAny(rest, "/?#"); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

func stripPrefixes(s string) string {
	for _, prefix := range []string{"https://", "http://", "www."} {
		s = strings.TrimPrefix(s, prefix)
	}
	return s
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	r := []rune(strings.ToLower(s))
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
