package pipeline

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/researchdesk/api/internal/model"
)

const (
	truncatedMarker = "\n... [content truncated]"
	briefingSystem  = "You are a professional business analyst specialized in company research and industry analysis."
	editorSystem    = "You are an expert report editor that compiles research briefings into comprehensive company reports."
)

var docSeparator = "\n" + strings.Repeat("-", 40) + "\n"

// queryFocus is the category-specific part of the query generation prompt
var queryFocus = map[model.Category]string{
	model.CategoryFinancial: `Generate queries on the financial analysis of %[1]s in the %[2]s industry such as:
- Fundraising history and valuation
- Financial statements and key metrics
- Revenue and profit sources`,
	model.CategoryNews: `Generate queries on the recent news coverage of %[1]s such as:
- Recent company announcements
- Press releases
- New partnerships`,
	model.CategoryIndustry: `Generate queries on the industry analysis of %[1]s in the %[2]s industry such as:
- Market position
- Competitors
- %[2]s industry trends and challenges
- Market size and growth`,
	model.CategoryCompany: `Generate queries on the company fundamentals of %[1]s in the %[2]s industry such as:
- Core products and services
- Company history and milestones
- Leadership team
- Business model and strategy`,
}

func industryOf(req model.ResearchRequest) string {
	if req.Industry == "" {
		return "unknown"
	}
	return req.Industry
}

// queryPrompts returns the system and user prompts for query generation
func queryPrompts(category model.Category, req model.ResearchRequest, now time.Time) (string, string) {
	system := fmt.Sprintf("You are researching %s, a company in the %s industry.", req.Subject, industryOf(req))

	var b strings.Builder
	fmt.Fprintf(&b, "Researching %s on %s.\n\n", req.Subject, now.Format("January 2, 2006"))
	if req.Location != "" {
		fmt.Fprintf(&b, "The company is based in %s.\n\n", req.Location)
	}
	fmt.Fprintf(&b, queryFocus[category], req.Subject, industryOf(req))
	fmt.Fprintf(&b, `

Important Guidelines:
- Focus ONLY on %s-specific information
- Make queries very brief and to the point
- Provide exactly %d search queries (one per line), with no hyphens or dashes
- DO NOT make assumptions about the industry - use only the provided industry information`, req.Subject, maxQueries)
	return system, b.String()
}

// fallbackQueries are used when query generation fails
func fallbackQueries(subject string, now time.Time) []string {
	year := now.Year()
	return []string{
		fmt.Sprintf("%s overview %d", subject, year),
		fmt.Sprintf("%s recent news %d", subject, year),
		fmt.Sprintf("%s financial reports %d", subject, year),
		fmt.Sprintf("%s industry analysis %d", subject, year),
	}
}

// briefingInstructions holds the per-category briefing prompt
var briefingInstructions = map[model.Category]string{
	model.CategoryCompany: `Create a focused company briefing for %[1]s, a %[2]s company based in %[3]s.
Key requirements:
1. Start with: "%[1]s is a [what] that [does what] for [whom]"
2. Structure using these exact headers and bullet points:

### Core Product/Service
* List distinct products/features
* Include only verified technical capabilities

### Leadership Team
* List key leadership team members
* Include their roles and expertise

### Target Market
* List specific target audiences
* List verified use cases
* List confirmed customers/partners

### Key Differentiators
* List unique features
* List proven advantages

### Business Model
* Discuss product / service pricing
* List distribution channels

3. Each bullet must be a single, complete fact
4. Never mention "no information found" or "no data available"
5. No paragraphs, only bullet points
6. Provide only the briefing. No explanations or commentary.`,
	model.CategoryIndustry: `Create a focused industry briefing for %[1]s, a %[2]s company based in %[3]s.
Key requirements:
1. Structure using these exact headers and bullet points:

### Market Overview
* State %[1]s's exact market segment
* List market size with year
* List growth rate with year range

### Direct Competition
* List named direct competitors
* List specific competing products
* List market positions

### Competitive Advantages
* List unique technical features
* List proven advantages

### Market Challenges
* List specific verified challenges

2. Each bullet must be a single, complete news event.
3. No paragraphs, only bullet points
4. Never mention "no information found" or "no data available"
5. Provide only the briefing. No explanation.`,
	model.CategoryFinancial: `Create a focused financial briefing for %[1]s, a %[2]s company based in %[3]s.
Key requirements:
1. Structure using these headers and bullet points:

### Funding & Investment
* Total funding amount with date
* List each funding round with date
* List named investors

### Revenue Model
* Discuss product / service pricing if applicable

2. Include specific numbers when possible
3. No paragraphs, only bullet points
4. Never mention "no information found" or "no data available"
5. NEVER repeat the same round of funding multiple times. ALWAYS assume that multiple funding rounds in the same month are the same round.
6. NEVER include a range of funding amounts. Use your best judgement to determine the exact amount based on the information provided.
7. Provide only the briefing. No explanation or commentary.`,
	model.CategoryNews: `Create a focused news briefing for %[1]s, a %[2]s company based in %[3]s.
Key requirements:
1. Structure into these categories using bullet points:

### Major Announcements
* Product / service launches
* New initiatives

### Partnerships
* Integrations
* Collaborations

### Recognition
* Awards
* Press coverage

2. Sort newest to oldest
3. One event per bullet point
4. Do not mention "no information found" or "no data available"
5. Never use ### headers, only bullet points
6. Provide only the briefing. Do not provide explanations or commentary.`,
}

// BriefingPrompt renders the user prompt for one category. Documents are
// expected in descending score order; each is cut to limits.MaxDocChars and
// accumulation stops at the first entry that would exceed
// limits.MaxTotalChars. It returns the prompt and the number of documents
// included.
func BriefingPrompt(category model.Category, req model.ResearchRequest, docs []model.EvaluatedDocument, limits BriefingLimits) (string, int) {
	location := req.Location
	if location == "" {
		location = "an unknown location"
	}
	instructions := fmt.Sprintf(briefingInstructions[category], req.Subject, industryOf(req), location)

	entries := make([]string, 0, len(docs))
	total := 0
	for _, doc := range docs {
		content := doc.Text()
		if limits.MaxDocChars > 0 && len(content) > limits.MaxDocChars {
			content = truncateUTF8(content, limits.MaxDocChars) + truncatedMarker
		}
		title := doc.Title
		if title == "" {
			title = doc.URL
		}
		entry := fmt.Sprintf("Title: %s\n\nContent: %s", title, content)
		if limits.MaxTotalChars > 0 && total+len(entry)+len(docSeparator) > limits.MaxTotalChars {
			break
		}
		entries = append(entries, entry)
		total += len(entry) + len(docSeparator)
	}

	prompt := fmt.Sprintf("%s\n\nAnalyze the following documents and extract key information. Provide only the briefing, no explanations or commentary:\n\n%s%s%s\n\n",
		instructions, docSeparator, strings.Join(entries, docSeparator), docSeparator)
	return prompt, len(entries)
}

// reportSections maps categories to report headers, in report order
var reportSections = []struct {
	Category model.Category
	Header   string
}{
	{model.CategoryCompany, "Company Overview"},
	{model.CategoryIndustry, "Industry Overview"},
	{model.CategoryFinancial, "Financial Overview"},
	{model.CategoryNews, "News"},
}

func reportTitle(subject string) string {
	return fmt.Sprintf("# %s Research Report", subject)
}

// editorPrompt asks the LLM to merge the briefings into one report
func editorPrompt(req model.ResearchRequest, briefings map[model.Category]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are compiling a comprehensive research report about %s, a %s company", req.Subject, industryOf(req))
	if req.Location != "" {
		fmt.Fprintf(&b, " based in %s", req.Location)
	}
	b.WriteString(".\n\nCompiled briefings:\n\n")
	for _, section := range reportSections {
		if text := strings.TrimSpace(briefings[section.Category]); text != "" {
			fmt.Fprintf(&b, "## %s\n%s\n\n", section.Header, text)
		}
	}
	fmt.Fprintf(&b, `Create a comprehensive and focused report on %[1]s that:
1. Starts with the exact title "%[2]s"
2. Uses "## " headers for these sections, in order: Company Overview, Industry Overview, Financial Overview, News
3. Integrates information from the briefings without repeating facts
4. Keeps bullet points concise and factual
5. Does NOT include a references or sources section

Return the report in clean markdown format. No explanations or commentary.`, req.Subject, reportTitle(req.Subject))
	return b.String()
}

// AssembleReport joins the briefings under fixed section headers. It is
// used when the editor cannot reach the LLM.
func AssembleReport(subject string, briefings map[model.Category]string) string {
	var b strings.Builder
	b.WriteString(reportTitle(subject))
	b.WriteString("\n\n")
	for _, section := range reportSections {
		text := strings.TrimSpace(briefings[section.Category])
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", section.Header, text)
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
