package model

// Category tags the collector a document came from
type Category string

const (
	CategoryFinancial Category = "financial"
	CategoryNews      Category = "news"
	CategoryIndustry  Category = "industry"
	CategoryCompany   Category = "company"
)

// Categories lists every category in collection order
var Categories = []Category{
	CategoryFinancial, CategoryNews, CategoryIndustry, CategoryCompany,
}

// ReferenceOrder is the order categories are scanned when building citations
var ReferenceOrder = []Category{
	CategoryCompany, CategoryIndustry, CategoryFinancial, CategoryNews,
}

// Document is one piece of retrieved evidence
type Document struct {
	URL        string   `json:"url"`
	Title      string   `json:"title"`
	Content    string   `json:"content,omitempty"`
	RawContent string   `json:"rawContent,omitempty"`
	Query      string   `json:"query,omitempty"`
	Source     string   `json:"source,omitempty"`
	Score      float64  `json:"score"`
	Category   Category `json:"category"`
}

// Text returns the richest content available for the document
func (d Document) Text() string {
	if d.RawContent != "" {
		return d.RawContent
	}
	return d.Content
}

// EvaluatedDocument is a document that survived curation
type EvaluatedDocument struct {
	Document
	OverallScore float64 `json:"overallScore"`
}

// Reference is a deduplicated citation for the final report
type Reference struct {
	URL     string  `json:"url"`
	Title   string  `json:"title"`
	Website string  `json:"website"`
	Domain  string  `json:"domain"`
	Score   float64 `json:"score"`
}

// DocCounts reports how many documents entered and survived curation
type DocCounts struct {
	Initial int `json:"initial"`
	Kept    int `json:"kept"`
}
