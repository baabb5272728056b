package pipeline

import (
	"github.com/researchdesk/api/internal/model"
)

// Field names a value in the pipeline state
type Field string

const (
	FieldInput      Field = "input"
	FieldSiteScrape Field = "site_scrape"

	FieldFinancialData Field = "financial_data"
	FieldNewsData      Field = "news_data"
	FieldIndustryData  Field = "industry_data"
	FieldCompanyData   Field = "company_data"

	FieldCollected Field = "collected"

	FieldCuratedFinancial Field = "curated_financial_data"
	FieldCuratedNews      Field = "curated_news_data"
	FieldCuratedIndustry  Field = "curated_industry_data"
	FieldCuratedCompany   Field = "curated_company_data"

	FieldReferences Field = "references"
	FieldDocCounts  Field = "doc_counts"
	FieldEnriched   Field = "enriched_documents"
	FieldBriefings  Field = "briefings"
	FieldReport     Field = "report"
)

// seedFields are present before any stage runs
var seedFields = []Field{FieldInput}

// DataField returns the field a category's collector writes
func DataField(category model.Category) Field {
	return Field(string(category) + "_data")
}

// CuratedField returns the field holding a category's curated documents
func CuratedField(category model.Category) Field {
	return Field("curated_" + string(category) + "_data")
}

// Input is the seed of a pipeline run
type Input struct {
	JobID   string
	Request model.ResearchRequest
}

// SiteScrape is the text extracted from the subject's own website
type SiteScrape struct {
	URL     string `json:"url"`
	Content string `json:"content"`
}

// Collected is the per-category bundle built by the collector stage
type Collected map[model.Category][]model.Document

// Output is the set of fields a stage produced
type Output map[Field]any

// State is an immutable snapshot of every field written so far.
// Merging an Output returns a new State and leaves the receiver untouched.
type State struct {
	values map[Field]any
}

// NewState seeds a state with the job input
func NewState(in Input) State {
	return State{values: map[Field]any{FieldInput: in}}
}

// Has reports whether field has been written
func (s State) Has(field Field) bool {
	_, ok := s.values[field]
	return ok
}

// Get returns the raw value of field
func (s State) Get(field Field) (any, bool) {
	v, ok := s.values[field]
	return v, ok
}

// Fields returns the number of fields present
func (s State) Fields() int {
	return len(s.values)
}

func (s State) merge(out Output) State {
	values := make(map[Field]any, len(s.values)+len(out))
	for k, v := range s.values {
		values[k] = v
	}
	for k, v := range out {
		values[k] = v
	}
	return State{values: values}
}

// Input returns the job input
func (s State) Input() Input {
	in, _ := s.values[FieldInput].(Input)
	return in
}

// SiteScrape returns the website extraction, zero when none was made
func (s State) SiteScrape() SiteScrape {
	scrape, _ := s.values[FieldSiteScrape].(SiteScrape)
	return scrape
}

// Documents returns the raw documents a collector wrote into field
func (s State) Documents(field Field) []model.Document {
	docs, _ := s.values[field].([]model.Document)
	return docs
}

// Collected returns the per-category bundle
func (s State) Collected() Collected {
	c, _ := s.values[FieldCollected].(Collected)
	return c
}

// Curated returns the curated documents of one category
func (s State) Curated(category model.Category) []model.EvaluatedDocument {
	docs, _ := s.values[CuratedField(category)].([]model.EvaluatedDocument)
	return docs
}

// References returns the resolved citation list
func (s State) References() []model.Reference {
	refs, _ := s.values[FieldReferences].([]model.Reference)
	return refs
}

// DocCounts returns the per-category curation counts
func (s State) DocCounts() map[model.Category]model.DocCounts {
	counts, _ := s.values[FieldDocCounts].(map[model.Category]model.DocCounts)
	return counts
}

// Enriched returns the curated documents after content enrichment
func (s State) Enriched() map[model.Category][]model.EvaluatedDocument {
	docs, _ := s.values[FieldEnriched].(map[model.Category][]model.EvaluatedDocument)
	return docs
}

// Briefings returns the per-category briefings
func (s State) Briefings() map[model.Category]string {
	b, _ := s.values[FieldBriefings].(map[model.Category]string)
	return b
}

// Report returns the compiled report
func (s State) Report() string {
	r, _ := s.values[FieldReport].(string)
	return r
}
