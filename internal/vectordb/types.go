package vectordb

// Hit is one ranked result from the semantic index. Payloads carry the
// chunk text plus the identity and location of the source document.
type Hit struct {
	ID         string  `json:"id"`
	Score      float64 `json:"score"`
	Text       string  `json:"text"`
	ReportName string  `json:"report_name"`
	URL        string  `json:"url"`
}
