package models

// Purpose selects how the Fetcher treats a URL
type Purpose string

const (
	PurposePage  Purpose = "page"  // Plain GET, body parsed as HTML
	PurposeImage Purpose = "image" // HEAD probe + conditional GET
	PurposePDF   Purpose = "pdf"   // HEAD probe + conditional GET
)

// String implements fmt.Stringer for logging
func (p Purpose) String() string {
	if p == "" {
		return "unset"
	}
	return string(p)
}

// IsValid returns true if the purpose is a known value
func (p Purpose) IsValid() bool {
	switch p {
	case PurposePage, PurposeImage, PurposePDF:
		return true
	}
	return false
}

// Conditional reports whether fetches of this purpose go through the HEAD probe
func (p Purpose) Conditional() bool {
	return p == PurposeImage || p == PurposePDF
}

// PageState is the per-URL state within one crawl invocation
type PageState string

const (
	PageStatePending   PageState = "pending"
	PageStateFetching  PageState = "fetching"
	PageStateExtracted PageState = "extracted" // Terminal: fetched 200 and processed
	PageStateFailed    PageState = "failed"    // Terminal: non-200 or transport error
)

// String implements fmt.Stringer for logging
func (s PageState) String() string {
	if s == "" {
		return "unset"
	}
	return string(s)
}

// IsTerminal reports whether no further transition is possible in this run
func (s PageState) IsTerminal() bool {
	return s == PageStateExtracted || s == PageStateFailed
}
