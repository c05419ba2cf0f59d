package retrieval

// Image is one retrieval image with its display metadata.
type Image struct {
	URL     string `json:"url"`
	Caption string `json:"caption,omitempty"`
}

// ContextBundle is the normalized output of one augmentation attempt.
// It is created per turn and consumed once by prompt assembly; only its
// image sets survive into transport headers and the persisted record.
type ContextBundle struct {
	Context       string           `json:"context"`
	ImageMap      map[string]Image `json:"image_map,omitempty"`
	RelatedImages []Image          `json:"related_images,omitempty"`
	ImagesSkipped bool             `json:"images_skipped,omitempty"`
}

// searchRequest is the wire request to the retrieval collaborator.
type searchRequest struct {
	Query         string `json:"query"`
	K             int    `json:"k"`
	UserID        string `json:"user_id,omitempty"`
	TimeoutBudget int64  `json:"timeout_budget"` // milliseconds
}

// searchResponse is the collaborator's wire response.
type searchResponse struct {
	Context       string           `json:"context"`
	Images        []Image          `json:"images"`
	ImageMap      map[string]Image `json:"image_map"`
	ImagesSkipped bool             `json:"images_skipped,omitempty"`
}
