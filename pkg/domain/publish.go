package domain

import "errors"

// ErrNoSalesChannel marks a product that was created but could not be
// published. Callers treat it as a warning.
var ErrNoSalesChannel = errors.New("no sales channel connected")

type Product struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags,omitempty"`
	ImagePath   string   `json:"imagePath"`
}

type PublishResult struct {
	ProductID string `json:"productId"`
	ImageID   string `json:"imageId,omitempty"`
	Published bool   `json:"published"`
}

// Artifact is one stored image produced by a generation job.
type Artifact struct {
	Source string `json:"source"`
	URI    string `json:"uri"`
	Size   int64  `json:"size,omitempty"`
}
