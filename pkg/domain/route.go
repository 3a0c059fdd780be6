package domain

// RouteResult is the normalized output of one routed model call.
type RouteResult struct {
	Output  string `json:"output"`
	Model   string `json:"model"`
	Backend string `json:"backend,omitempty"`
}
