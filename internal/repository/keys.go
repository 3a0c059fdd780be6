package repository

// Redis keys shared with the metrics collector.
const (
	KeyRunsHash          = "podflow:runs"
	KeyRunsTTL           = "podflow:runs:ttl"
	KeyGenerationsHash   = "podflow:generations"
	KeyGenerationsTTL    = "podflow:generations:ttl"
	KeyGenerationsActive = "podflow:generations:active"
)
