package constants

// Status is the outcome reported on batch, file and page results.
type Status string

// Stable values (clients match on these exact strings).
const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)
