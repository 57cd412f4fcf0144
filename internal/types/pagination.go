package types

// PageInfo describes cursor pagination state for listing endpoints. The
// cursor is opaque to clients; internally it is the created_at timestamp of
// the last item on the page.
type PageInfo struct {
	HasMore    bool   `json:"has_more"`
	NextCursor string `json:"next_cursor,omitempty"`
}
