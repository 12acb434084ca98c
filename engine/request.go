package engine

// DocumentRef identifies one document a request operates over. Content is
// optional; when empty, document text is reachable only through scoped
// retrieval.
type DocumentRef struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content,omitempty"`
}

// Request is one user turn entering the engine.
type Request struct {
	SessionID    string        `json:"session_id"`
	UserID       string        `json:"user_id"`
	Query        string        `json:"query"`
	Model        string        `json:"model"`
	Locale       string        `json:"locale,omitempty"`
	Documents    []DocumentRef `json:"documents,omitempty"`
	ForceRefresh bool          `json:"force_refresh,omitempty"`
}
