package api

import "time"

// CookieStatus is returned from GET /auth/cookie.
type CookieStatus struct {
	CookiesPresent bool   `json:"cookiesPresent"`
	Username       string `json:"username,omitempty"`
	Authenticated  *bool  `json:"authenticated,omitempty"`
}

// MeResponse is returned from GET /auth/me.
type MeResponse struct {
	Username string     `json:"username"`
	Method   AuthMethod `json:"method"`
}

// CreateProposalRequest is the JSON body for POST /projects.
type CreateProposalRequest struct {
	FileName string `json:"file_name"`
	Content  string `json:"content"`
}

// ProposalResponse describes one stored project proposal.
type ProposalResponse struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	FileName  string    `json:"file_name"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ListProposalsResponse is returned from GET /projects.
type ListProposalsResponse struct {
	Proposals []ProposalResponse `json:"proposals"`
	Page
}

// ErrorResponse is returned for all JSON error cases.
type ErrorResponse struct {
	Error string `json:"error"`
}
