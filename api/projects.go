package api

import (
	"context"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/gpagliara/authgate/storage"
)

const (
	maxProposalSize    = 1 << 20
	maxFileNameLength  = 255
	proposalExtension  = ".txt"
	maxProposalRequest = maxProposalSize*2 + 4<<10
)

func (a *API) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.storeTimeout)
}

// validateProposal checks a proposal upload and returns the normalised
// content.
func validateProposal(req CreateProposalRequest) (string, string, bool) {
	name := strings.TrimSpace(req.FileName)
	if name == "" || len(name) > maxFileNameLength || path.Base(name) != name || strings.ContainsAny(name, `/\`) {
		return "file_name must be a plain file name", "", false
	}
	if !strings.EqualFold(path.Ext(name), proposalExtension) {
		return "only .txt proposals are accepted", "", false
	}
	if req.Content == "" {
		return "content is required", "", false
	}
	if !utf8.ValidString(req.Content) {
		return "content must be valid UTF-8", "", false
	}
	content := norm.NFC.String(req.Content)
	if len(content) > maxProposalSize {
		return "content exceeds 1 MiB", "", false
	}
	return "", content, true
}

// CreateProject handles POST /projects. The owner is always the
// authenticated principal.
func (a *API) CreateProject(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	req, ok := decodeJSON[CreateProposalRequest](w, r, maxProposalRequest)
	if !ok {
		return
	}
	msg, content, ok := validateProposal(req)
	if !ok {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	ctx, cancel := a.storeCtx(r.Context())
	defer cancel()
	created, err := a.proposals.CreateProposal(ctx, storage.Proposal{
		Username:  p.Username,
		FileName:  strings.TrimSpace(req.FileName),
		Content:   content,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		a.writeInternalError(w, "failed to store proposal", err)
		return
	}
	a.audit.logEvent(AuditProposalCreated, r, p.Username, slog.Int64("proposal_id", created.ID))
	writeJSON(w, http.StatusCreated, proposalResponse(*created))
}

// ListProjects handles GET /projects. Proposals are returned oldest first,
// one page at a time.
func (a *API) ListProjects(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := a.storeCtx(r.Context())
	defer cancel()
	proposals, err := a.proposals.ListProposals(ctx)
	if err != nil {
		a.writeInternalError(w, "failed to list proposals", err)
		return
	}
	limit, offset := pageRequest(r)
	start, end, page := window(len(proposals), limit, offset)
	resp := ListProposalsResponse{Proposals: make([]ProposalResponse, 0, end-start), Page: page}
	for _, p := range proposals[start:end] {
		resp.Proposals = append(resp.Proposals, proposalResponse(p))
	}
	writeJSON(w, http.StatusOK, resp)
}

func proposalResponse(p storage.Proposal) ProposalResponse {
	return ProposalResponse{
		ID:        p.ID,
		Username:  p.Username,
		FileName:  p.FileName,
		Content:   p.Content,
		CreatedAt: p.CreatedAt,
	}
}
