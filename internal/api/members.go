package api

import (
	"fmt"
	"net/http"

	"github.com/jbweber/homelab/ddiagent/internal/domain"
	"github.com/jbweber/homelab/ddiagent/internal/log"
)

// listMembersHandler handles GET /api/v0/members
func (a *API) listMembersHandler(w http.ResponseWriter, r *http.Request) {
	members, err := a.members.FindAll(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]Member, 0, len(members))
	for _, m := range members {
		out = append(out, memberResponse(m))
	}
	writeJSON(w, r, http.StatusOK, out)
}

// replaceMembersHandler handles PUT /api/v0/members.
//
// Request: JSON array of members as read from the directory backend. Members
// missing from the list are removed, or switched off while a mapping still
// references them.
func (a *API) replaceMembersHandler(w http.ResponseWriter, r *http.Request) {
	var req []Member
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	members := make([]domain.DirectoryMember, 0, len(req))
	for _, m := range req {
		if m.Status == "" {
			m.Status = string(domain.MemberStatusOn)
		}
		if m.Role == "" {
			m.Role = string(domain.MemberRoleRegular)
		}
		members = append(members, m.toDomain())
	}
	if err := a.members.ReplaceAll(r.Context(), members); err != nil {
		writeError(w, r, fmt.Errorf("failed to replace members: %w", err))
		return
	}
	log.G(r.Context()).WithField("members", len(members)).Info("members synchronized")
	a.listMembersHandler(w, r)
}
