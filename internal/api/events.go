package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/netip"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/jbweber/homelab/ddiagent/internal/log"
)

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", errBadRequest, err)
	}
	return nil
}

// pathID reconciles the id in the path with the one in the body
func pathID(r *http.Request, body *string) error {
	id := chi.URLParam(r, "id")
	if *body == "" {
		*body = id
	}
	if *body != id {
		return fmt.Errorf("%w: id %q does not match path id %q", errBadRequest, *body, id)
	}
	return nil
}

func validateNetwork(n NetworkRequest) error {
	if n.ID == "" {
		return fmt.Errorf("%w: network id is required", errBadRequest)
	}
	return nil
}

func validateSubnet(s *SubnetRequest) error {
	if s.ID == "" || s.NetworkID == "" {
		return fmt.Errorf("%w: subnet id and network_id are required", errBadRequest)
	}
	prefix, err := netip.ParsePrefix(s.CIDR)
	if err != nil {
		return fmt.Errorf("%w: invalid cidr %q", errBadRequest, s.CIDR)
	}
	version := 4
	if prefix.Addr().Is6() {
		version = 6
	}
	if s.IPVersion == 0 {
		s.IPVersion = version
	}
	if s.IPVersion != version {
		return fmt.Errorf("%w: ip_version %d does not match cidr %s", errBadRequest, s.IPVersion, s.CIDR)
	}
	for _, p := range s.AllocationPools {
		start, err1 := netip.ParseAddr(p.Start)
		end, err2 := netip.ParseAddr(p.End)
		if err1 != nil || err2 != nil || !prefix.Contains(start) || !prefix.Contains(end) || end.Less(start) {
			return fmt.Errorf("%w: invalid allocation pool %s-%s", errBadRequest, p.Start, p.End)
		}
	}
	return nil
}

func validatePort(p PortRequest) error {
	if p.ID == "" || p.NetworkID == "" {
		return fmt.Errorf("%w: port id and network_id are required", errBadRequest)
	}
	for _, ip := range p.FixedIPs {
		if ip.SubnetID == "" {
			return fmt.Errorf("%w: fixed ip without subnet_id", errBadRequest)
		}
		if ip.IPAddress != "" {
			if _, err := netip.ParseAddr(ip.IPAddress); err != nil {
				return fmt.Errorf("%w: invalid ip address %q", errBadRequest, ip.IPAddress)
			}
		}
	}
	return nil
}

// createNetworkHandler handles POST /api/v0/networks
func (a *API) createNetworkHandler(w http.ResponseWriter, r *http.Request) {
	var req NetworkRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateNetwork(req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.events.OnNetworkCreated(r.Context(), identity(r), req.toDomain()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, req)
}

// updateNetworkHandler handles PUT /api/v0/networks/{id}
func (a *API) updateNetworkHandler(w http.ResponseWriter, r *http.Request) {
	var req NetworkRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := pathID(r, &req.ID); err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.events.OnNetworkUpdated(r.Context(), identity(r), req.toDomain()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, req)
}

// deleteNetworkHandler handles DELETE /api/v0/networks/{id}. Deleting an
// unknown network succeeds.
func (a *API) deleteNetworkHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.events.OnNetworkDeleted(r.Context(), identity(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// createSubnetHandler handles POST /api/v0/subnets
func (a *API) createSubnetHandler(w http.ResponseWriter, r *http.Request) {
	var req SubnetRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateSubnet(&req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.events.OnSubnetCreated(r.Context(), identity(r), req.toDomain()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, req)
}

// updateSubnetHandler handles PUT /api/v0/subnets/{id}
func (a *API) updateSubnetHandler(w http.ResponseWriter, r *http.Request) {
	var req SubnetRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := pathID(r, &req.ID); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateSubnet(&req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.events.OnSubnetUpdated(r.Context(), identity(r), req.toDomain()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, req)
}

// deleteSubnetHandler handles DELETE /api/v0/subnets/{id}
func (a *API) deleteSubnetHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.events.OnSubnetDeleted(r.Context(), identity(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// createPortHandler handles POST /api/v0/ports. The response carries the
// addresses allocated to the port.
func (a *API) createPortHandler(w http.ResponseWriter, r *http.Request) {
	var req PortRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validatePort(req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.events.OnPortCreated(r.Context(), identity(r), req.toDomain()); err != nil {
		writeError(w, r, err)
		return
	}
	a.writePort(w, r, http.StatusCreated, req.ID)
}

// getPortHandler handles GET /api/v0/ports/{id}
func (a *API) getPortHandler(w http.ResponseWriter, r *http.Request) {
	a.writePort(w, r, http.StatusOK, chi.URLParam(r, "id"))
}

// updatePortHandler handles PUT /api/v0/ports/{id}
func (a *API) updatePortHandler(w http.ResponseWriter, r *http.Request) {
	var req PortRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := pathID(r, &req.ID); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validatePort(req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.events.OnPortUpdated(r.Context(), identity(r), req.toDomain()); err != nil {
		writeError(w, r, err)
		return
	}
	a.writePort(w, r, http.StatusOK, req.ID)
}

// deletePortHandler handles DELETE /api/v0/ports/{id}
func (a *API) deletePortHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.events.OnPortDeleted(r.Context(), identity(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) writePort(w http.ResponseWriter, r *http.Request, status int, id string) {
	p, err := a.ports.FindByID(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	log.G(r.Context()).WithFields(logrus.Fields{"port_id": id, "fixed_ips": len(p.FixedIPs)}).Debug("port served")
	writeJSON(w, r, status, portResponse(p))
}
