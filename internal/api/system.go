package api

import (
	"net/http"

	"github.com/monsoonfire/studio-os/internal/capability"
	"github.com/monsoonfire/studio-os/internal/connector"
)

func (d *Dependencies) handleListConnectors(w http.ResponseWriter, _ *http.Request) {
	descs := d.Connectors.Descriptors()
	if descs == nil {
		descs = []connector.Descriptor{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"connectors": descs})
}

func (d *Dependencies) handleConnectorHealth(w http.ResponseWriter, r *http.Request) {
	results := d.Connectors.HealthAll(r.Context())
	if results == nil {
		results = []connector.HealthResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"connectors": results})
}

func (d *Dependencies) handleListCapabilities(w http.ResponseWriter, _ *http.Request) {
	blocked := make(map[string]bool)
	for _, id := range d.Capabilities.Blocked() {
		blocked[id] = true
	}
	defs := d.Capabilities.List()
	out := make([]CapabilityResp, 0, len(defs))
	for _, def := range defs {
		resp := CapabilityResp{Definition: def, Blocked: blocked[def.ID]}
		if meta, ok := d.Capabilities.Policy(def.ID); ok {
			resp.Policy = &meta
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, map[string]any{"capabilities": out})
}

func (d *Dependencies) handleLintReport(w http.ResponseWriter, _ *http.Request) {
	issues := d.Capabilities.Issues()
	if issues == nil {
		issues = []capability.Issue{}
	}
	blocked := d.Capabilities.Blocked()
	if blocked == nil {
		blocked = []string{}
	}
	writeJSON(w, http.StatusOK, LintResp{Issues: issues, Blocked: blocked})
}
