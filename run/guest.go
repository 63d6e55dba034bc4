package run

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tangram-dev/tangram/artifact"
	"github.com/tangram-dev/tangram/sandbox"
	"github.com/tangram-dev/tangram/value"
)

// guestSocketName is the unix socket the sandboxed process can reach;
// it lives under the run's temp directory, which is mounted read-write.
const guestSocketName = "socket"

// guestEndpoint is the small HTTP surface exposed inside the sandbox:
// checkin materializes arbitrary guest paths into the store, unrender
// decomposes strings back into templates.
type guestEndpoint struct {
	engine *artifact.Engine
	spec   *sandbox.Spec
	server *http.Server
}

func serveGuestEndpoint(ctx context.Context, engine *artifact.Engine, spec *sandbox.Spec) (*guestEndpoint, error) {
	g := &guestEndpoint{engine: engine, spec: spec}
	r := chi.NewRouter()
	r.Post("/v1/checkin", g.handleCheckin)
	r.Post("/v1/unrender", g.handleUnrender)
	socketPath := filepath.Join(spec.TempDir, guestSocketName)
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, err
	}
	g.server = &http.Server{Handler: r, BaseContext: func(net.Listener) context.Context { return ctx }}
	go g.server.Serve(listener)
	return g, nil
}

func (g *guestEndpoint) Close() error {
	return g.server.Close()
}

// hostPath translates a guest path to a host path by checking it lies
// under one of the sandbox's known mounts. The mounts bind at identical
// paths, so translation is validation.
func (g *guestEndpoint) hostPath(guest string) (string, error) {
	guest = filepath.Clean(guest)
	for _, mount := range g.spec.Mounts {
		if guest == mount.Path || strings.HasPrefix(guest, mount.Path+string(filepath.Separator)) {
			return guest, nil
		}
	}
	return "", fmt.Errorf("path %s is not inside a sandbox mount", guest)
}

type checkinRequest struct {
	Path string `json:"path"`
}

type checkinResponse struct {
	ID string `json:"id"`
}

func (g *guestEndpoint) handleCheckin(w http.ResponseWriter, r *http.Request) {
	var req checkinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	path, err := g.hostPath(req.Path)
	if err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	h, err := g.engine.Checkin(r.Context(), path)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	i, ok := h.CachedID()
	if !ok {
		httpError(w, http.StatusInternalServerError, fmt.Errorf("checkin produced no id"))
		return
	}
	json.NewEncoder(w).Encode(checkinResponse{ID: i.String()})
}

type unrenderRequest struct {
	String string `json:"string"`
}

// TemplateJSON is the wire form of a template for the guest endpoint.
type TemplateJSON struct {
	Components []TemplateComponentJSON `json:"components"`
}

// TemplateComponentJSON is one wire component: kind is "string",
// "artifact", or "placeholder".
type TemplateComponentJSON struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

// TemplateToJSON converts a template to its wire form.
func TemplateToJSON(t *value.Template) (TemplateJSON, error) {
	var out TemplateJSON
	for _, c := range t.Components {
		switch c := c.(type) {
		case value.StringComponent:
			out.Components = append(out.Components, TemplateComponentJSON{Kind: "string", Value: string(c)})
		case value.ArtifactComponent:
			i, ok := c.Artifact.CachedID()
			if !ok {
				return out, fmt.Errorf("artifact component has no id")
			}
			out.Components = append(out.Components, TemplateComponentJSON{Kind: "artifact", Value: i.String()})
		case value.PlaceholderComponent:
			out.Components = append(out.Components, TemplateComponentJSON{Kind: "placeholder", Value: c.Name})
		}
	}
	return out, nil
}

func (g *guestEndpoint) handleUnrender(w http.ResponseWriter, r *http.Request) {
	var req unrenderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	t, err := value.Unrender([]string{g.engine.ArtifactsPath()}, req.String)
	if err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}
	wire, err := TemplateToJSON(t)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	json.NewEncoder(w).Encode(wire)
}

func httpError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
