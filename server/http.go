package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tangram-dev/tangram/id"
	"github.com/tangram-dev/tangram/value"
)

// Handler builds the HTTP surface served on the unix socket: the object
// store wire protocol, the build endpoints, the registry, metrics, and
// health.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Head("/objects/{id}", s.handleHeadObject)
		r.Get("/objects/{id}", s.handleGetObject)
		r.Put("/objects/{id}", s.handlePutObject)

		r.Get("/builds/for-target/{id}", s.handleGetBuildForTarget)
		r.Post("/builds/for-target/{id}", s.handleCreateBuildForTarget)
		r.Get("/builds/{id}/children", s.handleGetBuildChildren)
		r.Get("/builds/{id}/log", s.handleGetBuildLog)
		r.Get("/builds/{id}/output", s.handleGetBuildOutput)

		r.Get("/packages/{name}/versions", s.handleGetPackageVersions)
		r.Get("/packages/{name}/{version}", s.handleGetPackageVersion)
		r.Put("/packages/{name}/{version}", s.handlePublishPackage)
	})
	return r
}

func pathID(r *http.Request) (id.ID, error) {
	return id.Parse(chi.URLParam(r, "id"))
}

func writeError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func (s *Server) handleHeadObject(w http.ResponseWriter, r *http.Request) {
	i, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ok, err := s.objects.GetObjectExists(r.Context(), i)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request) {
	i, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	data, ok, err := s.objects.TryGetObject(r.Context(), i)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

func (s *Server) handlePutObject(w http.ResponseWriter, r *http.Request) {
	i, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	missing, err := s.objects.TryPutObject(r.Context(), i, data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(missing) > 0 {
		hexes := make([]string, len(missing))
		for j, m := range missing {
			hexes[j] = m.String()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string][]string{"missingChildren": hexes})
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGetBuildForTarget(w http.ResponseWriter, r *http.Request) {
	task, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	run, ok, err := s.objects.TryGetAssignment(r.Context(), task)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	fmt.Fprint(w, run.String())
}

func (s *Server) handleCreateBuildForTarget(w http.ResponseWriter, r *http.Request) {
	task, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	run, err := s.scheduler.GetOrCreateBuild(r.Context(), task)
	if err != nil {
		if errors.As(err, new(*value.NotFoundError)) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	fmt.Fprint(w, run.String())
}

// handleGetBuildChildren streams child run IDs, one hex ID per line,
// flushing as they arrive.
func (s *Server) handleGetBuildChildren(w http.ResponseWriter, r *http.Request) {
	run, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	children, err := s.scheduler.TryGetBuildChildren(r.Context(), run)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	flusher, _ := w.(http.Flusher)
	for child := range children {
		fmt.Fprintln(w, child.String())
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// handleGetBuildLog streams the run's log bytes as they arrive.
func (s *Server) handleGetBuildLog(w http.ResponseWriter, r *http.Request) {
	run, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	log, err := s.scheduler.TryGetBuildLog(r.Context(), run)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	defer log.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, err := log.Read(buf)
		if n > 0 {
			w.Write(buf[:n])
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

// outputResponse is the wire form of a run's output: a serialized value
// or a structured error.
type outputResponse struct {
	Status string          `json:"status"`
	Value  string          `json:"value,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

func (s *Server) handleGetBuildOutput(w http.ResponseWriter, r *http.Request) {
	run, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, ok, err := s.scheduler.TryGetBuildOutput(r.Context(), run)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	response, err := encodeOutput(result)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func encodeOutput(result value.Result) (outputResponse, error) {
	if !result.Ok() {
		b, err := json.Marshal(errorToWireJSON(result.Error))
		if err != nil {
			return outputResponse{}, err
		}
		return outputResponse{Status: "error", Error: b}, nil
	}
	data, err := value.Serialize(result.Value)
	if err != nil {
		return outputResponse{}, err
	}
	return outputResponse{Status: "ok", Value: base64.StdEncoding.EncodeToString(data)}, nil
}

func decodeOutput(response outputResponse) (value.Result, error) {
	switch response.Status {
	case "ok":
		data, err := base64.StdEncoding.DecodeString(response.Value)
		if err != nil {
			return value.Result{}, err
		}
		v, err := value.Deserialize(data)
		if err != nil {
			return value.Result{}, err
		}
		return value.Result{Value: v}, nil
	case "error":
		var wire jsonError
		if err := json.Unmarshal(response.Error, &wire); err != nil {
			return value.Result{}, err
		}
		return value.Result{Error: wireJSONToError(&wire)}, nil
	}
	return value.Result{}, fmt.Errorf("invalid output status %q", response.Status)
}

func (s *Server) handleGetPackageVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.GetPackageVersions(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	json.NewEncoder(w).Encode(versions)
}

func (s *Server) handleGetPackageVersion(w http.ResponseWriter, r *http.Request) {
	pkg, err := s.GetPackage(r.Context(), chi.URLParam(r, "name"), chi.URLParam(r, "version"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	i, err := pkg.ID(r.Context(), s.objects)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	fmt.Fprint(w, i.String())
}

func (s *Server) handlePublishPackage(w http.ResponseWriter, r *http.Request) {
	var request struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	pkg, err := id.Parse(request.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.PublishPackage(r.Context(), chi.URLParam(r, "name"), chi.URLParam(r, "version"), pkg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
