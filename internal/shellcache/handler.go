package shellcache

import (
	"encoding/json"
	"maps"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"shellcache/internal/logger"
)

// Handler routes the admin endpoints under /_shell/ and sends everything else
// through the worker.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Route("/_shell", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/update", s.handleUpdate)
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	})
	r.NotFound(s.handle)
	r.MethodNotAllowed(s.handle)
	return r
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	req, err := s.scopeRequest(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	res, err := s.worker.OnIntercept(r.Context(), req)
	if err != nil {
		s.stats.ObserveError()
		s.log.Debug("intercept failed", logger.String("url", req.URL.String()), logger.Error(err))
		maps.Copy(w.Header(), responseHeader(nil, "offline"))
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	maps.Copy(w.Header(), responseHeader(res.Header, string(res.Source)))
	w.WriteHeader(res.Status)
	_, _ = w.Write(res.Body)
	s.stats.Observe(res.Source, len(res.Body))
}

// scopeRequest re-addresses an incoming request to the scope origin so its
// identity is the URL the browser asked for.
func (s *Service) scopeRequest(r *http.Request) (*http.Request, error) {
	u, err := url.Parse(s.cfg.Scope.Origin + r.URL.RequestURI())
	if err != nil {
		return nil, err
	}
	req := r.Clone(r.Context())
	req.URL = u
	req.Host = u.Host
	req.RequestURI = ""
	return req, nil
}

type statusView struct {
	Generation  string         `json:"generation"`
	Serving     string         `json:"serving"`
	Generations []string       `json:"generations"`
	Entries     int            `json:"entries"`
	Lifecycle   lifecycleState `json:"lifecycle"`
	Stats       statsSnapshot  `json:"stats"`
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	names, err := s.store.Names(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	entries, err := s.worker.Entries(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	s.stateMu.Lock()
	state := s.state
	s.stateMu.Unlock()

	writeJSON(w, http.StatusOK, statusView{
		Generation:  s.worker.Generation(),
		Serving:     s.worker.Serving(),
		Generations: names,
		Entries:     entries,
		Lifecycle:   state,
		Stats:       s.stats.Snapshot(),
	})
}

func (s *Service) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if err := s.Update(r.Context()); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"serving": s.worker.Serving()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
