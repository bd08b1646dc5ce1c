// Package api serves the review API: the event stream with its human
// transitions, run counters and error logs, and per-document verdicts.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/kenshin-ledger/internal/ledger"
	"github.com/sells-group/kenshin-ledger/internal/model"
	"github.com/sells-group/kenshin-ledger/internal/reconcile"
	"github.com/sells-group/kenshin-ledger/internal/runs"
	"github.com/sells-group/kenshin-ledger/internal/store"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the handlers' dependencies.
type Server struct {
	events  *reconcile.Service
	runs    *runs.Coordinator
	ledger  *ledger.Ledger
	db      Pinger
	origins []string
	log     *zap.Logger
}

// New returns a Server. An empty origins list allows any origin.
func New(events *reconcile.Service, rc *runs.Coordinator, lg *ledger.Ledger, db Pinger, origins []string) *Server {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return &Server{
		events:  events,
		runs:    rc,
		ledger:  lg,
		db:      db,
		origins: origins,
		log:     zap.L().With(zap.String("component", "api")),
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "If-Match"},
		ExposedHeaders: []string{"ETag"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/events", func(r chi.Router) {
		r.Get("/", s.listEvents)
		r.Get("/{id}", s.getEvent)
		r.Get("/{id}/history", s.eventHistory)
		r.Post("/{id}/confirm", s.transition(s.events.Confirm))
		r.Post("/{id}/override", s.transition(s.events.Override))
		r.Post("/{id}/out-of-scope", s.transition(s.events.MarkOutOfScope))
		r.Post("/{id}/reopen", s.transition(s.events.Reopen))
	})
	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.listRuns)
		r.Get("/{id}", s.getRun)
		r.Get("/{id}/errors", s.runErrors)
	})
	r.Route("/documents/{hash}", func(r chi.Router) {
		r.Get("/", s.getDocument)
		r.Get("/judgment", s.getJudgment)
		r.Get("/items", s.getItems)
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := reconcile.EventFilter{EventType: q.Get("event_type")}
	if v := q.Get("status"); v != "" {
		st, ok := model.ParseMatchStatus(strings.ToUpper(v))
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown status "+v)
			return
		}
		f.Status = st
	}
	var err error
	if f.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "limit must be a number")
		return
	}
	if f.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "offset must be a number")
		return
	}
	events, err := s.events.Events(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) getEvent(w http.ResponseWriter, r *http.Request) {
	e, err := s.events.Event(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("ETag", strconv.Quote(strconv.FormatInt(e.Version, 10)))
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) eventHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.events.Event(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	h, err := s.events.History(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

// reviewRequest is the body of a human transition.
type reviewRequest struct {
	Reviewer string `json:"reviewer"`
	Reason   string `json:"reason"`
	PersonID string `json:"person_id"`
	Version  int64  `json:"version"`
}

type reviewFunc func(ctx context.Context, id string, rv reconcile.Review) (*model.Event, error)

// transition adapts a review operation. The version the reviewer saw comes
// from the body or, failing that, from If-Match.
func (s *Server) transition(fn reviewFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req reviewRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if strings.TrimSpace(req.Reviewer) == "" {
			writeError(w, http.StatusBadRequest, "reviewer is required")
			return
		}
		if req.Version == 0 {
			if v := strings.Trim(r.Header.Get("If-Match"), `" `); v != "" {
				n, err := strconv.ParseInt(v, 10, 64)
				if err != nil {
					writeError(w, http.StatusBadRequest, "If-Match must carry the event version")
					return
				}
				req.Version = n
			}
		}
		e, err := fn(r.Context(), chi.URLParam(r, "id"), reconcile.Review{
			Version:  req.Version,
			Reviewer: req.Reviewer,
			Reason:   req.Reason,
			PersonID: req.PersonID,
		})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		w.Header().Set("ETag", strconv.Quote(strconv.FormatInt(e.Version, 10)))
		writeJSON(w, http.StatusOK, e)
	}
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit must be a number")
		return
	}
	list, err := s.runs.List(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if list == nil {
		list = []model.Run{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) runErrors(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.runs.Get(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	limit, err := intParam(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit must be a number")
		return
	}
	errs, err := s.runs.Errors(r.Context(), id, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if errs == nil {
		errs = []model.RunError{}
	}
	writeJSON(w, http.StatusOK, errs)
}

func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	x, err := s.ledger.Xml(r.Context(), chi.URLParam(r, "hash"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, x)
}

func (s *Server) getJudgment(w http.ResponseWriter, r *http.Request) {
	x, err := s.ledger.Xml(r.Context(), chi.URLParam(r, "hash"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if x.Judgment == nil {
		writeError(w, http.StatusNotFound, "document has not been judged")
		return
	}
	writeJSON(w, http.StatusOK, x.Judgment)
}

func (s *Server) getItems(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	if _, err := s.ledger.Xml(r.Context(), hash); err != nil {
		s.fail(w, r, err)
		return
	}
	values, err := s.ledger.ItemValues(r.Context(), hash)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if values == nil {
		values = []model.ItemValue{}
	}
	writeJSON(w, http.StatusOK, values)
}

// fail maps domain errors onto status codes.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func statusOf(err error) int {
	switch {
	case eris.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case eris.Is(err, reconcile.ErrConflict):
		return http.StatusConflict
	case eris.Is(err, reconcile.ErrTransition):
		return http.StatusConflict
	case eris.Is(err, reconcile.ErrReasonRequired),
		eris.Is(err, reconcile.ErrPersonRequired),
		eris.Is(err, reconcile.ErrNotCandidate):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
