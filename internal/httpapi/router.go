// Package httpapi exposes the engine over JSON/HTTP.
package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	hpprof "net/http/pprof"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"notiflow/internal/engine"
	"notiflow/internal/escalation"
	"notiflow/internal/intake"
	"notiflow/internal/ledger"
	"notiflow/internal/routing"
	logx "notiflow/pkg/logx"
)

const maxBodyBytes = 1 << 20

// Engine is the subset of *engine.Engine the API serves.
type Engine interface {
	ProcessNotification(ctx context.Context, ev routing.Event) []ledger.Delivery
	ResolveEscalation(instanceID, resolvedBy string) error
	AcknowledgeDelivery(deliveryID, by string) (ledger.Delivery, error)
	Deliveries(f ledger.Filter) []ledger.Delivery
	Delivery(id string) (ledger.Delivery, bool)
	Escalations() []escalation.Instance
	ActiveEscalations() []escalation.Instance
	Escalation(id string) (escalation.Instance, bool)
	Routes() []routing.Route
	Route(id string) (routing.Route, bool)
	ReplaceRoutes(routes []routing.Route) error
	UpsertRoute(r routing.Route) error
	RemoveRoute(id string) error
	Summary() engine.Summary
}

// Submitter queues events for asynchronous processing.
type Submitter interface {
	Submit(ctx context.Context, ev routing.Event) error
}

// Health reports overall health plus a JSON-serializable detail view.
type Health func() (healthy bool, detail any)

type Deps struct {
	Engine  Engine
	Intake  Submitter    // optional; enables ?async=true on POST /v1/events
	Metrics http.Handler // optional; mounted at /metrics
	Health  Health       // optional
	IDFunc  func() string

	// Set by Server from its Config.
	Token string
	Pprof bool
}

type api struct {
	deps  Deps
	log   logx.Logger
	newID func() string
}

// NewRouter builds the API handler tree.
func NewRouter(deps Deps, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &api{deps: deps, log: log, newID: deps.IDFunc}
	if a.newID == nil {
		a.newID = uuid.NewString
	}

	r := mux.NewRouter()
	r.Use(a.recoverer, a.accessLog)
	r.HandleFunc("/healthz", a.health).Methods(http.MethodGet)

	protected := r.NewRoute().Subrouter()
	protected.Use(a.auth)
	if deps.Metrics != nil {
		protected.Handle("/metrics", deps.Metrics).Methods(http.MethodGet)
	}
	if deps.Pprof {
		protected.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
		protected.HandleFunc("/debug/pprof/profile", hpprof.Profile)
		protected.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
		protected.HandleFunc("/debug/pprof/trace", hpprof.Trace)
		protected.PathPrefix("/debug/pprof/").HandlerFunc(hpprof.Index)
	}

	v1 := protected.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/events", a.postEvent).Methods(http.MethodPost)
	v1.HandleFunc("/deliveries", a.listDeliveries).Methods(http.MethodGet)
	v1.HandleFunc("/deliveries/{id}", a.getDelivery).Methods(http.MethodGet)
	v1.HandleFunc("/deliveries/{id}/ack", a.ackDelivery).Methods(http.MethodPost)
	v1.HandleFunc("/escalations", a.listEscalations).Methods(http.MethodGet)
	v1.HandleFunc("/escalations/{id}", a.getEscalation).Methods(http.MethodGet)
	v1.HandleFunc("/escalations/{id}/resolve", a.resolveEscalation).Methods(http.MethodPost)
	v1.HandleFunc("/routes", a.listRoutes).Methods(http.MethodGet)
	v1.HandleFunc("/routes", a.replaceRoutes).Methods(http.MethodPut)
	v1.HandleFunc("/routes/{id}", a.getRoute).Methods(http.MethodGet)
	v1.HandleFunc("/routes/{id}", a.putRoute).Methods(http.MethodPut)
	v1.HandleFunc("/routes/{id}", a.deleteRoute).Methods(http.MethodDelete)
	v1.HandleFunc("/reports/summary", a.summary).Methods(http.MethodGet)
	return r
}

func (a *api) postEvent(w http.ResponseWriter, r *http.Request) {
	var ev routing.Event
	if err := decodeBody(w, r, &ev, false); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(ev.ID) == "" {
		ev.ID = a.newID()
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		if a.deps.Intake == nil {
			writeError(w, intake.ErrDisabled)
			return
		}
		if err := a.deps.Intake.Submit(r.Context(), ev); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"id": ev.ID})
		return
	}

	out := a.deps.Engine.ProcessNotification(r.Context(), ev)
	writeJSON(w, http.StatusOK, eventResponse{ID: ev.ID, Deliveries: out})
}

type eventResponse struct {
	ID         string            `json:"id"`
	Deliveries []ledger.Delivery `json:"deliveries"`
}

func (a *api) listDeliveries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.Filter{
		NotificationID: q.Get("notificationId"),
		RecipientRef:   q.Get("recipient"),
		RouteID:        q.Get("routeId"),
		Status:         ledger.Status(q.Get("status")),
		Method:         q.Get("method"),
	}
	writeJSON(w, http.StatusOK, a.deps.Engine.Deliveries(f))
}

func (a *api) getDelivery(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	d, ok := a.deps.Engine.Delivery(id)
	if !ok {
		writeError(w, notFound("delivery", id))
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type byRequest struct {
	By         string `json:"by,omitempty"`
	ResolvedBy string `json:"resolvedBy,omitempty"`
}

func (b byRequest) actor() string {
	if s := strings.TrimSpace(b.ResolvedBy); s != "" {
		return s
	}
	return strings.TrimSpace(b.By)
}

func (a *api) ackDelivery(w http.ResponseWriter, r *http.Request) {
	var body byRequest
	if err := decodeBody(w, r, &body, true); err != nil {
		writeError(w, err)
		return
	}
	if _, err := a.deps.Engine.AcknowledgeDelivery(mux.Vars(r)["id"], body.actor()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) listEscalations(w http.ResponseWriter, r *http.Request) {
	if active, _ := strconv.ParseBool(r.URL.Query().Get("active")); active {
		writeJSON(w, http.StatusOK, a.deps.Engine.ActiveEscalations())
		return
	}
	writeJSON(w, http.StatusOK, a.deps.Engine.Escalations())
}

func (a *api) getEscalation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	inst, ok := a.deps.Engine.Escalation(id)
	if !ok {
		writeError(w, notFound("escalation", id))
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (a *api) resolveEscalation(w http.ResponseWriter, r *http.Request) {
	var body byRequest
	if err := decodeBody(w, r, &body, true); err != nil {
		writeError(w, err)
		return
	}
	if err := a.deps.Engine.ResolveEscalation(mux.Vars(r)["id"], body.actor()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) listRoutes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.deps.Engine.Routes())
}

func (a *api) replaceRoutes(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, invalid(err))
		return
	}
	routes, err := routing.DecodeRoutes(raw)
	if err != nil {
		writeError(w, invalid(err))
		return
	}
	if err := a.deps.Engine.ReplaceRoutes(routes); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.deps.Engine.Routes())
}

func (a *api) getRoute(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rt, ok := a.deps.Engine.Route(id)
	if !ok {
		writeError(w, notFound("route", id))
		return
	}
	writeJSON(w, http.StatusOK, rt)
}

func (a *api) putRoute(w http.ResponseWriter, r *http.Request) {
	var rt routing.Route
	if err := decodeBody(w, r, &rt, false); err != nil {
		writeError(w, err)
		return
	}
	id := mux.Vars(r)["id"]
	if rt.ID == "" {
		rt.ID = id
	}
	if rt.ID != id {
		writeError(w, invalid(errors.New("route id does not match path")))
		return
	}
	if err := a.deps.Engine.UpsertRoute(rt); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rt)
}

func (a *api) deleteRoute(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Engine.RemoveRoute(mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) summary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.deps.Engine.Summary())
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	if a.deps.Health == nil {
		writeJSON(w, http.StatusOK, map[string]any{"healthy": true})
		return
	}
	ok, detail := a.deps.Health()
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"healthy": ok, "components": detail})
}

func (a *api) auth(next http.Handler) http.Handler {
	tok := strings.TrimSpace(a.deps.Token)
	if tok == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const p = "Bearer "
		ah := r.Header.Get("Authorization")
		if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
	})
}

func (a *api) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				a.log.Error("http handler panic",
					logx.String("method", r.Method),
					logx.String("path", r.URL.Path),
					logx.Any("panic", rec),
					logx.Stack(string(debug.Stack())),
				)
				writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (a *api) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		a.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", rec.status),
			logx.Duration("took", time.Since(start)),
		)
	})
}
