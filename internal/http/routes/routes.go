package routes

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	scs "github.com/alexedwards/scs/v2"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/briangreenhill/cachegate/internal/gateway"
	"github.com/briangreenhill/cachegate/internal/host"
	appmw "github.com/briangreenhill/cachegate/internal/http/middleware"
	"github.com/briangreenhill/cachegate/internal/jobs"
	"github.com/briangreenhill/cachegate/internal/metrics"
)

// maxBody caps side-channel request bodies
const maxBody = 64 << 10

type Server struct {
	Router  *chi.Mux
	Sess    *scs.SessionManager
	Host    *host.Host
	Origin  *url.URL
	Jobs    jobs.Enqueuer
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

type ServerOptions struct {
	Sess    *scs.SessionManager
	Host    *host.Host
	Origin  *url.URL
	Jobs    jobs.Enqueuer
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

func New(opts ServerOptions) *Server {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(hlog.NewHandler(opts.Logger))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))
	r.Use(chimw.Recoverer)

	s := &Server{Router: r, Sess: opts.Sess, Host: opts.Host, Origin: opts.Origin, Jobs: opts.Jobs, Metrics: opts.Metrics, Logger: opts.Logger}
	if s.Metrics == nil {
		s.Metrics = metrics.New()
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("ok")); err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("write health check response")
		}
	})
	r.Method(http.MethodGet, "/metrics", s.Metrics.Handler())

	r.Group(func(gr chi.Router) {
		gr.Use(s.Sess.LoadAndSave)
		gr.Use(appmw.ClientID(s.Sess))

		gr.Post("/__gateway/message", s.handleMessage)
		gr.Post("/__gateway/push", s.handlePush)
		gr.Post("/__gateway/notificationclick", s.handleNotificationClick)
		gr.Post("/__gateway/sync", s.handleSync)
		gr.HandleFunc("/*", s.handleFetch)
	})

	return s
}

// target maps an inbound request onto the origin. An absolute-form request
// for any other origin is refused; the gateway is not a forward proxy.
func (s *Server) target(r *http.Request) (*url.URL, bool) {
	if r.URL.IsAbs() && !gateway.SameOrigin(r.URL, s.Origin) {
		return nil, false
	}
	u := *s.Origin
	u.Path = r.URL.Path
	u.RawPath = r.URL.RawPath
	u.RawQuery = r.URL.RawQuery
	return &u, true
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)

	u, ok := s.target(r)
	if !ok {
		log.Warn().Str("url", r.URL.String()).Msg("refusing request for foreign origin")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	out := r.Clone(r.Context())
	out.URL = u
	out.Host = u.Host

	if id := appmw.ClientIDFrom(r.Context()); id != "" && gateway.DestinationOf(out) == gateway.DestDocument {
		s.Host.Touch(id, u.RequestURI())
	}

	resp, ev, err := s.Host.Fetch(out)
	if ev != nil {
		// deferred cache writes finish after the response; Host.Shutdown drains them
		go func() {
			if err := ev.Wait(); err != nil {
				s.Logger.Warn().Err(err).Str("url", u.String()).Msg("deferred work failed")
			}
		}()
	}
	if err != nil {
		log.Error().Err(err).Str("url", u.String()).Msg("fetch failed")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close() //nolint:errcheck

	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		log.Warn().Err(err).Str("url", u.String()).Msg("copy response body")
	}
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg gateway.Message
	if !s.decode(w, r, &msg) {
		return
	}
	if err := s.Host.Message(r.Context(), msg); err != nil {
		s.fail(w, r, err)
		return
	}
	s.accepted(w)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	gw := s.active(w)
	if gw == nil {
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		http.Error(w, "could not read body", http.StatusBadRequest)
		return
	}

	ev := gateway.NewEvent(r.Context())
	if err := gw.Push(ev, data); err != nil {
		_ = ev.Wait()
		s.fail(w, r, err)
		return
	}
	if err := ev.Wait(); err != nil {
		s.fail(w, r, err)
		return
	}
	s.accepted(w)
}

type clickRequest struct {
	Action string `json:"action"`
}

func (s *Server) handleNotificationClick(w http.ResponseWriter, r *http.Request) {
	gw := s.active(w)
	if gw == nil {
		return
	}
	var req clickRequest
	if !s.decode(w, r, &req) {
		return
	}
	win, err := gw.NotificationClick(r.Context(), req.Action)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if win == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	http.Redirect(w, r, win.URL, http.StatusSeeOther)
}

type syncRequest struct {
	Tag string `json:"tag"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if !s.decode(w, r, &req) {
		return
	}

	if s.Jobs == nil {
		gw := s.active(w)
		if gw == nil {
			return
		}
		if err := gw.Sync(r.Context(), req.Tag); err != nil {
			s.fail(w, r, err)
			return
		}
		s.accepted(w)
		return
	}

	task, err := jobs.NewSyncTask(jobs.SyncPayload{Tag: req.Tag, ClientID: appmw.ClientIDFrom(r.Context())})
	if err != nil {
		s.fail(w, r, errors.Wrap(err, errors.CodeInternal, "build sync task"))
		return
	}
	info, err := s.Jobs.EnqueueContext(r.Context(), task)
	if err != nil {
		s.fail(w, r, errors.Wrap(err, errors.CodeUnavailable, "enqueue sync"))
		return
	}
	hlog.FromRequest(r).Info().Str("task_id", info.ID).Str("tag", req.Tag).Msg("sync enqueued")
	s.accepted(w)
}

func (s *Server) active(w http.ResponseWriter) *gateway.Gateway {
	gw := s.Host.Active()
	if gw == nil {
		http.Error(w, "no active gateway", http.StatusServiceUnavailable)
	}
	return gw
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(v); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) accepted(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`{"status":"accepted"}`))
}

// fail maps an error code to a status
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch errors.GetCode(err) {
	case errors.CodeInvalidInput:
		status = http.StatusBadRequest
	case errors.CodeUnavailable:
		status = http.StatusServiceUnavailable
	case errors.CodeNetwork:
		status = http.StatusBadGateway
	}
	hlog.FromRequest(r).Error().Err(err).Int("status", status).Msg("request failed")
	http.Error(w, http.StatusText(status), status)
}

var hopHeaders = map[string]bool{
	"Connection":        true,
	"Keep-Alive":        true,
	"Proxy-Connection":  true,
	"Te":                true,
	"Trailer":           true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		if hopHeaders[k] {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
