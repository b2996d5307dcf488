// Package server implements the Query Surface (C8) and Client Fan-Out
// (C9): a REST API over current state, history, alerts, and the
// device registry, plus a WebSocket channel that pushes StateChange
// events to connected clients.
package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
)

// Server serves up HTTP on Addr (default 0.0.0.0:8011). It handles
// the REST API, the web app (if Appdir/EmbedTempl is used), and the
// WebSocket upgrade for the Client Fan-Out.
type Server struct {
	*http.Server       `json:"-"`
	*http.ServeMux     `json:"-"`
	*template.Template `json:"-"`

	EndPoints sync.Map `json:"routes"`
}

func NewServer() *Server {
	s := &Server{
		Server: &http.Server{
			Addr: ":8011",
		},
	}
	s.ServeMux = http.NewServeMux()
	return s
}

// Register binds h to path p, both on the server's mux and in the
// EndPoints registry the /api listing reads from.
func (s *Server) Register(p string, h http.Handler) error {
	if p == "" || h == nil {
		return errors.New("server: Register requires a non-empty path and a non-nil handler")
	}

	if _, alreadyRegistered := s.EndPoints.Load(p); alreadyRegistered {
		return nil
	}

	s.EndPoints.Store(p, h)
	s.Handle(p, h)
	return nil
}

// Start registers the built-in endpoints, begins serving, and blocks
// until done is closed, at which point it shuts down.
func (s *Server) Start(done chan any) {
	s.Register("/ping", Ping{})
	s.Register("/api", s)
	s.Register("/api/stats", StatsHandler{})

	slog.Info("server: starting HTTP listener", "addr", s.Addr)
	s.Server.Handler = s.ServeMux
	go s.Server.ListenAndServe()
	<-done
	s.Shutdown(context.Background())
}

func (s *Server) Appdir(path, file string) {
	slog.Info("server: serving app directory", "path", path)
	s.Register(path, http.FileServer(http.Dir(file)))
}

func (s *Server) EndPointCount() int {
	count := 0
	s.EndPoints.Range(func(k, v any) bool {
		count++
		return true
	})
	return count
}

func (s *Server) EmbedTempl(path string, fsys embed.FS, data any) {
	s.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		url := r.URL.Path
		ext := filepath.Ext(url)

		switch ext {
		case ".css":
			w.Header().Set("Content-Type", "text/css")
			http.ServeFileFS(w, r, fsys, "app"+url)
			return

		case ".js":
			w.Header().Set("Content-Type", "application/javascript")
			http.ServeFileFS(w, r, fsys, "app"+url)
			return

		default:
			var err error
			if s.Template == nil {
				s.Template, err = template.ParseFS(fsys, "app/*.html")
				if err != nil {
					slog.Error("server: failed to parse web template", "error", err)
					return
				}
			}
			s.Template.Execute(w, data)
		}
	})
}

// ServeHTTP backs the /api route: it lists every registered endpoint.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ep := struct {
		Routes []string
	}{}
	s.EndPoints.Range(func(k, v any) bool {
		ep.Routes = append(ep.Routes, k.(string))
		return true
	})

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(ep); err != nil {
		slog.Error("server: failed to encode endpoint list", "error", err)
	}
}
