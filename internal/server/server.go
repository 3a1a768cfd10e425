package server

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/TobiSchelling/pagemill/internal/database"
	"github.com/TobiSchelling/pagemill/internal/pipeline"
	"github.com/TobiSchelling/pagemill/internal/quality"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

var md = goldmark.New(goldmark.WithExtensions(extension.Table))

// Runner triggers a processing pass. *pipeline.Pipeline satisfies it.
type Runner interface {
	RunOnce(ctx context.Context) (*pipeline.RunSummary, error)
}

// Options configure optional server features.
type Options struct {
	// SiteRoot, when set, is served under /files/ so page images display.
	SiteRoot string
	Scorer   *quality.Scorer
}

// Server serves read-only status pages over the ledger.
type Server struct {
	db     *database.DB
	runner Runner
	opts   Options
	pages  map[string]*template.Template
	router chi.Router
}

// New creates a new Server. runner may be nil, which disables POST /run.
func New(db *database.DB, runner Runner, opts Options) (*Server, error) {
	s := &Server{db: db, runner: runner, opts: opts}

	funcMap := template.FuncMap{
		"markdown": renderMarkdown,
		"bytes": func(n int64) string {
			if n <= 0 {
				return "-"
			}
			return humanize.Bytes(uint64(n))
		},
		"comma": func(n int) string { return humanize.Comma(int64(n)) },
		"deref": func(s *string) string {
			if s == nil {
				return ""
			}
			return *s
		},
		"derefBool": func(b *bool) bool { return b != nil && *b },
		"pageList": func(pages []int) string {
			parts := make([]string, len(pages))
			for i, p := range pages {
				parts[i] = strconv.Itoa(p)
			}
			return strings.Join(parts, ", ")
		},
		"grade": s.gradeLabel,
	}

	base, err := template.New("base.html").Funcs(funcMap).ParseFS(templateFS, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("parsing base template: %w", err)
	}

	// Each page gets its own clone of base so {{define "content"}} does not collide.
	pageNames := []string{"index.html", "edition.html", "runs.html"}
	s.pages = make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		clone, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("cloning base for %s: %w", name, err)
		}
		_, err = clone.ParseFS(templateFS, "templates/"+name)
		if err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", name, err)
		}
		s.pages[name] = clone
	}

	s.routes()
	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	staticSub, _ := fs.Sub(staticFS, "static")
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(staticSub))))
	if s.opts.SiteRoot != "" {
		r.Handle("/files/*", http.StripPrefix("/files/", http.FileServer(http.Dir(s.opts.SiteRoot))))
	}

	r.Get("/", s.handleIndex)
	r.Get("/editions/{id}", s.handleEdition)
	r.Get("/runs", s.handleRuns)
	r.Post("/run", s.handleRun)

	s.router = r
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	editions, err := s.db.ListEditions()
	if err != nil {
		log.Printf("Error listing editions: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	stats, err := s.db.GetStats()
	if err != nil {
		log.Printf("Error loading stats: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	s.render(w, "index.html", map[string]any{
		"Editions":  editions,
		"Stats":     stats,
		"CanRun":    s.runner != nil,
		"StateList": []database.EditionState{database.StateComplete, database.StatePartial, database.StateUnprocessed, database.StateFailed},
	})
}

func (s *Server) handleEdition(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	edition, err := s.db.GetEdition(id)
	if err != nil {
		log.Printf("Error loading edition %d: %v", id, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if edition == nil {
		http.NotFound(w, r)
		return
	}
	pages, err := s.db.GetPages(id)
	if err != nil {
		log.Printf("Error loading pages for edition %d: %v", id, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	s.render(w, "edition.html", map[string]any{
		"Edition":   edition,
		"Pages":     pages,
		"ShowFiles": s.opts.SiteRoot != "",
	})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	reports, err := s.db.GetRunReports(20)
	if err != nil {
		log.Printf("Error loading run reports: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	s.render(w, "runs.html", map[string]any{
		"Reports": reports,
	})
}

// handleRun is the reprocess action. It only calls the pipeline entry point.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		http.Error(w, "Processing is not enabled on this server", http.StatusServiceUnavailable)
		return
	}

	// A client disconnect must not interrupt a pass midway.
	summary, err := s.runner.RunOnce(context.WithoutCancel(r.Context()))
	if err != nil {
		log.Printf("Run triggered from status page failed: %v", err)
		http.Error(w, "Run failed; see server log", http.StatusInternalServerError)
		return
	}
	log.Printf("Run %s triggered from status page: %s", summary.ShortID(), summary.Line())
	http.Redirect(w, r, "/runs", http.StatusSeeOther)
}

func (s *Server) gradeLabel(score float64) string {
	if s.opts.Scorer == nil || score <= 0 {
		return "-"
	}
	return s.opts.Scorer.Grade(score).Label()
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	tmpl, ok := s.pages[name]
	if !ok {
		log.Printf("Template %s not found", name)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.ExecuteTemplate(w, "base.html", data); err != nil {
		log.Printf("Error rendering template %s: %v", name, err)
	}
}

func renderMarkdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(buf.String()) //nolint: gosec
}

// Serve starts the HTTP server on the given port.
func Serve(db *database.DB, runner Runner, opts Options, port int) error {
	srv, err := New(db, runner, opts)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	log.Printf("Server listening on http://%s", addr)
	return http.ListenAndServe(addr, srv.Handler())
}
