package introspect

import (
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

//go:embed templates/*.html
var templatesFS embed.FS

// ReplayFunc re-sends a captured raw request to the local service
type ReplayFunc func(raw []byte) error

// Dashboard serves the local introspection web interface
type Dashboard struct {
	listener  net.Listener
	server    *http.Server
	templates *template.Template
	store     *Store
	replay    ReplayFunc
	logger    zerolog.Logger
}

// NewDashboard binds the dashboard on the loopback interface. Port 0
// picks an ephemeral port; Addr reports the bound address.
func NewDashboard(port int, store *Store, replay ReplayFunc, logger zerolog.Logger) (*Dashboard, error) {
	tmpl, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to bind dashboard: %w", err)
	}

	d := &Dashboard{
		listener:  listener,
		templates: tmpl,
		store:     store,
		replay:    replay,
		logger:    logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", d.handleIndex)
	mux.HandleFunc("/detail/", d.handleDetail)
	mux.HandleFunc("/replay/", d.handleReplay)
	mux.HandleFunc("/api/requests", d.handleAPIRequests)

	d.server = &http.Server{Handler: mux}
	return d, nil
}

// Addr returns the dashboard's bound address
func (d *Dashboard) Addr() string {
	return d.listener.Addr().String()
}

// Start serves the dashboard until Stop is called
func (d *Dashboard) Start() error {
	d.logger.Info().Str("addr", d.Addr()).Msg("starting introspection dashboard")

	if err := d.server.Serve(d.listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard server error: %w", err)
	}
	return nil
}

// Stop shuts the dashboard down
func (d *Dashboard) Stop() error {
	return d.server.Close()
}

func (d *Dashboard) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	data := map[string]interface{}{
		"Requests": d.store.List(),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := d.templates.ExecuteTemplate(w, "index.html", data); err != nil {
		d.logger.Error().Err(err).Msg("failed to render index template")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (d *Dashboard) handleDetail(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/detail/")
	if id == "" {
		http.NotFound(w, r)
		return
	}

	req, ok := d.store.Get(id)
	if !ok {
		http.NotFound(w, r)
		return
	}

	data := map[string]interface{}{
		"Request":      req,
		"RequestBody":  string(req.BodyData),
		"ResponseBody": string(req.ResponseData),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := d.templates.ExecuteTemplate(w, "detail.html", data); err != nil {
		d.logger.Error().Err(err).Msg("failed to render detail template")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (d *Dashboard) handleReplay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/replay/")
	req, ok := d.store.Get(id)
	if !ok {
		http.NotFound(w, r)
		return
	}

	if err := d.replay(req.EntireRequest); err != nil {
		d.logger.Error().Err(err).Str("id", req.ID).Msg("replay failed")
		http.Error(w, "Replay failed", http.StatusBadGateway)
		return
	}

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (d *Dashboard) handleAPIRequests(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(d.store.List())
}
