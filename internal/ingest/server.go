package ingest

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"syncbridge/internal/remote"
)

// Server exposes the webhook endpoints. Both remotes retry aggressively on
// non-200 responses, so every well-formed request is acknowledged with 200
// once enqueued; processing happens asynchronously.
type Server struct {
	processor *Processor
	metrics   http.Handler
	log       *zap.Logger
}

// NewServer builds the webhook router host. metricsHandler may be nil.
func NewServer(p *Processor, metricsHandler http.Handler, log *zap.Logger) *Server {
	return &Server{processor: p, metrics: metricsHandler, log: log}
}

// Router assembles the HTTP surface.
func (s *Server) Router() http.Handler {
	router := chi.NewRouter()

	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)
	router.Use(chimiddleware.Timeout(10 * time.Second))

	// Health and metrics are read from browser dashboards; webhooks are
	// server-to-server and unaffected.
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	router.Get("/healthz", s.health)
	if s.metrics != nil {
		router.Method(http.MethodGet, "/metrics", s.metrics)
	}

	router.Route("/webhooks", func(r chi.Router) {
		r.Post("/zoho", s.sourceWebhook)
		r.Post("/airtable", s.datastoreWebhook)
	})

	return router
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// sourceWebhookBody is the CRM notification shape. Single-record bodies use
// record_id; multi-record bodies use ids.
type sourceWebhookBody struct {
	Module   string   `json:"module"`
	RecordID string   `json:"record_id"`
	IDs      []string `json:"ids"`
	Deleted  bool     `json:"deleted"`
}

func (s *Server) sourceWebhook(w http.ResponseWriter, r *http.Request) {
	var body sourceWebhookBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.log.Warn("malformed source webhook", zap.Error(err))
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if body.Module == "" {
		http.Error(w, "module required", http.StatusBadRequest)
		return
	}

	ids := body.IDs
	if body.RecordID != "" {
		ids = append(ids, body.RecordID)
	}
	for _, id := range ids {
		s.processor.Enqueue(Event{Direct: &DirectChange{
			System:   remote.SystemSource,
			Module:   body.Module,
			RecordID: id,
			Deleted:  body.Deleted,
		}})
	}
	s.log.Debug("source webhook accepted",
		zap.String("module", body.Module), zap.Int("records", len(ids)))
	w.WriteHeader(http.StatusOK)
}

// datastoreWebhookBody is the thin ping the datastore sends; the changes
// themselves live in payload history.
type datastoreWebhookBody struct {
	Base struct {
		ID string `json:"id"`
	} `json:"base"`
	Webhook struct {
		ID string `json:"id"`
	} `json:"webhook"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) datastoreWebhook(w http.ResponseWriter, r *http.Request) {
	var body datastoreWebhookBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.log.Warn("malformed datastore webhook", zap.Error(err))
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if body.Webhook.ID == "" {
		http.Error(w, "webhook id required", http.StatusBadRequest)
		return
	}

	ts, err := remote.ParseTime(body.Timestamp)
	if err != nil {
		ts = time.Now()
	}
	s.processor.Enqueue(Event{Handle: &HandleRef{
		BaseID:    body.Base.ID,
		WebhookID: body.Webhook.ID,
		Timestamp: ts,
	}})
	s.log.Debug("datastore webhook accepted", zap.String("webhook", body.Webhook.ID))
	w.WriteHeader(http.StatusOK)
}
