// Package edge implements the offline-first edge proxy: request
// interception, the connectivity monitor, and the queue drainer. It is the
// Go counterpart of the app's background worker.
package edge

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/uahtechtube/finxchange/internal/cache"
	"github.com/uahtechtube/finxchange/internal/domain"
	"github.com/uahtechtube/finxchange/internal/queue"
)

// Metrics
var (
	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "finx_edge_cache_lookups_total",
		Help: "Cacheable read lookups by result",
	}, []string{"result"}) // fresh, stale_fallback, miss, network

	queuedWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "finx_edge_queued_writes_total",
		Help: "Writes intercepted while offline",
	}, []string{"kind"})

	offlineErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "finx_edge_offline_errors_total",
		Help: "Requests that surfaced a hard offline failure",
	})
)

const offlineMessage = "Transaction queued for processing when back online."

const offlinePage = `<!DOCTYPE html>
<html>
<head><title>FinXchange - Offline</title></head>
<body>
<h1>You are offline</h1>
<p>FinXchange could not reach the network. Your queued transactions will be sent automatically once connectivity returns.</p>
</body>
</html>`

// ProxyConfig carries everything the proxy needs; there is no package-level
// state beyond metrics.
type ProxyConfig struct {
	Upstream  *url.URL
	Queue     *queue.Store
	Cache     *cache.Store
	Monitor   *Monitor
	Policy    Policy
	Notifier  Notifier
	Drainer   *Drainer
	UserID    string
	Freshness time.Duration
	Client    *http.Client
	Log       zerolog.Logger
}

// Proxy classifies every incoming request and serves it from the network,
// the cache, or a synthetic offline response.
type Proxy struct {
	upstream  *url.URL
	queue     *queue.Store
	cache     *cache.Store
	monitor   *Monitor
	policy    Policy
	notifier  Notifier
	drainer   *Drainer
	userID    string
	freshness time.Duration
	client    *http.Client
	log       zerolog.Logger
}

func NewProxy(cfg ProxyConfig) *Proxy {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	freshness := cfg.Freshness
	if freshness == 0 {
		freshness = 5 * time.Minute
	}
	return &Proxy{
		upstream:  cfg.Upstream,
		queue:     cfg.Queue,
		cache:     cfg.Cache,
		monitor:   cfg.Monitor,
		policy:    cfg.Policy,
		notifier:  cfg.Notifier,
		drainer:   cfg.Drainer,
		userID:    cfg.UserID,
		freshness: freshness,
		client:    client,
		log:       cfg.Log,
	}
}

// Router wires the control endpoints and the catch-all interception handler.
func (p *Proxy) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/_edge/activate", p.handleActivate).Methods("POST")
	r.HandleFunc("/_edge/cache", p.handleCacheSeed).Methods("POST")
	r.HandleFunc("/_edge/drain", p.handleDrain).Methods("POST")
	r.PathPrefix("/").HandlerFunc(p.handle)
	return r
}

func (p *Proxy) handle(w http.ResponseWriter, r *http.Request) {
	switch p.policy.Classify(r.Method, r.URL.Path) {
	case RouteQueueableWrite:
		p.handleQueueableWrite(w, r)
	case RouteCacheableRead:
		p.handleCacheableRead(w, r)
	case RouteStatic:
		p.handleStatic(w, r)
	default:
		// Never-queue writes and uncached reads are network-only.
		p.handleNetworkOnly(w, r)
	}
}

// forward replays the request against the upstream. A non-nil error means
// the network itself was unreachable; HTTP-level failures come back as
// responses.
func (p *Proxy) forward(r *http.Request, body []byte) (*http.Response, error) {
	target := *p.upstream
	target.Path = r.URL.Path
	target.RawQuery = r.URL.RawQuery

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header = r.Header.Clone()
	if req.Header.Get("X-User-ID") == "" {
		req.Header.Set("X-User-ID", p.userID)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.monitor.MarkOffline()
		return nil, err
	}
	p.monitor.MarkOnline()
	return resp, nil
}

func (p *Proxy) handleQueueableWrite(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "stream read error"})
		return
	}

	if p.monitor.Online() {
		resp, err := p.forward(r, body)
		if err == nil {
			defer resp.Body.Close()
			relay(w, resp)
			return
		}
		// Fall through to the queue: the write attempt just proved the
		// network unreachable.
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed JSON body"})
		return
	}

	kind := p.policy.KindForWrite(r.URL.Path, fields)

	var amountStr, description string
	if raw, ok := fields["amount"]; ok {
		if json.Unmarshal(raw, &amountStr) != nil {
			var n json.Number
			if json.Unmarshal(raw, &n) == nil {
				amountStr = n.String()
			}
		}
	}
	amount, err := decimal.NewFromString(amountStr)
	if err != nil || amount.LessThanOrEqual(decimal.Zero) {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "amount must be a positive decimal"})
		return
	}
	if raw, ok := fields["description"]; ok {
		json.Unmarshal(raw, &description)
	}

	recipient := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		if k == "amount" || k == "description" {
			continue
		}
		recipient[k] = v
	}
	recipientJSON, _ := json.Marshal(recipient)
	metadata, _ := json.Marshal(map[string]string{
		"endpoint": r.URL.Path,
		"method":   r.Method,
	})

	rec := &domain.QueuedTransaction{
		UserID:           p.userID,
		Kind:             kind,
		Amount:           amount,
		Description:      description,
		RecipientDetails: recipientJSON,
		Metadata:         metadata,
	}
	if err := p.queue.Enqueue(rec); err != nil {
		p.log.Error().Err(err).Msg("offline write could not be queued")
		p.notifier.Alert("Transaction could not be saved for later. Please retry when back online.")
		offlineErrors.Inc()
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error":   "offline",
			"message": "You are offline and the transaction could not be queued.",
		})
		return
	}

	queuedWrites.WithLabelValues(string(kind)).Inc()
	p.notifier.Notify(offlineMessage)
	respondJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"message": offlineMessage,
		"offline": true,
	})
}

func (p *Proxy) handleNetworkOnly(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "stream read error"})
		return
	}

	resp, err := p.forward(r, body)
	if err != nil {
		offlineErrors.Inc()
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error":   "offline",
			"message": "This action requires a network connection.",
		})
		return
	}
	defer resp.Body.Close()
	relay(w, resp)
}

func (p *Proxy) handleCacheableRead(w http.ResponseWriter, r *http.Request) {
	key := cacheKey(r)

	entry, err := p.cache.Get(key)
	if err != nil {
		p.log.Error().Err(err).Str("key", key).Msg("cache lookup failed")
	}

	if entry != nil && entry.Fresh(p.freshness, time.Now()) {
		cacheLookups.WithLabelValues("fresh").Inc()
		serveCached(w, entry)
		return
	}

	resp, err := p.forward(r, nil)
	if err == nil {
		defer resp.Body.Close()
		body, readErr := io.ReadAll(resp.Body)
		if readErr == nil && resp.StatusCode == http.StatusOK {
			if err := p.cache.Put(key, resp.StatusCode, resp.Header.Get("Content-Type"), body); err != nil {
				p.log.Error().Err(err).Str("key", key).Msg("cache store failed")
			}
		}
		cacheLookups.WithLabelValues("network").Inc()
		relayBytes(w, resp, body)
		return
	}

	// Network down: any cached copy beats nothing, regardless of age.
	if entry != nil {
		cacheLookups.WithLabelValues("stale_fallback").Inc()
		serveCached(w, entry)
		return
	}

	cacheLookups.WithLabelValues("miss").Inc()
	offlineErrors.Inc()
	respondJSON(w, http.StatusServiceUnavailable, map[string]string{
		"error":   "offline",
		"message": "You are offline and this data is not cached.",
	})
}

func (p *Proxy) handleStatic(w http.ResponseWriter, r *http.Request) {
	key := cacheKey(r)

	resp, err := p.forward(r, nil)
	if err == nil {
		defer resp.Body.Close()
		body, readErr := io.ReadAll(resp.Body)
		if readErr == nil && resp.StatusCode == http.StatusOK {
			if err := p.cache.Put(key, resp.StatusCode, resp.Header.Get("Content-Type"), body); err != nil {
				p.log.Error().Err(err).Str("key", key).Msg("cache store failed")
			}
		}
		relayBytes(w, resp, body)
		return
	}

	if entry, _ := p.cache.Get(key); entry != nil {
		serveCached(w, entry)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusServiceUnavailable)
	io.WriteString(w, offlinePage)
}

// handleActivate purges every cache generation except the current one,
// equivalent to force-activating a new worker version without waiting.
func (p *Proxy) handleActivate(w http.ResponseWriter, r *http.Request) {
	n, err := p.cache.PurgeOtherGenerations()
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	p.log.Info().Int("purged", n).Str("generation", p.cache.Generation()).Msg("cache generation activated")
	respondJSON(w, http.StatusOK, map[string]any{"purged": n, "generation": p.cache.Generation()})
}

// handleDrain kicks off a queue drain. Used by the CLI after a manual retry
// so the re-queued record replays without waiting for a connectivity flap;
// overlapping kicks coalesce inside the drainer.
func (p *Proxy) handleDrain(w http.ResponseWriter, r *http.Request) {
	if p.drainer == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "drainer not configured"})
		return
	}
	go p.drainer.Drain(context.Background())
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "draining"})
}

// handleCacheSeed manually stores a cache entry with an explicit TTL.
func (p *Proxy) handleCacheSeed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key         string          `json:"key"`
		Body        json.RawMessage `json:"body"`
		ContentType string          `json:"content_type"`
		TTLMinutes  int             `json:"ttl_minutes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" || req.TTLMinutes <= 0 {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "key, body and ttl_minutes are required"})
		return
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	ttl := time.Duration(req.TTLMinutes) * time.Minute
	if err := p.cache.PutWithTTL(req.Key, http.StatusOK, contentType, req.Body, ttl); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "cached"})
}

func cacheKey(r *http.Request) string {
	if r.URL.RawQuery == "" {
		return r.URL.Path
	}
	return r.URL.Path + "?" + r.URL.RawQuery
}

func serveCached(w http.ResponseWriter, entry *cache.Entry) {
	if entry.ContentType != "" {
		w.Header().Set("Content-Type", entry.ContentType)
	}
	w.Header().Set("X-Cache-Timestamp", entry.CachedAt.UTC().Format(time.RFC3339))
	if !entry.ExpiresAt.IsZero() {
		w.Header().Set("X-Cache-Expires", entry.ExpiresAt.UTC().Format(time.RFC3339))
	}
	w.WriteHeader(entry.Status)
	w.Write(entry.Body)
}

func relay(w http.ResponseWriter, resp *http.Response) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		respondJSON(w, http.StatusBadGateway, map[string]string{"error": "upstream read error"})
		return
	}
	relayBytes(w, resp, body)
}

func relayBytes(w http.ResponseWriter, resp *http.Response, body []byte) {
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(resp.StatusCode)
	w.Write(body)
}

func respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}
