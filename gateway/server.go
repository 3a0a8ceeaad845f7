package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/DouglasBagambe/warlnest-starknet/escrow"
	"github.com/DouglasBagambe/warlnest-starknet/fault"
	"github.com/DouglasBagambe/warlnest-starknet/gateway/middleware"
	"github.com/DouglasBagambe/warlnest-starknet/listings"
	"github.com/DouglasBagambe/warlnest-starknet/registry"
	"github.com/DouglasBagambe/warlnest-starknet/reputation"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxRequestBody       = 1 << 20 // 1 MiB
	defaultPageLimit     = 20
)

// Server is the HTTP front-end for listings and ledger coordination.
type Server struct {
	listings   *listings.Store
	registry   *registry.Orchestrator
	escrow     *escrow.Orchestrator
	reputation *reputation.Orchestrator
	idem       *IdempotencyStore
	obs        *middleware.Observability
	auth       *middleware.Authenticator
	limiter    *middleware.RateLimiter
	origins    []string
	log        *slog.Logger
	nowFn      func() time.Time
}

// Options carry the optional middleware collaborators.
type Options struct {
	Observability  *middleware.Observability
	Authenticator  *middleware.Authenticator
	RateLimiter    *middleware.RateLimiter
	AllowedOrigins []string
	Logger         *slog.Logger
}

func NewServer(
	listingStore *listings.Store,
	reg *registry.Orchestrator,
	esc *escrow.Orchestrator,
	rep *reputation.Orchestrator,
	idem *IdempotencyStore,
	opts Options,
) *Server {
	if listingStore == nil {
		panic("listing store required")
	}
	if idem == nil {
		panic("idempotency store required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	obs := opts.Observability
	if obs == nil {
		obs = middleware.NewObservability(middleware.ObservabilityConfig{}, log)
	}
	auth := opts.Authenticator
	if auth == nil {
		auth = middleware.NewAuthenticator(middleware.AuthConfig{}, log)
	}
	limiter := opts.RateLimiter
	if limiter == nil {
		limiter = middleware.NewRateLimiter(nil)
	}
	return &Server{
		listings:   listingStore,
		registry:   reg,
		escrow:     esc,
		reputation: rep,
		idem:       idem,
		obs:        obs,
		auth:       auth,
		limiter:    limiter,
		origins:    opts.AllowedOrigins,
		log:        log,
		nowFn:      time.Now,
	}
}

// Router assembles the chi route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.CORS(middleware.CORSConfig{AllowedOrigins: s.origins}))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.obs.MetricsHandler())

	r.Route("/api/properties", func(r chi.Router) {
		r.With(s.obs.Middleware("properties"), s.limiter.Middleware("properties")).Group(func(r chi.Router) {
			r.Post("/", s.handleCreateListing)
			r.Get("/", s.handleSearchListings)
			r.Get("/featured", s.handleFeatured)
			r.Get("/recent", s.handleRecent)
			r.Get("/{id}", s.handleGetListing)
			r.Patch("/{id}", s.handleUpdateListing)
			r.Patch("/{id}/featured", s.handleToggleFeatured)
			r.Patch("/{id}/favorite", s.handleAddFavorite)
			r.Delete("/{id}", s.handleDeleteListing)
			r.Post("/{id}/appointments", s.handleCreateAppointment)
			r.Get("/{id}/appointments", s.handleListAppointments)
		})
	})

	r.Route("/api/ledger", func(r chi.Router) {
		r.Use(s.obs.Middleware("ledger"), s.limiter.Middleware("ledger"))
		r.Post("/properties/{id}/mint", s.handleMint)
		r.With(s.auth.Middleware("admin")).Post("/properties/{id}/verify", s.handleVerify)
		r.Get("/properties/{id}", s.handleBlockchainView)
		r.Post("/escrows", s.handleCreateEscrow)
		r.Get("/escrows/{id}", s.handleEscrowStatus)
		r.Post("/agents/register", s.handleRegisterAgent)
		r.Post("/agents/{address}/reviews", s.handleAddReview)
		r.Post("/agents/{address}/fraud-reports", s.handleReportFraud)
		r.Get("/agents/{address}/reputation", s.handleReputation)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ---- listings CRUD ----

func (s *Server) handleCreateListing(w http.ResponseWriter, r *http.Request) {
	var l listings.Listing
	if err := s.decode(r, &l); err != nil {
		writeError(w, err)
		return
	}
	if err := s.listings.Create(r.Context(), &l); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

func (s *Server) handleSearchListings(w http.ResponseWriter, r *http.Request) {
	q := listings.Query{
		Type:      listings.Type(r.URL.Query().Get("type")),
		Purpose:   listings.Purpose(r.URL.Query().Get("purpose")),
		Location:  r.URL.Query().Get("location"),
		SortBy:    r.URL.Query().Get("sortBy"),
		SortOrder: r.URL.Query().Get("sortOrder"),
		Page:      intParam(r, "page", 1),
		Limit:     intParam(r, "limit", defaultPageLimit),
	}
	if v := r.URL.Query().Get("minPrice"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			q.MinPrice = &f
		}
	}
	if v := r.URL.Query().Get("maxPrice"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			q.MaxPrice = &f
		}
	}
	if v := r.URL.Query().Get("amenities"); v != "" {
		q.Amenities = strings.Split(v, ",")
	}
	results, total, err := s.listings.Search(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"listings": results,
		"total":    total,
		"page":     q.Page,
		"limit":    q.Limit,
	})
}

func (s *Server) handleFeatured(w http.ResponseWriter, r *http.Request) {
	results, err := s.listings.Featured(r.Context(), intParam(r, "limit", 10))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"listings": results})
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	results, err := s.listings.Recent(r.Context(), intParam(r, "limit", 10))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"listings": results})
}

func (s *Server) handleGetListing(w http.ResponseWriter, r *http.Request) {
	l, err := s.listings.GetAndCountView(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleUpdateListing(w http.ResponseWriter, r *http.Request) {
	var fields map[string]interface{}
	if err := s.decode(r, &fields); err != nil {
		writeError(w, err)
		return
	}
	l, err := s.listings.Update(r.Context(), chi.URLParam(r, "id"), fields)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleToggleFeatured(w http.ResponseWriter, r *http.Request) {
	l, err := s.listings.ToggleFeatured(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleAddFavorite(w http.ResponseWriter, r *http.Request) {
	l, err := s.listings.AddFavorite(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleDeleteListing(w http.ResponseWriter, r *http.Request) {
	if err := s.listings.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateAppointment(w http.ResponseWriter, r *http.Request) {
	var a listings.Appointment
	if err := s.decode(r, &a); err != nil {
		writeError(w, err)
		return
	}
	a.ListingID = chi.URLParam(r, "id")
	if err := s.listings.CreateAppointment(r.Context(), &a); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleListAppointments(w http.ResponseWriter, r *http.Request) {
	out, err := s.listings.AppointmentsForListing(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"appointments": out})
}

// ---- ledger coordination ----

type mintRequest struct {
	OwnerAddress string `json:"ownerAddress"`
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	listingID := chi.URLParam(r, "id")
	s.withIdempotency(w, r, func(ctx context.Context, body []byte) (int, interface{}, error) {
		var req mintRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return 0, nil, fault.Validationf("invalid JSON payload: %v", err)
		}
		res, err := s.registry.Mint(ctx, listingID, req.OwnerAddress)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, res, nil
	})
}

type verifyRequest struct {
	VerifierAddress string `json:"verifierAddress"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	listingID := chi.URLParam(r, "id")
	s.withIdempotency(w, r, func(ctx context.Context, body []byte) (int, interface{}, error) {
		var req verifyRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return 0, nil, fault.Validationf("invalid JSON payload: %v", err)
		}
		res, err := s.registry.Verify(ctx, listingID, req.VerifierAddress)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, res, nil
	})
}

func (s *Server) handleBlockchainView(w http.ResponseWriter, r *http.Request) {
	listingID := chi.URLParam(r, "id")
	l, err := s.listings.Get(r.Context(), listingID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !l.Tokenized() {
		writeError(w, fault.NotTokenized(listingID))
		return
	}
	view, err := s.registry.BlockchainView(r.Context(), *l.TokenID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	s.withIdempotency(w, r, func(ctx context.Context, body []byte) (int, interface{}, error) {
		var req escrow.CreateParams
		if err := json.Unmarshal(body, &req); err != nil {
			return 0, nil, fault.Validationf("invalid JSON payload: %v", err)
		}
		rec, err := s.escrow.Create(ctx, req)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, rec, nil
	})
}

func (s *Server) handleEscrowStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.escrow.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type registerAgentRequest struct {
	AgentAddress string `json:"agentAddress"`
	Profile      string `json:"profile"`
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	s.withIdempotency(w, r, func(ctx context.Context, body []byte) (int, interface{}, error) {
		var req registerAgentRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return 0, nil, fault.Validationf("invalid JSON payload: %v", err)
		}
		txRef, err := s.reputation.RegisterAgent(ctx, req.AgentAddress, req.Profile)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, map[string]string{"transactionHash": txRef}, nil
	})
}

func (s *Server) handleAddReview(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	s.withIdempotency(w, r, func(ctx context.Context, body []byte) (int, interface{}, error) {
		var req reputation.ReviewParams
		if err := json.Unmarshal(body, &req); err != nil {
			return 0, nil, fault.Validationf("invalid JSON payload: %v", err)
		}
		req.AgentAddress = address
		res, err := s.reputation.AddReview(ctx, req)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, res, nil
	})
}

func (s *Server) handleReportFraud(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	s.withIdempotency(w, r, func(ctx context.Context, body []byte) (int, interface{}, error) {
		var req reputation.FraudParams
		if err := json.Unmarshal(body, &req); err != nil {
			return 0, nil, fault.Validationf("invalid JSON payload: %v", err)
		}
		req.AgentAddress = address
		txRef, err := s.reputation.ReportFraud(ctx, req)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, map[string]string{"transactionHash": txRef}, nil
	})
}

func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	standing, err := s.reputation.Reputation(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, standing)
}

// withIdempotency wraps a ledger-mutating handler with the idempotency-key
// protocol and the audit trail. Replays return the cached response verbatim;
// reuse with a different body is a conflict.
func (s *Server) withIdempotency(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, body []byte) (int, interface{}, error)) {
	body, err := readRequestBody(r)
	if err != nil {
		payload := writeError(w, fault.Validationf("%v", err))
		s.audit(r, "", http.StatusBadRequest, nil, payload)
		return
	}
	client := clientIdentity(r)
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key == "" {
		payload := writeError(w, fault.Validationf("missing %s header", headerIdempotencyKey))
		s.audit(r, client, http.StatusBadRequest, body, payload)
		return
	}
	requestHash := hashRequest(r.Method, r.URL.Path, body)
	cached, err := s.idem.Reserve(r.Context(), client, key, requestHash)
	if err != nil {
		payload := writeError(w, err)
		s.audit(r, client, statusFor(err), body, payload)
		return
	}
	if cached != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(cached.Status)
		_, _ = w.Write(cached.Body)
		s.audit(r, client, cached.Status, body, cached.Body)
		return
	}

	status, result, err := fn(r.Context(), body)
	if err != nil {
		payload := writeError(w, err)
		// An uncertain outcome may already be on the ledger: pin it to the
		// key so a retry replays this response instead of resubmitting. A
		// certain failure frees the key for a corrected retry.
		if fault.IsUncertain(err) {
			if serr := s.idem.Save(r.Context(), client, key, requestHash, statusFor(err), payload); serr != nil {
				s.log.Error("save idempotency record", "err", serr)
			}
		} else if rerr := s.idem.Release(r.Context(), client, key); rerr != nil {
			s.log.Error("release idempotency reservation", "err", rerr)
		}
		s.audit(r, client, statusFor(err), body, payload)
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		out := writeError(w, err)
		// The call confirmed; keep the key claimed so a retry cannot rerun it.
		if serr := s.idem.Save(r.Context(), client, key, requestHash, http.StatusInternalServerError, out); serr != nil {
			s.log.Error("save idempotency record", "err", serr)
		}
		s.audit(r, client, http.StatusInternalServerError, body, out)
		return
	}
	if err := s.idem.Save(r.Context(), client, key, requestHash, status, payload); err != nil {
		s.log.Error("save idempotency record", "err", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
	s.audit(r, client, status, body, payload)
}

func (s *Server) audit(r *http.Request, client string, status int, requestBody, responseBody []byte) {
	entry := AuditEntry{
		ClientID:       client,
		Method:         r.Method,
		Path:           r.URL.Path,
		RequestBody:    append([]byte(nil), requestBody...),
		ResponseBody:   append([]byte(nil), responseBody...),
		ResponseStatus: status,
		Timestamp:      s.nowFn().UTC(),
	}
	if err := s.idem.InsertAuditLog(r.Context(), entry); err != nil {
		s.log.Error("insert audit log", "err", err)
	}
}

func (s *Server) decode(r *http.Request, v interface{}) error {
	body, err := readRequestBody(r)
	if err != nil {
		return fault.Validationf("%v", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fault.Validationf("invalid JSON payload: %v", err)
	}
	return nil
}

func readRequestBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	limited := io.LimitReader(r.Body, maxRequestBody+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(data) > maxRequestBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxRequestBody)
	}
	return data, nil
}

// clientIdentity scopes idempotency keys. Authenticated requests key by the
// token subject, anonymous ones by the caller's address.
func clientIdentity(r *http.Request) string {
	if subject, ok := r.Context().Value(middleware.ContextKeySubject).(string); ok && subject != "" {
		return subject
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}

func intParam(r *http.Request, name string, fallback int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
