package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/care-matching/internal/assign"
	"github.com/example/care-matching/internal/dispatch"
	"github.com/example/care-matching/internal/geo"
	"github.com/example/care-matching/internal/ingest"
	"github.com/example/care-matching/internal/lifecycle"
	"github.com/example/care-matching/internal/models"
	"github.com/example/care-matching/internal/observability"
	"github.com/example/care-matching/internal/ranker"
	"github.com/example/care-matching/internal/rating"
	"github.com/example/care-matching/internal/storage"
)

// Server is the engine's HTTP boundary. Identity claims arrive as headers
// from the surrounding auth layer; the engine checks capability, not
// authentication.
type Server struct {
	Geo     geo.Geo
	Ranker  *ranker.Ranker
	Machine *lifecycle.Machine
	Coord   *assign.Coordinator
	Rating  *rating.Aggregator
	Store   storage.Store
	Kafka   *ingest.KafkaProducer
	WSReg   *dispatch.WSRegistry

	logger *slog.Logger
	mux    *mux.Router
}

type Options struct {
	Geo     geo.Geo
	Ranker  *ranker.Ranker
	Machine *lifecycle.Machine
	Coord   *assign.Coordinator
	Rating  *rating.Aggregator
	Store   storage.Store
	Kafka   *ingest.KafkaProducer
	WSReg   *dispatch.WSRegistry
	Logger  *slog.Logger
}

func NewServer(o Options) *Server {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	s := &Server{
		Geo:     o.Geo,
		Ranker:  o.Ranker,
		Machine: o.Machine,
		Coord:   o.Coord,
		Rating:  o.Rating,
		Store:   o.Store,
		Kafka:   o.Kafka,
		WSReg:   o.WSReg,
		logger:  o.Logger,
		mux:     mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/nurses/search", s.handleSearch).Methods(http.MethodGet)
	s.mux.HandleFunc("/api/v1/nurses/{id}/reviews", s.handleNurseReviews).Methods(http.MethodGet)
	s.mux.HandleFunc("/api/v1/requests", s.handleCreateRequest).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/requests/{id}", s.handleGetRequest).Methods(http.MethodGet)
	s.mux.HandleFunc("/api/v1/requests/{id}/transition", s.handleTransition).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/requests/{id}/review", s.handleSubmitReview).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/reviews/{id}/response", s.handleRespondToReview).Methods(http.MethodPost)
	s.mux.HandleFunc("/internal/nurse/locations", s.handleNurseLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/internal/nurse/{id}/availability", s.handleAvailability).Methods(http.MethodPost)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{nurse_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lon, err2 := strconv.ParseFloat(q.Get("lon"), 64)
	if err1 != nil || err2 != nil {
		s.writeError(w, models.Invalid("lat/lon", "required numeric query parameters"))
		return
	}
	query := geo.Query{
		Center:        models.Coord{Lat: lat, Lon: lon},
		Service:       q.Get("service"),
		AvailableOnly: q.Get("available") == "true",
	}
	if v := q.Get("radius_km"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			s.writeError(w, models.Invalid("radius_km", "must be numeric"))
			return
		}
		query.RadiusKm = f
	}
	if v := q.Get("min_rating"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			s.writeError(w, models.Invalid("min_rating", "must be numeric"))
			return
		}
		query.MinRating = f
	}
	if v := q.Get("max_price"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			s.writeError(w, models.Invalid("max_price", "must be numeric"))
			return
		}
		query.MaxPrice = f
	}

	nurses, err := s.Geo.Search(r.Context(), query)
	if err != nil {
		s.writeError(w, err)
		return
	}
	observability.SearchesTotal.Inc()

	seq := s.Ranker.Rank(query.Center, query.Clamped(), nurses, query.Service)
	candidates := make([]models.Candidate, 0, len(nurses))
	for c, ok := seq.Next(); ok; c, ok = seq.Next() {
		candidates = append(candidates, c)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"candidates": candidates})
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r, models.RolePatient)
	if !ok {
		return
	}
	var in lifecycle.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, models.Invalid("body", err.Error()))
		return
	}
	in.PatientID = actor.ID
	req, err := s.Machine.Create(r.Context(), in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"request_id": req.ID, "request": req})
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.Store.GetRequest(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r, "")
	if !ok {
		return
	}
	var body struct {
		Status string `json:"status"`
		Note   string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, models.Invalid("body", err.Error()))
		return
	}
	target, valid := models.ParseStatus(body.Status)
	if !valid {
		s.writeError(w, models.Invalid("status", "unknown status "+body.Status))
		return
	}
	req, err := s.Machine.Transition(r.Context(), mux.Vars(r)["id"], target, actor, body.Note)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleSubmitReview(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r, models.RolePatient)
	if !ok {
		return
	}
	var body struct {
		Rating         int    `json:"rating"`
		Comment        string `json:"comment"`
		AllowPublicUse bool   `json:"allow_public_use"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, models.Invalid("body", err.Error()))
		return
	}
	rv, err := s.Rating.SubmitReview(r.Context(), mux.Vars(r)["id"], actor.ID, body.Rating, body.Comment, body.AllowPublicUse)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, rv)
}

func (s *Server) handleRespondToReview(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actor(w, r, models.RoleNurse)
	if !ok {
		return
	}
	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, models.Invalid("body", err.Error()))
		return
	}
	rv, err := s.Rating.RespondToReview(r.Context(), mux.Vars(r)["id"], actor.ID, body.Content)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rv)
}

func (s *Server) handleNurseReviews(w http.ResponseWriter, r *http.Request) {
	reviews, err := s.Rating.ListForNurse(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"reviews": reviews})
}

func (s *Server) handleNurseLocation(w http.ResponseWriter, r *http.Request) {
	var n models.Nurse
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		s.writeError(w, models.Invalid("body", err.Error()))
		return
	}
	if err := models.ValidateCoord(n.Loc); err != nil {
		s.writeError(w, err)
		return
	}
	if s.Kafka != nil {
		if err := s.Kafka.PublishLocation(n); err != nil {
			s.logger.Warn("location publish failed", "nurse_id", n.ID, "error", err)
		}
	}
	if err := s.Geo.Upsert(r.Context(), n); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.syncNurseRecord(r, n); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// syncNurseRecord keeps the store's nurse row current without ever touching
// the coordinator-owned active request field.
func (s *Server) syncNurseRecord(r *http.Request, n models.Nurse) error {
	existing, err := s.Store.GetNurse(r.Context(), n.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if existing != nil {
		n.ActiveRequestID = existing.ActiveRequestID
		n.AverageRating = existing.AverageRating
		n.TotalReviews = existing.TotalReviews
	}
	return s.Store.PutNurse(r.Context(), &n)
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Available bool `json:"available"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, models.Invalid("body", err.Error()))
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.Geo.SetAvailability(r.Context(), id, body.Available); err != nil {
		s.writeError(w, err)
		return
	}
	if n, err := s.Store.GetNurse(r.Context(), id); err == nil {
		n.Available = body.Available
		if err := s.Store.PutNurse(r.Context(), n); err != nil {
			s.writeError(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["nurse_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake error
		s.logger.Warn("ws upgrade failed", "nurse_id", id, "error", err)
		return
	}
	s.WSReg.Add(id, conn)
	go s.readPump(id, conn)
}

// readPump drains the connection so disconnects are noticed and the session
// is dropped from the registry.
func (s *Server) readPump(id string, conn *websocket.Conn) {
	defer func() {
		s.WSReg.Remove(id)
		conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// actor pulls the authenticated principal from the upstream auth headers.
// An empty wantRole accepts any known role.
func (s *Server) actor(w http.ResponseWriter, r *http.Request, wantRole models.Role) (models.Actor, bool) {
	id := r.Header.Get("X-Actor-ID")
	role := models.Role(r.Header.Get("X-Actor-Role"))
	if id == "" || (role != models.RolePatient && role != models.RoleNurse && role != models.RoleSystem) {
		s.writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "missing or invalid actor headers"})
		return models.Actor{}, false
	}
	if wantRole != "" && role != wantRole {
		s.writeJSON(w, http.StatusForbidden, map[string]any{"error": "wrong role for this operation"})
		return models.Actor{}, false
	}
	return models.Actor{ID: id, Role: role}, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		ve *models.ValidationError
		it *lifecycle.InvalidTransitionError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &ve):
		status = http.StatusBadRequest
	case errors.As(err, &it):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, rating.ErrNotCompleted):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, storage.ErrConflict), errors.Is(err, storage.ErrAlreadyRated):
		status = http.StatusConflict
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, lifecycle.ErrForbidden), errors.Is(err, rating.ErrNotOwner):
		status = http.StatusForbidden
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("internal error", "error", err)
	}
	s.writeJSON(w, status, map[string]any{"error": err.Error()})
}
