package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/zone-dispatch/internal/dispatch"
	"github.com/example/zone-dispatch/internal/fleet"
	"github.com/example/zone-dispatch/internal/matcher"
	"github.com/example/zone-dispatch/internal/models"
	"github.com/example/zone-dispatch/internal/storage"
	"github.com/example/zone-dispatch/internal/zones"
)

// LocationPublisher forwards pings to the location feed instead of applying
// them in the API process.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, u models.LocationUpdate) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Zones     *zones.Registry
	Drivers   fleet.Directory
	Tracker   *fleet.Tracker
	Matcher   *matcher.Service
	Store     storage.RideStore
	Locations LocationPublisher
	WS        *dispatch.WSRegistry
	Health    []Pinger
	Now       func() time.Time
}

type Server struct {
	Deps
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(d Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	s := &Server{Deps: d, logger: logger, mux: mux.NewRouter()}
	s.routes()
	s.registerMiddleware()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/internal/drivers", s.handleUpsertDriver).Methods(http.MethodPost)

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/rides", s.handleCreateRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/dispatch", s.handleRedispatch).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/dispatch", s.handleDispatchSummary).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/expansion/approve", s.handleApprove).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/expansion/decline", s.handleDecline).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/expansion/refresh", s.handleRefresh).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/cancel", s.handleCancel).Methods(http.MethodPost)

	admin := s.mux.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/zones", s.handleListZones).Methods(http.MethodGet)
	admin.HandleFunc("/zones/{id}/activate", s.handleSetZoneActive(true)).Methods(http.MethodPost)
	admin.HandleFunc("/zones/{id}/deactivate", s.handleSetZoneActive(false)).Methods(http.MethodPost)

	s.mux.HandleFunc("/ws/drivers/{id}", s.handleWS(dispatch.RoleDriver))
	s.mux.HandleFunc("/ws/riders/{id}", s.handleWS(dispatch.RoleRider))

	s.mux.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var u models.LocationUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		s.writeError(w, r, badRequest(err.Error()))
		return
	}
	if u.At.IsZero() {
		u.At = s.Now()
	}
	if s.Locations != nil {
		if err := s.Locations.PublishLocation(r.Context(), u); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}
	zoneID, err := s.Tracker.Report(r.Context(), u)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"driver_id": u.DriverID, "zone_id": zoneID})
}

type driverProfileRequest struct {
	ID           string `json:"id"`
	VehicleClass string `json:"vehicle_class"`
	Online       bool   `json:"online"`
	Available    *bool  `json:"available"`
}

func (s *Server) handleUpsertDriver(w http.ResponseWriter, r *http.Request) {
	var req driverProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, badRequest(err.Error()))
		return
	}
	if req.ID == "" {
		s.writeError(w, r, badRequest("id is required"))
		return
	}
	class, err := models.ParseVehicleClass(req.VehicleClass)
	if err != nil {
		s.writeError(w, r, badRequest(err.Error()))
		return
	}
	d := models.Driver{ID: req.ID, VehicleClass: class, Online: req.Online, Available: req.Online}
	if req.Available != nil {
		d.Available = *req.Available
	}
	if err := s.Drivers.UpsertProfile(r.Context(), d); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleListZones(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"zones": s.Zones.Zones()})
}

func (s *Server) handleSetZoneActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := s.Zones.SetActive(r.Context(), id, active); err != nil {
			s.writeError(w, r, err)
			return
		}
		z, _ := s.Zones.Zone(id)
		writeJSON(w, http.StatusOK, z)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for _, p := range s.Health {
		if err := p.Ping(ctx); err != nil {
			s.logger.Warn("health_check_failed", "error", err)
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWS keeps the socket registered until the client goes away.
// Inbound frames are ignored.
func (s *Server) handleWS(role dispatch.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("ws_upgrade_failed", "role", role, "id", id, "error", err)
			return
		}
		sess := s.WS.Add(role, id, conn)
		s.logger.Info("ws_connected", "role", role, "id", id)
		defer func() {
			s.WS.Remove(role, id, sess)
			conn.Close()
			s.logger.Info("ws_disconnected", "role", role, "id", id)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Warn("ws_read_failed", "role", role, "id", id, "error", err)
				}
				return
			}
		}
	}
}

func newID() string { return uuid.NewString() }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errBadRequest string

func (e errBadRequest) Error() string { return string(e) }

func badRequest(msg string) error { return errBadRequest(msg) }

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var br errBadRequest
	switch {
	case errors.As(err, &br),
		errors.Is(err, fleet.ErrInvalidCoord),
		errors.Is(err, zones.ErrInvalidZone):
		return http.StatusBadRequest
	case errors.Is(err, matcher.ErrRideNotFound),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, zones.ErrZoneNotFound),
		errors.Is(err, fleet.ErrDriverNotFound):
		return http.StatusNotFound
	case errors.Is(err, matcher.ErrDispatchInProgress),
		errors.Is(err, matcher.ErrAlreadyAssigned),
		errors.Is(err, matcher.ErrRideCancelled),
		errors.Is(err, matcher.ErrNotAwaitingApproval),
		errors.Is(err, matcher.ErrOfferMismatch),
		errors.Is(err, matcher.ErrDriverUnavailable),
		errors.Is(err, storage.ErrRideTaken),
		errors.Is(err, storage.ErrRideCancelled):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request_failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}
