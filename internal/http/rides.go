package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/example/zone-dispatch/internal/geo"
	"github.com/example/zone-dispatch/internal/matcher"
	"github.com/example/zone-dispatch/internal/models"
)

type createRideRequest struct {
	RiderID      string       `json:"rider_id"`
	Pickup       models.Coord `json:"pickup"`
	VehicleClass string       `json:"vehicle_class"`
	BaseFare     float64      `json:"base_fare"`
}

type dispatchResponse struct {
	RideID  string            `json:"ride_id"`
	Status  models.RideStatus `json:"status"`
	Outcome *matcher.Outcome  `json:"outcome,omitempty"`
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var req createRideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, badRequest(err.Error()))
		return
	}
	if strings.TrimSpace(req.RiderID) == "" {
		s.writeError(w, r, badRequest("rider_id is required"))
		return
	}
	if !geo.ValidCoord(req.Pickup) {
		s.writeError(w, r, badRequest("pickup is not a valid coordinate"))
		return
	}
	class, err := models.ParseVehicleClass(req.VehicleClass)
	if err != nil {
		s.writeError(w, r, badRequest(err.Error()))
		return
	}
	if req.BaseFare < 0 {
		s.writeError(w, r, badRequest("base_fare must be >= 0"))
		return
	}
	now := s.Now()
	ride := &models.Ride{
		ID:           newID(),
		RiderID:      req.RiderID,
		Pickup:       req.Pickup,
		VehicleClass: class,
		BaseFare:     req.BaseFare,
		Status:       models.RideNew,
		FinalFare:    req.BaseFare,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.Store.CreateRide(r.Context(), ride); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.startDispatch(w, r, ride.ID)
}

func (s *Server) handleRedispatch(w http.ResponseWriter, r *http.Request) {
	s.startDispatch(w, r, mux.Vars(r)["id"])
}

// startDispatch answers as soon as the first ring has been searched.
// A pickup outside every zone rejects the booking with 422.
func (s *Server) startDispatch(w http.ResponseWriter, r *http.Request, rideID string) {
	o, err := s.Matcher.Start(r.Context(), rideID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if o == nil {
		writeJSON(w, http.StatusAccepted, dispatchResponse{RideID: rideID, Status: models.RideSearchingRing})
		return
	}
	status := http.StatusAccepted
	if o.Status == models.RideNoZone {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, dispatchResponse{RideID: rideID, Status: o.Status, Outcome: o})
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Store.GetRide(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleDispatchSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.Matcher.Summary(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

type approveRequest struct {
	DriverID        string  `json:"driver_id"`
	ZoneID          string  `json:"zone_id"`
	SurchargeAmount float64 `json:"surcharge_amount"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, badRequest(err.Error()))
		return
	}
	if req.DriverID == "" || req.ZoneID == "" {
		s.writeError(w, r, badRequest("driver_id and zone_id are required"))
		return
	}
	o, err := s.Matcher.ApproveExpansion(r.Context(), mux.Vars(r)["id"], req.DriverID, req.ZoneID, req.SurchargeAmount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	o, err := s.Matcher.DeclineExpansion(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	o, err := s.Matcher.RefreshExpansion(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	o, err := s.Matcher.Cancel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}
