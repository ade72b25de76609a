package models

import (
	"fmt"
	"strings"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// VehicleClass is the car category a ride asks for and a driver operates.
type VehicleClass string

const (
	ClassHatchback VehicleClass = "hatchback"
	ClassSedan     VehicleClass = "sedan"
	ClassSUV       VehicleClass = "suv"
)

// ParseVehicleClass accepts the known classes case-insensitively.
func ParseVehicleClass(s string) (VehicleClass, error) {
	switch c := VehicleClass(strings.ToLower(strings.TrimSpace(s))); c {
	case ClassHatchback, ClassSedan, ClassSUV:
		return c, nil
	default:
		return "", fmt.Errorf("invalid vehicle class %q: must be one of hatchback, sedan, suv", s)
	}
}

type Driver struct {
	ID           string       `json:"id"`
	VehicleClass VehicleClass `json:"vehicle_class"`
	Online       bool         `json:"online"`
	Available    bool         `json:"available"`
	Position     *Coord       `json:"position,omitempty"`
	PositionAt   time.Time    `json:"position_at"`
	ZoneID       string       `json:"zone_id"` // derived from the last report; empty means out of zone
	ActiveRideID string       `json:"active_ride_id,omitempty"`
	LastSeen     time.Time    `json:"last_seen"`
}

// Zone is a service area with a containment shape and ring-dispatch parameters.
// When Polygon has vertices it wins over the circle for containment.
type Zone struct {
	ID                   string  `json:"id"`
	Name                 string  `json:"name"`
	Polygon              []Coord `json:"polygon,omitempty"`
	Center               Coord   `json:"center"`
	RadiusKm             float64 `json:"radius_km"`
	NumberOfRings        int     `json:"number_of_rings"`
	RingRadiusKm         float64 `json:"ring_radius_km"`
	ExpansionWaitSeconds int     `json:"expansion_wait_seconds"`
	PriorityOrder        int     `json:"priority_order"`
	Active               bool    `json:"is_active"`
}

func (z Zone) HasPolygon() bool { return len(z.Polygon) > 0 }

func (z Zone) ExpansionWait() time.Duration {
	return time.Duration(z.ExpansionWaitSeconds) * time.Second
}

type RideStatus string

const (
	RideNew                       RideStatus = "new"
	RideSearchingRing             RideStatus = "searching_ring"
	RideAwaitingExpansionApproval RideStatus = "awaiting_expansion_approval"
	RideAssigned                  RideStatus = "assigned"
	RideNoZone                    RideStatus = "no_zone"
	RideNoDriversAvailable        RideStatus = "no_drivers_available"
	RideExpansionDeclined         RideStatus = "expansion_declined"
	RideCancelled                 RideStatus = "cancelled"
)

// Dispatchable reports whether a fresh dispatch may start from this status.
func (s RideStatus) Dispatchable() bool {
	switch s {
	case RideNew, RideNoZone, RideNoDriversAvailable, RideExpansionDeclined:
		return true
	}
	return false
}

// Terminal reports whether no further automatic progress happens from this status.
func (s RideStatus) Terminal() bool {
	switch s {
	case RideAssigned, RideNoZone, RideNoDriversAvailable, RideExpansionDeclined, RideCancelled:
		return true
	}
	return false
}

// ExpansionOffer is what the rider has to approve before a driver from
// another zone is assigned.
type ExpansionOffer struct {
	ZoneID           string  `json:"zone_id"`
	ZoneName         string  `json:"zone_name"`
	DriverID         string  `json:"driver_id"`
	DriverDistanceKm float64 `json:"driver_distance_km"`
	Surcharge        float64 `json:"surcharge"`
}

type Ride struct {
	ID           string       `json:"id"`
	RiderID      string       `json:"rider_id"`
	Pickup       Coord        `json:"pickup"`
	VehicleClass VehicleClass `json:"vehicle_class"`
	BaseFare     float64      `json:"base_fare"`

	Status                RideStatus      `json:"status"`
	DriverID              string          `json:"driver_id,omitempty"`
	DispatchZoneID        string          `json:"dispatch_zone_id,omitempty"`
	DispatchedRing        *int            `json:"dispatched_ring"`
	ZoneExpansionApproved bool            `json:"zone_expansion_approved"`
	ExtraFare             float64         `json:"extra_fare"`
	FinalFare             float64         `json:"final_fare"`
	PendingOffer          *ExpansionOffer `json:"pending_offer,omitempty"`
	SurchargeHoldID       string          `json:"-"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	AssignedAt  *time.Time `json:"assigned_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

// LocationUpdate is one ping from the driver location feed.
type LocationUpdate struct {
	DriverID string    `json:"driver_id"`
	Lat      float64   `json:"lat"`
	Lng      float64   `json:"lng"`
	At       time.Time `json:"timestamp"`
}

type EventType string

const (
	EventAssigned          EventType = "ride.assigned"
	EventExpansionOffered  EventType = "ride.expansion_offered"
	EventNoZone            EventType = "ride.no_zone"
	EventNoDrivers         EventType = "ride.no_drivers"
	EventExpansionDeclined EventType = "ride.expansion_declined"
	EventCancelled         EventType = "ride.cancelled"
)

type AssignedPayload struct {
	RideID           string  `json:"ride_id"`
	DriverID         string  `json:"driver_id"`
	RingNumber       *int    `json:"ring_number"`
	ZoneID           string  `json:"zone_id"`
	SurchargeAmount  float64 `json:"surcharge_amount"`
	FinalFare        float64 `json:"final_fare"`
	DriverDistanceKm float64 `json:"driver_distance_km"`
	PickupETASeconds float64 `json:"pickup_eta_seconds,omitempty"`
}

type ExpansionOfferPayload struct {
	RideID            string  `json:"ride_id"`
	CandidateZoneID   string  `json:"candidate_zone_id"`
	CandidateZoneName string  `json:"candidate_zone_name"`
	CandidateDriverID string  `json:"candidate_driver_id"`
	SurchargeAmount   float64 `json:"surcharge_amount"`
}

// DispatchEvent is the envelope handed to every outbound channel.
type DispatchEvent struct {
	ID         string                 `json:"event_id"`
	Type       EventType              `json:"type"`
	RideID     string                 `json:"ride_id"`
	RiderID    string                 `json:"rider_id,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
	Assigned   *AssignedPayload       `json:"assigned,omitempty"`
	Offer      *ExpansionOfferPayload `json:"offer,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
}
