package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"github.com/example/zone-dispatch/internal/models"
)

// MessageSender is the part of the FCM client we use.
type MessageSender interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
}

// FCMPublisher sends data messages to per-user topics: riders subscribe to
// "rider_<id>", drivers to "driver_<id>".
type FCMPublisher struct {
	client MessageSender
}

func NewFCMPublisher(ctx context.Context, projectID, credentialsFile string) (*FCMPublisher, error) {
	opts := []option.ClientOption{}
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase.NewApp: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase app.Messaging: %w", err)
	}
	return &FCMPublisher{client: client}, nil
}

func NewFCMPublisherWithSender(s MessageSender) *FCMPublisher {
	return &FCMPublisher{client: s}
}

func (f *FCMPublisher) Publish(ctx context.Context, ev models.DispatchEvent) error {
	data := eventData(ev)
	var errs []error
	if ev.RiderID != "" {
		msg := &messaging.Message{
			Topic:        "rider_" + ev.RiderID,
			Data:         data,
			Notification: riderNotification(ev),
			Android:      &messaging.AndroidConfig{Priority: "high"},
		}
		if _, err := f.client.Send(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("rider %s: %w", ev.RiderID, err))
		}
	}
	if d := driverOf(ev); d != "" {
		msg := &messaging.Message{
			Topic: "driver_" + d,
			Data:  data,
			Notification: &messaging.Notification{
				Title: "New ride assigned",
				Body:  "Head to the pickup point",
			},
			Android: &messaging.AndroidConfig{Priority: "high"},
		}
		if _, err := f.client.Send(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("driver %s: %w", d, err))
		}
	}
	return errors.Join(errs...)
}

// FCM data payloads are string maps.
func eventData(ev models.DispatchEvent) map[string]string {
	data := map[string]string{
		"event_id": ev.ID,
		"type":     string(ev.Type),
		"ride_id":  ev.RideID,
	}
	if ev.Reason != "" {
		data["reason"] = ev.Reason
	}
	if a := ev.Assigned; a != nil {
		data["driver_id"] = a.DriverID
		data["zone_id"] = a.ZoneID
		data["surcharge_amount"] = strconv.FormatFloat(a.SurchargeAmount, 'f', 2, 64)
		data["final_fare"] = strconv.FormatFloat(a.FinalFare, 'f', 2, 64)
		if a.RingNumber != nil {
			data["ring_number"] = strconv.Itoa(*a.RingNumber)
		}
	}
	if o := ev.Offer; o != nil {
		data["candidate_zone_id"] = o.CandidateZoneID
		data["candidate_zone_name"] = o.CandidateZoneName
		data["candidate_driver_id"] = o.CandidateDriverID
		data["surcharge_amount"] = strconv.FormatFloat(o.SurchargeAmount, 'f', 2, 64)
	}
	return data
}

func riderNotification(ev models.DispatchEvent) *messaging.Notification {
	switch ev.Type {
	case models.EventAssigned:
		return &messaging.Notification{Title: "Driver assigned", Body: "Your driver is on the way"}
	case models.EventExpansionOffered:
		return &messaging.Notification{
			Title: "Driver available nearby",
			Body:  fmt.Sprintf("A driver from %s can pick you up for an extra %.2f", ev.Offer.CandidateZoneName, ev.Offer.SurchargeAmount),
		}
	case models.EventNoZone:
		return &messaging.Notification{Title: "Outside service area", Body: "We do not serve this pickup location yet"}
	case models.EventNoDrivers:
		return &messaging.Notification{Title: "No drivers available", Body: "Please try again in a few minutes"}
	}
	return nil
}
