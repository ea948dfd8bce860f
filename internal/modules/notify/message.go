// README: Notification messages and the template payloads sent after allocation and cancellation.
package notify

import (
	"context"
	"fmt"
	"strconv"

	"fleet/internal/modules/booking"
)

const (
	TemplateAllocation   = "allocation_message"
	TemplateCancellation = "cancellation_message"
)

// Field keys. The WhatsApp sink renders them in bodyParams order.
const (
	FieldSide          = "side"
	FieldAllocationID  = "allocation_id"
	FieldTruckNumber   = "truck_number"
	FieldForwarder     = "forwarder_name"
	FieldTransporter   = "transporter"
	FieldDestination   = "destination"
	FieldAmount        = "amount"
	FieldContact       = "contact"
	FieldBookingCode   = "booking_code"
	FieldCancelledCode = "cancelled_booking"
	FieldPosition      = "queue_position"
	FieldStatus        = "status"
)

// Recipient is the contact a message is addressed to.
type Recipient struct {
	Name   string
	Number string
}

type Message struct {
	Recipient Recipient
	Template  string
	Fields    map[string]string
}

// Sink delivers one message. Implementations must honour ctx cancellation.
type Sink interface {
	Send(ctx context.Context, msg Message) error
}

type SinkFunc func(ctx context.Context, msg Message) error

func (f SinkFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

// Publisher hands messages to background delivery; it never blocks on a sink.
type Publisher interface {
	Publish(msgs ...Message)
}

var bodyParams = map[string][]string{
	booking.KindTruck.String() + ":" + TemplateAllocation: {FieldTruckNumber, FieldForwarder, FieldDestination, FieldAmount, FieldContact},
	booking.KindTrip.String() + ":" + TemplateAllocation:  {FieldDestination, FieldAmount, FieldTransporter, FieldTruckNumber, FieldContact},
	TemplateCancellation: {FieldBookingCode, FieldCancelledCode, FieldStatus, FieldPosition},
}

// Params returns the ordered template body parameters.
func (m Message) Params() []string {
	keys, ok := bodyParams[m.Fields[FieldSide]+":"+m.Template]
	if !ok {
		keys = bodyParams[m.Template]
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.Fields[k])
	}
	return out
}

func recipient(c booking.Contact) Recipient {
	return Recipient{Name: c.Name, Number: c.Number}
}

func contactLine(c booking.Contact) string {
	return fmt.Sprintf("%s (%s)", c.Name, c.Number)
}

// AllocationMessages builds the truck-side and trip-side notices for a new
// allocation. The truck side learns about the trip and vice versa.
func AllocationMessages(trip *booking.TripBooking, tb *booking.TruckBooking, truck *booking.Truck, a *booking.Allocation) []Message {
	forwarder := trip.PartyName
	if forwarder == "" {
		forwarder = trip.Contact.Name
	}
	truckSide := Message{
		Recipient: recipient(tb.Contact),
		Template:  TemplateAllocation,
		Fields: map[string]string{
			FieldSide:         booking.KindTruck.String(),
			FieldAllocationID: string(a.ID),
			FieldTruckNumber:  truck.RegistrationNumber,
			FieldForwarder:    forwarder,
			FieldDestination:  trip.Destination,
			FieldAmount:       trip.Rate.String(),
			FieldContact:      contactLine(trip.Contact),
		},
	}
	tripSide := Message{
		Recipient: recipient(trip.Contact),
		Template:  TemplateAllocation,
		Fields: map[string]string{
			FieldSide:         booking.KindTrip.String(),
			FieldAllocationID: string(a.ID),
			FieldDestination:  trip.Destination,
			FieldAmount:       trip.Rate.String(),
			FieldTransporter:  tb.Contact.Name,
			FieldTruckNumber:  truck.RegistrationNumber,
			FieldContact:      contactLine(tb.Contact),
		},
	}
	return []Message{truckSide, tripSide}
}

// CancellationMessage tells the counterpart of a cancelled booking that it is
// back in the queue at position.
func CancellationMessage(to booking.Contact, side booking.Kind, bookingCode, cancelledCode string, status booking.Status, position int) Message {
	return Message{
		Recipient: recipient(to),
		Template:  TemplateCancellation,
		Fields: map[string]string{
			FieldSide:          side.String(),
			FieldBookingCode:   bookingCode,
			FieldCancelledCode: cancelledCode,
			FieldStatus:        string(status),
			FieldPosition:      strconv.Itoa(position),
		},
	}
}
