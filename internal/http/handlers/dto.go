// README: JSON request and response shapes.
package handlers

import (
	"time"

	"fleet/internal/modules/booking"
	"fleet/internal/modules/cancellation"
	"fleet/internal/types"
)

type contactDTO struct {
	Name   string `json:"name"`
	Number string `json:"number"`
}

type moneyDTO struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency,omitempty"`
}

type createTripReq struct {
	CompanyID   string     `json:"company_id"`
	PartyName   string     `json:"party_name"`
	Type        int        `json:"type"`
	Destination string     `json:"destination"`
	Rate        moneyDTO   `json:"rate"`
	Contact     contactDTO `json:"contact"`
	Remarks     string     `json:"remarks"`
}

type createTruckReq struct {
	CompanyID string     `json:"company_id"`
	TruckID   string     `json:"truck_id"`
	Contact   contactDTO `json:"contact"`
	Remarks   string     `json:"remarks"`
}

type cancelReq struct {
	Reason string `json:"reason"`
}

type allocateReq struct {
	TripBookingID  string `json:"trip_booking_id"`
	TruckBookingID string `json:"truck_booking_id"`
}

type tripResp struct {
	ID          string     `json:"id"`
	Code        string     `json:"code"`
	CompanyID   string     `json:"company_id"`
	PartyName   string     `json:"party_name,omitempty"`
	Type        int        `json:"type"`
	Destination string     `json:"destination"`
	Rate        moneyDTO   `json:"rate"`
	Status      string     `json:"status"`
	Contact     contactDTO `json:"contact"`
	Remarks     *string    `json:"remarks,omitempty"`
	CreatedBy   string     `json:"created_by"`
	CancelledBy *string    `json:"cancelled_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type truckBookingResp struct {
	ID          string     `json:"id"`
	Code        string     `json:"code"`
	CompanyID   string     `json:"company_id"`
	TruckID     string     `json:"truck_id"`
	Status      string     `json:"status"`
	Contact     contactDTO `json:"contact"`
	Remarks     *string    `json:"remarks,omitempty"`
	CreatedBy   string     `json:"created_by"`
	CancelledBy *string    `json:"cancelled_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type allocationResp struct {
	ID             string    `json:"id"`
	TripBookingID  string    `json:"trip_booking_id"`
	TruckBookingID string    `json:"truck_booking_id"`
	Status         string    `json:"status"`
	AllocatedAt    time.Time `json:"allocated_at"`
	CreatedBy      string    `json:"created_by"`
	Remarks        *string   `json:"remarks,omitempty"`
}

type truckResp struct {
	ID                 string `json:"id"`
	RegistrationNumber string `json:"registration_number"`
	CompanyID          string `json:"company_id"`
	Category           string `json:"category"`
	Type               int    `json:"type"`
}

type refResp struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

type cancelResp struct {
	Outcome     string          `json:"outcome"`
	Status      string          `json:"status"`
	Allocation  *allocationResp `json:"allocation,omitempty"`
	Counterpart *refResp        `json:"counterpart,omitempty"`
	Position    int             `json:"counterpart_position,omitempty"`
}

func (c contactDTO) toContact() booking.Contact {
	return booking.Contact{Name: c.Name, Number: c.Number}
}

func newTripResp(b *booking.TripBooking) tripResp {
	return tripResp{
		ID:          b.ID.String(),
		Code:        b.Code,
		CompanyID:   b.CompanyID.String(),
		PartyName:   b.PartyName,
		Type:        int(b.CargoType),
		Destination: b.Destination,
		Rate:        moneyDTO{Amount: b.Rate.Amount, Currency: b.Rate.Currency},
		Status:      string(b.Status),
		Contact:     contactDTO{Name: b.Contact.Name, Number: b.Contact.Number},
		Remarks:     b.Remarks,
		CreatedBy:   b.CreatedBy.String(),
		CancelledBy: idPtr(b.CancelledBy),
		CreatedAt:   b.CreatedAt,
		UpdatedAt:   b.UpdatedAt,
	}
}

func newTruckBookingResp(b *booking.TruckBooking) truckBookingResp {
	return truckBookingResp{
		ID:          b.ID.String(),
		Code:        b.Code,
		CompanyID:   b.CompanyID.String(),
		TruckID:     b.TruckID.String(),
		Status:      string(b.Status),
		Contact:     contactDTO{Name: b.Contact.Name, Number: b.Contact.Number},
		Remarks:     b.Remarks,
		CreatedBy:   b.CreatedBy.String(),
		CancelledBy: idPtr(b.CancelledBy),
		CreatedAt:   b.CreatedAt,
		UpdatedAt:   b.UpdatedAt,
	}
}

func newAllocationResp(a *booking.Allocation) *allocationResp {
	if a == nil {
		return nil
	}
	return &allocationResp{
		ID:             a.ID.String(),
		TripBookingID:  a.TripBookingID.String(),
		TruckBookingID: a.TruckBookingID.String(),
		Status:         string(a.Status),
		AllocatedAt:    a.AllocatedAt,
		CreatedBy:      a.CreatedBy.String(),
		Remarks:        a.Remarks,
	}
}

func newCancelResp(r cancellation.CancelResult) cancelResp {
	out := cancelResp{
		Outcome:    string(r.Outcome),
		Status:     string(r.Status),
		Allocation: newAllocationResp(r.Allocation),
		Position:   r.Position,
	}
	if r.Counterpart != nil {
		out.Counterpart = &refResp{Kind: r.Counterpart.Kind.String(), ID: r.Counterpart.ID.String()}
	}
	return out
}

func newTripResps(bs []booking.TripBooking) []tripResp {
	out := make([]tripResp, 0, len(bs))
	for i := range bs {
		out = append(out, newTripResp(&bs[i]))
	}
	return out
}

func newTruckBookingResps(bs []booking.TruckBooking) []truckBookingResp {
	out := make([]truckBookingResp, 0, len(bs))
	for i := range bs {
		out = append(out, newTruckBookingResp(&bs[i]))
	}
	return out
}

func newAllocationResps(as []booking.Allocation) []*allocationResp {
	out := make([]*allocationResp, 0, len(as))
	for i := range as {
		out = append(out, newAllocationResp(&as[i]))
	}
	return out
}

func newTruckResps(trucks []booking.Truck) []truckResp {
	out := make([]truckResp, 0, len(trucks))
	for _, t := range trucks {
		out = append(out, truckResp{
			ID:                 t.ID.String(),
			RegistrationNumber: t.RegistrationNumber,
			CompanyID:          t.CompanyID.String(),
			Category:           t.Category,
			Type:               int(t.Type),
		})
	}
	return out
}

func money(m moneyDTO) types.Money {
	return types.Money{Amount: m.Amount, Currency: m.Currency}
}
