package domain

import "time"

type ListingKind string

const (
	ListingKindHotelPackage ListingKind = "HOTEL_PACKAGE"
	ListingKindTourPackage  ListingKind = "TOUR_PACKAGE"
	ListingKindStay         ListingKind = "STAY"
)

func (k ListingKind) Valid() bool {
	switch k {
	case ListingKindHotelPackage, ListingKindTourPackage, ListingKindStay:
		return true
	}
	return false
}

// ListingRef points at a bookable item owned by the listing catalog.
type ListingRef struct {
	Kind ListingKind `json:"kind"`
	ID   string      `json:"id"`
}

func (r ListingRef) String() string {
	return string(r.Kind) + ":" + r.ID
}

type ListingStatus string

const (
	ListingStatusDraft     ListingStatus = "DRAFT"
	ListingStatusPublished ListingStatus = "PUBLISHED"
	ListingStatusArchived  ListingStatus = "ARCHIVED"
)

type PricingUnit string

const (
	PricingPerNight  PricingUnit = "PER_NIGHT"
	PricingPerPerson PricingUnit = "PER_PERSON"
)

type AddOn struct {
	Code     string `json:"code"`
	Name     string `json:"name"`
	Price    int64  `json:"price"`
	PerGuest bool   `json:"per_guest"`
}

// Listing is the read model of a catalog entry as seen by the booking core.
type Listing struct {
	Ref            ListingRef         `json:"ref"`
	Title          string             `json:"title"`
	Status         ListingStatus      `json:"status"`
	Currency       string             `json:"currency"`
	UnitPrice      int64              `json:"unit_price"`
	PricingUnit    PricingUnit        `json:"pricing_unit"`
	MinGuests      int                `json:"min_guests"`
	MaxGuests      int                `json:"max_guests"`
	Capacity       int                `json:"capacity"`
	FeeBasisPoints int64              `json:"fee_basis_points"`
	Policy         CancellationPolicy `json:"policy"`
	AddOns         []AddOn            `json:"add_ons"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

func (l Listing) AddOn(code string) (AddOn, bool) {
	for _, a := range l.AddOns {
		if a.Code == code {
			return a, true
		}
	}
	return AddOn{}, false
}
