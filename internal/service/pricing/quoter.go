package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/Domenick1991/staybook/internal/domain"
)

const basisPoints = 10000

// MaxAddOnQuantity caps a single add-on line as requested by the guest.
const MaxAddOnQuantity = 1000

type ListingSource interface {
	GetListing(ctx context.Context, ref domain.ListingRef) (*domain.Listing, error)
}

type AddOnRequest struct {
	Code     string `json:"code"`
	Quantity int64  `json:"quantity"`
}

type QuoteRequest struct {
	Listing  domain.ListingRef `json:"listing_ref"`
	CheckIn  time.Time         `json:"check_in"`
	CheckOut time.Time         `json:"check_out"`
	Guests   int               `json:"guests"`
	AddOns   []AddOnRequest    `json:"add_ons"`
}

type Quote struct {
	Snapshot domain.PriceSnapshot
	Listing  domain.Listing
	CheckIn  time.Time
	CheckOut time.Time
}

type Quoter struct {
	listings ListingSource
	now      func() time.Time
}

type QuoterOption func(*Quoter)

func WithClock(now func() time.Time) QuoterOption {
	return func(q *Quoter) {
		q.now = now
	}
}

func NewQuoter(listings ListingSource, opts ...QuoterOption) *Quoter {
	q := &Quoter{listings: listings, now: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Quote prices a candidate booking. It never writes anything.
func (q *Quoter) Quote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	if !req.Listing.Kind.Valid() || req.Listing.ID == "" {
		return nil, domain.NewValidationError("listing_ref", "is invalid")
	}
	listing, err := q.listings.GetListing(ctx, req.Listing)
	if err != nil {
		return nil, fmt.Errorf("load listing %s: %w", req.Listing, err)
	}
	snapshot, checkOut, err := ComputeSnapshot(*listing, req, q.now())
	if err != nil {
		return nil, err
	}
	return &Quote{
		Snapshot: snapshot,
		Listing:  *listing,
		CheckIn:  dayOf(req.CheckIn),
		CheckOut: checkOut,
	}, nil
}

// ComputeSnapshot is the side-effect free price calculation. It returns the
// effective check-out date (tours priced per person may omit it).
func ComputeSnapshot(l domain.Listing, req QuoteRequest, now time.Time) (domain.PriceSnapshot, time.Time, error) {
	if l.Status != domain.ListingStatusPublished {
		return domain.PriceSnapshot{}, time.Time{}, domain.ErrListingNotBookable
	}

	checkIn := dayOf(req.CheckIn)
	checkOut := dayOf(req.CheckOut)
	if req.CheckOut.IsZero() && l.PricingUnit == domain.PricingPerPerson {
		checkOut = checkIn
	}
	if req.CheckIn.IsZero() || checkIn.Before(dayOf(now)) {
		return domain.PriceSnapshot{}, time.Time{}, fmt.Errorf("%w: check-in must not be in the past", domain.ErrInvalidDateRange)
	}
	if checkOut.Before(checkIn) {
		return domain.PriceSnapshot{}, time.Time{}, fmt.Errorf("%w: check-out before check-in", domain.ErrInvalidDateRange)
	}

	if req.Guests < l.MinGuests || req.Guests > l.MaxGuests || req.Guests <= 0 {
		return domain.PriceSnapshot{}, time.Time{}, fmt.Errorf("%w: %d not in [%d, %d]", domain.ErrGuestCountOutOfBounds, req.Guests, l.MinGuests, l.MaxGuests)
	}

	var units int64
	switch l.PricingUnit {
	case domain.PricingPerNight:
		units = int64(checkOut.Sub(checkIn).Hours() / 24)
		if units < 1 {
			return domain.PriceSnapshot{}, time.Time{}, fmt.Errorf("%w: at least one night required", domain.ErrInvalidDateRange)
		}
	case domain.PricingPerPerson:
		units = int64(req.Guests)
	default:
		return domain.PriceSnapshot{}, time.Time{}, fmt.Errorf("%w: unknown pricing unit %q", domain.ErrListingNotBookable, l.PricingUnit)
	}

	base, ok := domain.MulAmount(l.UnitPrice, units)
	if !ok {
		return domain.PriceSnapshot{}, time.Time{}, errAmountTooLarge("base")
	}
	snap := domain.PriceSnapshot{
		Currency:       l.Currency,
		UnitPrice:      l.UnitPrice,
		Units:          units,
		PricingUnit:    l.PricingUnit,
		Base:           base,
		FeeBasisPoints: l.FeeBasisPoints,
		Policy:         l.Policy,
		QuotedAt:       now.UTC(),
	}

	for _, ar := range req.AddOns {
		addOn, ok := l.AddOn(ar.Code)
		if !ok {
			return domain.PriceSnapshot{}, time.Time{}, domain.NewValidationError("add_ons", fmt.Sprintf("unknown add-on %q", ar.Code))
		}
		if ar.Quantity <= 0 || ar.Quantity > MaxAddOnQuantity {
			return domain.PriceSnapshot{}, time.Time{}, domain.NewValidationError("add_ons", fmt.Sprintf("quantity for %q must be in [1, %d]", ar.Code, MaxAddOnQuantity))
		}
		qty := ar.Quantity
		if addOn.PerGuest {
			if qty, ok = domain.MulAmount(qty, int64(req.Guests)); !ok {
				return domain.PriceSnapshot{}, time.Time{}, errAmountTooLarge("add_ons")
			}
		}
		amount, ok := domain.MulAmount(addOn.Price, qty)
		if !ok {
			return domain.PriceSnapshot{}, time.Time{}, errAmountTooLarge("add_ons")
		}
		line := domain.SnapshotAddOn{
			Code:      addOn.Code,
			UnitPrice: addOn.Price,
			Requested: ar.Quantity,
			Quantity:  qty,
			Amount:    amount,
		}
		if snap.AddOnsTotal, ok = domain.AddAmount(snap.AddOnsTotal, line.Amount); !ok {
			return domain.PriceSnapshot{}, time.Time{}, errAmountTooLarge("add_ons")
		}
		snap.AddOns = append(snap.AddOns, line)
	}

	// RoundHalfUp doubles its numerator.
	feeNum, ok := domain.MulAmount(snap.Base, l.FeeBasisPoints)
	if ok {
		_, ok = domain.MulAmount(feeNum, 2)
	}
	if !ok {
		return domain.PriceSnapshot{}, time.Time{}, errAmountTooLarge("fees")
	}
	snap.Fees = domain.RoundHalfUp(feeNum, basisPoints)

	total, ok := domain.AddAmount(snap.Base, snap.AddOnsTotal)
	if ok {
		total, ok = domain.AddAmount(total, snap.Fees)
	}
	if !ok {
		return domain.PriceSnapshot{}, time.Time{}, errAmountTooLarge("total")
	}
	snap.Total = total
	return snap, checkOut, nil
}

func errAmountTooLarge(field string) error {
	return domain.NewValidationError(field, "amount exceeds the supported range")
}

func dayOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
