package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"freedomtag/internal/models"
	"freedomtag/internal/services"
)

func TestCreateRecurring(t *testing.T) {
	var got services.RecurringInput
	h := newTestHandler(Deps{Recurring: stubRecurring{
		createFn: func(_ context.Context, in services.RecurringInput) (models.RecurringDonation, error) {
			got = in
			return models.RecurringDonation{ID: "rd-1", Status: models.RecurringActive}, nil
		},
	}})
	rr := do(t, h, http.MethodPost, "/recurring", `{"recipient_type":"TAG","recipient_id":"CT001","amount":"100","auto_donate_dust":true,"dust_threshold":"5.00"}`, philanthropist)
	expectStatus(t, rr, http.StatusCreated)
	if got.PhilanthropistID != "phil-1" || got.AmountMinor != 10000 || got.DustThresholdMinor != 500 {
		t.Fatalf("unexpected input %+v", got)
	}
	if got.Currency != "USD" {
		t.Fatalf("expected reference currency default, got %q", got.Currency)
	}
}

func TestCreateRecurringValidation(t *testing.T) {
	h := newTestHandler(Deps{})
	cases := map[string]string{
		"recipient": `{"recipient_type":"WALLET","recipient_id":"x","amount":"1"}`,
		"currency":  `{"recipient_type":"TAG","recipient_id":"x","amount":"1","currency":"DOLLAR"}`,
		"amount":    `{"recipient_type":"TAG","recipient_id":"x","amount":"0"}`,
		"dust":      `{"recipient_type":"TAG","recipient_id":"x","amount":"1","dust_threshold":"-1"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rr := do(t, h, http.MethodPost, "/recurring", body, philanthropist)
			expectStatus(t, rr, http.StatusBadRequest)
		})
	}
}

func TestCreateRecurringServiceRejection(t *testing.T) {
	h := newTestHandler(Deps{Recurring: stubRecurring{
		createFn: func(context.Context, services.RecurringInput) (models.RecurringDonation, error) {
			return models.RecurringDonation{}, fmt.Errorf("%w: recipient not found", services.ErrInvalidRecurring)
		},
	}})
	rr := do(t, h, http.MethodPost, "/recurring", `{"recipient_type":"TAG","recipient_id":"CT404","amount":"1"}`, philanthropist)
	expectStatus(t, rr, http.StatusBadRequest)
}

func TestCreateRecurringRequiresPhilanthropist(t *testing.T) {
	rr := do(t, newTestHandler(Deps{}), http.MethodPost, "/recurring", `{}`, merchant)
	expectStatus(t, rr, http.StatusForbidden)
}

func TestListRecurring(t *testing.T) {
	var asked string
	h := newTestHandler(Deps{Recurring: stubRecurring{
		listFn: func(_ context.Context, id string) ([]models.RecurringDonation, error) {
			asked = id
			return nil, nil
		},
	}})
	rr := do(t, h, http.MethodGet, "/recurring?philanthropist_id=phil-9", "", philanthropist)
	expectStatus(t, rr, http.StatusOK)
	if asked != "phil-1" {
		t.Fatalf("non-admin must list own donations, got %q", asked)
	}
	var rows []models.RecurringDonation
	if err := json.Unmarshal(rr.Body.Bytes(), &rows); err != nil || rows == nil {
		t.Fatalf("expected an empty array, got %s", rr.Body.String())
	}

	rr = do(t, h, http.MethodGet, "/recurring?philanthropist_id=phil-9", "", admin)
	expectStatus(t, rr, http.StatusOK)
	if asked != "phil-9" {
		t.Fatalf("admin may choose philanthropist, got %q", asked)
	}
}

func TestSetRecurringStatus(t *testing.T) {
	var gotStatus models.RecurringStatus
	h := newTestHandler(Deps{Recurring: stubRecurring{
		getFn: func(_ context.Context, id string) (models.RecurringDonation, error) {
			return models.RecurringDonation{ID: id, PhilanthropistID: "phil-1"}, nil
		},
		setStatusFn: func(_ context.Context, id string, status models.RecurringStatus) (models.RecurringDonation, error) {
			gotStatus = status
			return models.RecurringDonation{ID: id, Status: status}, nil
		},
	}})
	rr := do(t, h, http.MethodPost, "/recurring/rd-1/status", `{"status":"paused"}`, philanthropist)
	expectStatus(t, rr, http.StatusOK)
	if gotStatus != models.RecurringPaused {
		t.Fatalf("expected paused, got %q", gotStatus)
	}

	rr = do(t, h, http.MethodPost, "/recurring/rd-1/status", `{"status":"archived"}`, philanthropist)
	expectStatus(t, rr, http.StatusBadRequest)
}

func TestSetRecurringStatusHidesOtherOwners(t *testing.T) {
	called := false
	h := newTestHandler(Deps{Recurring: stubRecurring{
		getFn: func(_ context.Context, id string) (models.RecurringDonation, error) {
			return models.RecurringDonation{ID: id, PhilanthropistID: "phil-2"}, nil
		},
		setStatusFn: func(_ context.Context, id string, status models.RecurringStatus) (models.RecurringDonation, error) {
			called = true
			return models.RecurringDonation{}, nil
		},
	}})
	rr := do(t, h, http.MethodPost, "/recurring/rd-1/status", `{"status":"cancelled"}`, philanthropist)
	expectStatus(t, rr, http.StatusNotFound)
	if called {
		t.Fatal("status must not change for another philanthropist's donation")
	}
}
