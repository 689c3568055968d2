// ABOUTME: Tests for lead capture, contact submission and price parsing
// ABOUTME: Uses an in-memory fake of the Agent API lead endpoints

package lead

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/carblau-chat/internal/client"
	"github.com/2389/carblau-chat/internal/conversation"
	"github.com/2389/carblau-chat/internal/dedupe"
)

type fakeAPI struct {
	mu       sync.Mutex
	captures []client.LeadCaptureRequest
	contacts []client.LeadContactRequest
	err      error
}

func (f *fakeAPI) CaptureLead(_ context.Context, in client.LeadCaptureRequest) (*client.LeadCaptureResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.captures = append(f.captures, in)
	return &client.LeadCaptureResponse{LeadID: fmt.Sprintf("lead-%d", len(f.captures))}, nil
}

func (f *fakeAPI) SubmitLeadContact(_ context.Context, in client.LeadContactRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.contacts = append(f.contacts, in)
	return nil
}

var ateca = conversation.Car{
	Name:      "Seat Ateca",
	Price:     "23.450 €",
	CarID:     "car-1",
	SessionID: "sess-1",
}

func newService(t *testing.T, api API) *Service {
	t.Helper()
	cache := dedupe.New(time.Hour, 100)
	t.Cleanup(cache.Close)
	return NewService(api, cache, nil)
}

func TestCaptureInterest(t *testing.T) {
	api := &fakeAPI{}
	svc := newService(t, api)

	leadID, err := svc.CaptureInterest(t.Context(), ateca, "")
	require.NoError(t, err)
	assert.Equal(t, "lead-1", leadID)

	require.Len(t, api.captures, 1)
	assert.Equal(t, client.LeadCaptureRequest{
		CarID:     "car-1",
		SessionID: "sess-1",
		CarName:   "Seat Ateca",
		CarPrice:  23450,
		Action:    ActionContact,
	}, api.captures[0])
}

func TestCaptureInterest_RepeatedClickReusesLead(t *testing.T) {
	api := &fakeAPI{}
	svc := newService(t, api)

	first, err := svc.CaptureInterest(t.Context(), ateca, ActionContact)
	require.NoError(t, err)
	second, err := svc.CaptureInterest(t.Context(), ateca, ActionContact)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, api.captures, 1)

	other, err := svc.CaptureInterest(t.Context(), ateca, ActionTestRide)
	require.NoError(t, err)
	assert.NotEqual(t, first, other, "a different action is a different lead")
	assert.Len(t, api.captures, 2)
}

func TestCaptureInterest_ConcurrentClicks(t *testing.T) {
	api := &fakeAPI{}
	svc := newService(t, api)

	var wg sync.WaitGroup
	for range 20 {
		wg.Go(func() {
			_, err := svc.CaptureInterest(context.Background(), ateca, ActionMoreInfo)
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	assert.Len(t, api.captures, 1)
}

func TestCaptureInterest_WithoutCacheAlwaysCalls(t *testing.T) {
	api := &fakeAPI{}
	svc := NewService(api, nil, nil)

	_, err := svc.CaptureInterest(t.Context(), ateca, "")
	require.NoError(t, err)
	_, err = svc.CaptureInterest(t.Context(), ateca, "")
	require.NoError(t, err)
	assert.Len(t, api.captures, 2)
}

func TestCaptureInterest_MissingCorrelation(t *testing.T) {
	api := &fakeAPI{}
	svc := newService(t, api)

	car := ateca
	car.SessionID = ""
	_, err := svc.CaptureInterest(t.Context(), car, "")
	assert.ErrorIs(t, err, ErrMissingCorrelation)
	assert.Empty(t, api.captures)
}

func TestCaptureInterest_BadPrice(t *testing.T) {
	svc := newService(t, &fakeAPI{})

	car := ateca
	car.Price = "Consultar"
	_, err := svc.CaptureInterest(t.Context(), car, "")
	assert.ErrorIs(t, err, ErrInvalidPrice)
}

func TestCaptureInterest_APIErrorIsNotCached(t *testing.T) {
	boom := errors.New("agent offline")
	api := &fakeAPI{err: boom}
	svc := newService(t, api)

	_, err := svc.CaptureInterest(t.Context(), ateca, "")
	require.ErrorIs(t, err, boom)

	api.err = nil
	leadID, err := svc.CaptureInterest(t.Context(), ateca, "")
	require.NoError(t, err)
	assert.Equal(t, "lead-1", leadID)
}

func TestSubmitContact(t *testing.T) {
	api := &fakeAPI{}
	svc := newService(t, api)

	err := svc.SubmitContact(t.Context(), Contact{
		LeadID: "lead-1",
		Email:  " ana@example.com ",
		Name:   "Ana",
	})
	require.NoError(t, err)

	require.Len(t, api.contacts, 1)
	assert.Equal(t, client.LeadContactRequest{LeadID: "lead-1", Email: "ana@example.com", Nombre: "Ana"}, api.contacts[0])
}

func TestSubmitContact_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		contact Contact
	}{
		{"missing lead", Contact{Email: "ana@example.com"}},
		{"empty email", Contact{LeadID: "lead-1"}},
		{"no domain", Contact{LeadID: "lead-1", Email: "ana"}},
		{"display name", Contact{LeadID: "lead-1", Email: "Ana <ana@example.com>"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{}
			svc := newService(t, api)

			err := svc.SubmitContact(t.Context(), tt.contact)
			assert.ErrorIs(t, err, ErrInvalidContact)
			assert.Empty(t, api.contacts)
		})
	}
}

func TestParsePrice(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"23.450 €", 23450},
		{"23,450", 23450},
		{"23.450,50 €", 23450.50},
		{"23,450.50", 23450.50},
		{"1.234.567 €", 1234567},
		{"8.7", 8.7},
		{"349,5 €/mes", 349.5},
		{"Desde 19.990 €", 19990},
		{"25000", 25000},
		{"23.450 € - 25.000 €", 23450},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePrice(tt.in)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 0.001)
		})
	}
}

func TestParsePrice_Invalid(t *testing.T) {
	for _, in := range []string{"", "Consultar", "€", "1.2.3"} {
		_, err := ParsePrice(in)
		assert.ErrorIs(t, err, ErrInvalidPrice, in)
	}
}
