// ABOUTME: Lead capture for recommended cars: records interest and attaches contact details.
// ABOUTME: Repeated clicks on the same car action reuse the first lead id from a dedupe cache.

// Package lead records a user's interest in a recommended car. It is a side
// channel of the conversation: nothing here touches the message log.
package lead

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strconv"
	"strings"
	"sync"

	"github.com/2389/carblau-chat/internal/client"
	"github.com/2389/carblau-chat/internal/conversation"
	"github.com/2389/carblau-chat/internal/dedupe"
)

// Actions the presentation layer offers on a car card.
const (
	ActionContact  = "contactar"
	ActionMoreInfo = "mas_info"
	ActionTestRide = "prueba"
)

var (
	// ErrMissingCorrelation means a car lacks the ids the Agent API needs
	// to tie a lead to a recommendation.
	ErrMissingCorrelation = errors.New("car has no car_id or session_id")
	// ErrInvalidPrice means no amount could be read from a price string.
	ErrInvalidPrice = errors.New("invalid price")
	// ErrInvalidContact means contact details failed validation.
	ErrInvalidContact = errors.New("invalid contact")
)

// API is the lead part of the Agent API. *client.Client implements it.
type API interface {
	CaptureLead(ctx context.Context, in client.LeadCaptureRequest) (*client.LeadCaptureResponse, error)
	SubmitLeadContact(ctx context.Context, in client.LeadContactRequest) error
}

// Contact is what the user types into the lead form.
type Contact struct {
	LeadID string
	Email  string
	Name   string
	Phone  string
}

// Service captures leads.
type Service struct {
	api    API
	cache  *dedupe.Cache
	logger *slog.Logger

	// mu serializes captures so two clicks cannot both miss the cache.
	mu sync.Mutex
}

// NewService creates a lead service. cache may be nil to disable dedupe.
func NewService(api API, cache *dedupe.Cache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		api:    api,
		cache:  cache,
		logger: logger.With("component", "lead"),
	}
}

// CaptureInterest records interest in car and returns the lead id. An empty
// action means ActionContact.
func (s *Service) CaptureInterest(ctx context.Context, car conversation.Car, action string) (string, error) {
	if car.CarID == "" || car.SessionID == "" {
		return "", ErrMissingCorrelation
	}
	if action == "" {
		action = ActionContact
	}

	price, err := ParsePrice(car.Price)
	if err != nil {
		return "", err
	}

	key := car.CarID + "|" + car.SessionID + "|" + action

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cache != nil {
		if leadID, ok := s.cache.Get(key); ok {
			s.logger.Debug("reusing lead", "lead_id", leadID, "car_id", car.CarID, "action", action)
			return leadID, nil
		}
	}

	resp, err := s.api.CaptureLead(ctx, client.LeadCaptureRequest{
		CarID:     car.CarID,
		SessionID: car.SessionID,
		CarName:   car.Name,
		CarPrice:  price,
		Action:    action,
	})
	if err != nil {
		return "", fmt.Errorf("capturing lead: %w", err)
	}

	if s.cache != nil {
		s.cache.Put(key, resp.LeadID)
	}
	s.logger.Info("lead captured", "lead_id", resp.LeadID, "car_id", car.CarID, "action", action)
	return resp.LeadID, nil
}

// SubmitContact validates c and attaches it to its lead.
func (s *Service) SubmitContact(ctx context.Context, c Contact) error {
	if err := c.Validate(); err != nil {
		return err
	}

	err := s.api.SubmitLeadContact(ctx, client.LeadContactRequest{
		LeadID:   c.LeadID,
		Email:    strings.TrimSpace(c.Email),
		Nombre:   strings.TrimSpace(c.Name),
		Telefono: strings.TrimSpace(c.Phone),
	})
	if err != nil {
		return fmt.Errorf("submitting contact: %w", err)
	}
	s.logger.Info("lead contact submitted", "lead_id", c.LeadID)
	return nil
}

// Validate checks the lead id and that Email is a bare address.
func (c Contact) Validate() error {
	if c.LeadID == "" {
		return fmt.Errorf("%w: lead id is required", ErrInvalidContact)
	}
	email := strings.TrimSpace(c.Email)
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return fmt.Errorf("%w: %q is not an email address", ErrInvalidContact, c.Email)
	}
	return nil
}

// ParsePrice reads the first amount in a display price such as "23.450 €",
// "23,450" or "23.450,50 €". A dot or comma followed by exactly three digits
// groups thousands; otherwise the last separator is the decimal mark.
func ParsePrice(s string) (float64, error) {
	start := strings.IndexFunc(s, isDigit)
	if start < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPrice, s)
	}
	end := start
	for end < len(s) && (isDigit(rune(s[end])) || s[end] == '.' || s[end] == ',') {
		end++
	}
	num := strings.TrimRight(s[start:end], ".,")

	lastDot := strings.LastIndexByte(num, '.')
	lastComma := strings.LastIndexByte(num, ',')

	var decimal byte
	switch {
	case lastDot >= 0 && lastComma >= 0:
		decimal = '.'
		if lastComma > lastDot {
			decimal = ','
		}
	case lastDot >= 0:
		if !groupsThousands(num, '.') {
			decimal = '.'
		}
	case lastComma >= 0:
		if !groupsThousands(num, ',') {
			decimal = ','
		}
	}

	var b strings.Builder
	for i := 0; i < len(num); i++ {
		switch ch := num[i]; {
		case ch == decimal:
			b.WriteByte('.')
		case ch == '.' || ch == ',':
		default:
			b.WriteByte(ch)
		}
	}

	v, err := strconv.ParseFloat(b.String(), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPrice, s)
	}
	return v, nil
}

// groupsThousands reports whether every sep in num is followed by exactly
// three digits.
func groupsThousands(num string, sep byte) bool {
	parts := strings.Split(num, string(sep))
	for _, p := range parts[1:] {
		if len(p) != 3 {
			return false
		}
	}
	return true
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}
