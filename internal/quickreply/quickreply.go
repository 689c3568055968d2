// ABOUTME: Quick-reply widget kinds and the option catalogs behind each slider.
// ABOUTME: Every option maps to the exact reply text sent to the agent when chosen.

// Package quickreply describes the input widgets an agent message can request
// and the replies each widget produces. A widget never has its own protocol:
// choosing an option just sends its reply text as a user message.
package quickreply

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind identifies a widget.
type Kind string

const (
	KindButtons          Kind = "buttons"
	KindDistanceSlider   Kind = "distance_slider"
	KindAnnualKmSlider   Kind = "annual_km_slider"
	KindPassengersSlider Kind = "passengers_slider"
	KindBudgetSlider     Kind = "budget_slider"
)

var kindAliases = map[string]Kind{
	"buttons":       KindButtons,
	"button":        KindButtons,
	"quick_replies": KindButtons,

	"distance_slider": KindDistanceSlider,
	"distance":        KindDistanceSlider,
	"distancia":       KindDistanceSlider,

	"annual_km_slider":  KindAnnualKmSlider,
	"km_slider":         KindAnnualKmSlider,
	"km_anuales":        KindAnnualKmSlider,
	"km_anuales_slider": KindAnnualKmSlider,

	"passengers_slider": KindPassengersSlider,
	"passengers":        KindPassengersSlider,
	"pasajeros":         KindPassengersSlider,
	"pasajeros_slider":  KindPassengersSlider,

	"budget_slider":         KindBudgetSlider,
	"budget":                KindBudgetSlider,
	"presupuesto":           KindBudgetSlider,
	"presupuesto_slider":    KindBudgetSlider,
	"presupuesto_unificado": KindBudgetSlider,
}

// ParseKind maps a quick_reply_config type to a Kind. Matching ignores case
// and treats '-' like '_'.
func ParseKind(s string) (Kind, bool) {
	key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	k, ok := kindAliases[key]
	return k, ok
}

// IsSlider reports whether k is one of the named slider widgets.
func (k Kind) IsSlider() bool {
	switch k {
	case KindDistanceSlider, KindAnnualKmSlider, KindPassengersSlider, KindBudgetSlider:
		return true
	}
	return false
}

// Option is one selectable step of a slider.
type Option struct {
	Label       string
	Description string
	Reply       string
}

var distanceOptions = []Option{
	{Label: "Menos de 10 km", Description: "Trayectos muy cortos", Reply: "Menos de 10 km"},
	{Label: "Entre 10 y 50 km", Description: "Trayectos medios", Reply: "Entre 10 y 50 km"},
	{Label: "Entre 51 y 150 km", Description: "Trayectos largos", Reply: "Entre 51 y 150 km"},
	{Label: "Más de 150 km", Description: "Largas distancias", Reply: "Más de 150 km"},
}

var annualKmOptions = []Option{
	{Label: "5-10k km/año", Description: "Poco", Reply: "Sí, unos 10.000 km/año"},
	{Label: "10-20k km/año", Description: "Ocasional", Reply: "Sí, unos 15.000 km/año"},
	{Label: "20-30k km/año", Description: "Moderado", Reply: "Sí, unos 25.000 km/año"},
	{Label: "30k+ km/año", Description: "Intensivo", Reply: "Sí, más de 30.000 km/año"},
}

var passengerOptions = []Option{
	{Label: "1", Description: "Solo 1 pasajero", Reply: "1 persona"},
	{Label: "2", Description: "2 pasajeros", Reply: "2 personas"},
	{Label: "3", Description: "3 pasajeros", Reply: "3 personas"},
	{Label: "4+", Description: "4 o más pasajeros", Reply: "4 o más"},
}

// Escape replies let the user opt out of a slider's fixed steps.
const (
	AnnualKmUnknownReply = "❌ No lo sé, ayúdame a calcularlo"
	BudgetCustomReply    = "Prefiero indicar una cantidad específica"
)

// Options returns the catalog for a slider kind. The budget slider is
// two-dimensional and uses BudgetRanges instead; it and KindButtons return nil.
func Options(k Kind) []Option {
	var src []Option
	switch k {
	case KindDistanceSlider:
		src = distanceOptions
	case KindAnnualKmSlider:
		src = annualKmOptions
	case KindPassengersSlider:
		src = passengerOptions
	default:
		return nil
	}
	out := make([]Option, len(src))
	copy(out, src)
	return out
}

// EscapeReply returns the opt-out reply of a slider, if it has one.
func EscapeReply(k Kind) (string, bool) {
	switch k {
	case KindAnnualKmSlider:
		return AnnualKmUnknownReply, true
	case KindBudgetSlider:
		return BudgetCustomReply, true
	}
	return "", false
}

// PaymentType selects between paying up front and monthly instalments.
type PaymentType string

const (
	PaymentCash     PaymentType = "contado"
	PaymentFinanced PaymentType = "financiado"
)

// BudgetRange is one step of the budget slider. Value is what gets sent.
type BudgetRange struct {
	Value       int
	Min         int
	Max         int
	Label       string
	Description string
}

var cashRanges = []BudgetRange{
	{Value: 10000, Min: 5000, Max: 10000, Label: "5-10k", Description: "Básico"},
	{Value: 20000, Min: 10000, Max: 20000, Label: "10-20k", Description: "Medio"},
	{Value: 30000, Min: 20000, Max: 30000, Label: "20-30k", Description: "Alto"},
	{Value: 40000, Min: 30000, Max: 40000, Label: "30-40k", Description: "Premium"},
	{Value: 60000, Min: 40000, Max: 60000, Label: "40-60k", Description: "Lujo"},
	{Value: 100000, Min: 60000, Max: 150000, Label: "60k+", Description: "Exclusivo"},
}

var financedRanges = []BudgetRange{
	{Value: 300, Min: 200, Max: 300, Label: "200-300€", Description: "Básico"},
	{Value: 400, Min: 300, Max: 400, Label: "300-400€", Description: "Medio"},
	{Value: 500, Min: 400, Max: 500, Label: "400-500€", Description: "Alto"},
	{Value: 700, Min: 500, Max: 700, Label: "500-700€", Description: "Premium"},
	{Value: 1000, Min: 700, Max: 1500, Label: "700€+", Description: "Lujo"},
}

// BudgetRanges returns the ranges offered for a payment type.
func BudgetRanges(pt PaymentType) []BudgetRange {
	var src []BudgetRange
	switch pt {
	case PaymentCash:
		src = cashRanges
	case PaymentFinanced:
		src = financedRanges
	default:
		return nil
	}
	out := make([]BudgetRange, len(src))
	copy(out, src)
	return out
}

// budgetReply is the JSON document the budget slider sends as its reply.
type budgetReply struct {
	Tipo        PaymentType `json:"tipo"`
	PagoContado *int        `json:"pago_contado,omitempty"`
	CuotaMax    *int        `json:"cuota_max,omitempty"`
}

// BudgetReply builds the reply text for a budget choice. value must be the
// Value of one of BudgetRanges(pt).
func BudgetReply(pt PaymentType, value int) (string, error) {
	ranges := BudgetRanges(pt)
	if ranges == nil {
		return "", fmt.Errorf("unknown payment type %q", pt)
	}

	found := false
	for _, r := range ranges {
		if r.Value == value {
			found = true
			break
		}
	}
	if !found {
		return "", fmt.Errorf("%d is not a %s budget option", value, pt)
	}

	reply := budgetReply{Tipo: pt}
	if pt == PaymentCash {
		reply.PagoContado = &value
	} else {
		reply.CuotaMax = &value
	}

	data, err := json.Marshal(reply)
	if err != nil {
		return "", fmt.Errorf("encoding budget reply: %w", err)
	}
	return string(data), nil
}
