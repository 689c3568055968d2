// ABOUTME: Scripted car-shopping conversation played by the fake Agent API
// ABOUTME: Each user turn advances one step: slider questions, body style buttons, then a recommendation

package fakeagent

import (
	"strings"

	"github.com/2389/carblau-chat/internal/client"
	"github.com/2389/carblau-chat/internal/quickreply"
)

// FailTrigger makes the fake agent fail the send, for exercising rollback.
const FailTrigger = "!fail"

const greeting = "¡Hola! Soy el asistente de **CarBlau**. Te ayudo a encontrar tu próximo coche en unas pocas preguntas.\n\n¿Empezamos? Cuéntame qué buscas."

// step is one scripted agent turn.
type step struct {
	progress []string
	reply    func(threadID string) client.Message
}

func question(content string, kind quickreply.Kind, field string, options ...string) func(string) client.Message {
	return func(string) client.Message {
		return client.Message{
			Role:    "ai",
			Content: content,
			AdditionalKwargs: &client.AdditionalKwargs{
				QuickReplyConfig: &client.QuickReplyConfig{
					Type:    string(kind),
					Options: options,
					Field:   field,
				},
			},
		}
	}
}

var script = []step{
	{
		progress: []string{"Pensando…"},
		reply:    question("¿Qué distancia sueles recorrer en un día normal?", quickreply.KindDistanceSlider, "distancia_diaria"),
	},
	{
		progress: []string{"Pensando…"},
		reply:    question("¿Sabes cuántos kilómetros haces al año?", quickreply.KindAnnualKmSlider, "km_anuales"),
	},
	{
		progress: []string{"Pensando…"},
		reply:    question("¿Cuántas personas viajan normalmente contigo?", quickreply.KindPassengersSlider, "pasajeros"),
	},
	{
		progress: []string{"Pensando…"},
		reply:    question("¿Cuál es tu presupuesto? Puedes pagar al contado o financiarlo.", quickreply.KindBudgetSlider, "presupuesto"),
	},
	{
		progress: []string{"Pensando…"},
		reply:    question("¿Qué tipo de carrocería prefieres?", quickreply.KindButtons, "carroceria", "SUV", "Berlina", "Compacto"),
	},
	{
		progress: []string{"Analizando tus respuestas…", "Buscando coches…", "Calculando puntuaciones…"},
		reply:    recommendation,
	},
}

const comparison = "Aquí tienes una comparativa rápida:\n\n---\n\n" +
	"### Seat Ateca\n\n> SUV | 150 CV | Gasolina\n\n**23.450 €**\n\n*Equilibrio entre espacio y consumo.*\n\n---\n\n" +
	"### Toyota Corolla\n\n> Compacto | 140 CV | Híbrido\n\n**26.900 €**\n\n*El más eficiente para trayectos urbanos.*\n\n---\n\n" +
	"¿Quieres que te ayude con algo más?"

// followUp is the reply once the script has run out.
func followUp(string) client.Message {
	return client.Message{
		Role:    "ai",
		Content: comparison,
		AdditionalKwargs: &client.AdditionalKwargs{
			QuickReplies: []string{"Ver otra comparativa", "Hablar con un asesor"},
		},
	}
}

func recommendation(threadID string) client.Message {
	return client.Message{
		Role:    "ai",
		Content: "",
		AdditionalKwargs: &client.AdditionalKwargs{
			Payload: &client.CarRecommendationPayload{
				Type:      client.PayloadTypeCarRecommendation,
				IntroText: "Según tus respuestas, estos son los coches que mejor encajan contigo:",
				Cars: []client.CarRecord{
					{
						Name:      "Seat Ateca 1.5 TSI",
						Specs:     []string{"SUV", "150 CV", "Gasolina", "5 plazas"},
						ImageURL:  "https://img.carblau.example/seat-ateca.jpg",
						Price:     "23.450 €",
						Score:     "8.7",
						Analysis:  "Espacio de sobra para tu familia y un consumo contenido en carretera.",
						CarID:     "car-ateca-15tsi",
						SessionID: threadID,
					},
					{
						Name:      "Toyota Corolla 140H",
						Specs:     []string{"Compacto", "140 CV", "Híbrido", "5 plazas"},
						ImageURL:  "https://img.carblau.example/toyota-corolla.jpg",
						Price:     "26.900 €",
						Score:     "8.4",
						Analysis:  "El más eficiente si la mayoría de tus trayectos son urbanos.",
						CarID:     "car-corolla-140h",
						SessionID: threadID,
					},
					{
						Name:      "Dacia Jogger",
						Specs:     []string{"Monovolumen", "110 CV", "Gasolina", "7 plazas"},
						Price:     "18.990 €",
						Score:     "7.9",
						Analysis:  "La opción más económica con siete plazas reales.",
						CarID:     "car-jogger-tce110",
						SessionID: threadID,
					},
				},
				OutroText: "¿Te interesa alguno? Puedo ponerte en contacto con un concesionario.",
			},
		},
	}
}

// stepFor returns the scripted step for the n-th user turn (0-based).
func stepFor(n int) step {
	if n < len(script) {
		return script[n]
	}
	return step{progress: []string{"Pensando…"}, reply: followUp}
}

func isFailTrigger(text string) bool {
	return strings.TrimSpace(text) == FailTrigger
}
