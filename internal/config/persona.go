// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Persona holds the prompt wording for the assistant. The wording is
// configuration data: nothing in the core depends on its content beyond the
// two interpolation markers in SystemTemplate.
type Persona struct {
	// SystemTemplate may reference {{history_summary}} and {{external_info}}.
	SystemTemplate string `yaml:"system_template"`
	// CoherenceDirective is appended to the system turn after a validation
	// reject to steer the next attempt.
	CoherenceDirective string `yaml:"coherence_directive"`
	// NoInfoPlaceholder replaces {{external_info}} when no lookup succeeded.
	NoInfoPlaceholder string `yaml:"no_info_placeholder"`
	// NoHistoryPlaceholder replaces {{history_summary}} for new principals.
	NoHistoryPlaceholder string `yaml:"no_history_placeholder"`
	// FallbackGeneric is returned when every attempt is exhausted.
	FallbackGeneric string `yaml:"fallback_generic"`
	// FallbackWithInfo is used instead when knowledge context exists; it may
	// reference {{title}} and {{source}}.
	FallbackWithInfo string `yaml:"fallback_with_info"`
	// Greeting is sent on the explicit initial-greeting trigger.
	Greeting string `yaml:"greeting"`
}

// DefaultPersona is used when no persona file is configured or present.
func DefaultPersona() Persona {
	return Persona{
		SystemTemplate: "You are a helpful, concise assistant.\n" +
			"Previous conversation summary: {{history_summary}}\n" +
			"Reference information: {{external_info}}",
		CoherenceDirective:   "Respond completely and coherently, in full sentences.",
		NoInfoPlaceholder:    "no information available",
		NoHistoryPlaceholder: "none",
		FallbackGeneric:      "Lo siento, no puedo responder en este momento. Intenta de nuevo en un momento.",
		FallbackWithInfo:     "No pude redactar una respuesta completa, pero encontré \"{{title}}\" en {{source}} que puede ayudarte.",
		Greeting:             "¡Hola! ¿En qué puedo ayudarte?",
	}
}

// LoadPersona reads the persona YAML at path, filling any empty field from
// DefaultPersona. A missing file yields the defaults, not an error.
func LoadPersona(path string) (Persona, error) {
	p := DefaultPersona()
	if path == "" {
		return p, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return Persona{}, fmt.Errorf("op=config.LoadPersona: %w", err)
	}
	var file Persona
	if err := yaml.Unmarshal(b, &file); err != nil {
		return Persona{}, fmt.Errorf("op=config.LoadPersona: %w", err)
	}
	merge := func(dst *string, src string) {
		if strings.TrimSpace(src) != "" {
			*dst = src
		}
	}
	merge(&p.SystemTemplate, file.SystemTemplate)
	merge(&p.CoherenceDirective, file.CoherenceDirective)
	merge(&p.NoInfoPlaceholder, file.NoInfoPlaceholder)
	merge(&p.NoHistoryPlaceholder, file.NoHistoryPlaceholder)
	merge(&p.FallbackGeneric, file.FallbackGeneric)
	merge(&p.FallbackWithInfo, file.FallbackWithInfo)
	merge(&p.Greeting, file.Greeting)
	return p, nil
}
