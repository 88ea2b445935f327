// Package safety screens rendered document text for prompt-injection markers.
package safety

import "strings"

var markers = []string{
	"ignore previous instructions",
	"disregard all prior instructions",
	"reveal system prompt",
	"system prompt",
	"developer message",
	"<script",
	"javascript:",
}

// InjectionError reports that a document carried a prompt-injection marker.
type InjectionError struct {
	Marker string
}

func (e *InjectionError) Error() string {
	return "Potential prompt-injection marker detected in document content."
}

// Class identifies the error in run records.
func (e *InjectionError) Class() string {
	return "PromptInjectionDetectedError"
}

// Check returns an *InjectionError when any text contains a marker, compared case-insensitively.
func Check(texts ...string) error {
	for _, text := range texts {
		lowered := strings.ToLower(text)

		for _, marker := range markers {
			if strings.Contains(lowered, marker) {
				return &InjectionError{Marker: marker}
			}
		}
	}

	return nil
}
