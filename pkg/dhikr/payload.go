// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dhikr models the recitation payload carried by a session.
//
// A payload is ideally a JSON document with four fields (arabic script,
// transliteration, translation, reference). Payloads come from content
// pipelines outside our control and are frequently sloppy: stray whitespace
// inside key names, truncated documents, or bare Arabic text with no JSON
// wrapper at all. Parse degrades gracefully through three stages rather
// than rejecting such input, because a session with a slightly mangled
// payload must still count.
package dhikr

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode"
)

// Payload is the structured recitation text attached to a session.
type Payload struct {
	Arabic          string `json:"arabic"`
	Transliteration string `json:"transliteration"`
	Translation     string `json:"translation"`
	Reference       string `json:"reference"`
}

// IsEmpty reports whether no field was recovered from the source text.
func (p Payload) IsEmpty() bool {
	return p.Arabic == "" && p.Transliteration == "" &&
		p.Translation == "" && p.Reference == ""
}

// Display returns the best single-line representation for UI surfaces:
// the Arabic script when present, otherwise transliteration, otherwise
// translation.
func (p Payload) Display() string {
	switch {
	case p.Arabic != "":
		return p.Arabic
	case p.Transliteration != "":
		return p.Transliteration
	default:
		return p.Translation
	}
}

// Encode serializes the payload back to its canonical JSON form.
func (p Payload) Encode() (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// fieldPatterns matches each payload field by key name, tolerating
// whitespace anywhere inside the key (a known defect of the upstream
// content pipeline, e.g. `"ref erence"`). The value group stops at the
// first unescaped quote.
var fieldPatterns = map[string][]*regexp.Regexp{
	"arabic": {
		keyPattern("arabic"),
		keyPattern("script"), // older exports use "script"
	},
	"transliteration": {keyPattern("transliteration")},
	"translation":     {keyPattern("translation")},
	"reference":       {keyPattern("reference")},
}

// keyPattern builds a regexp matching `"k e y" : "value"` where arbitrary
// whitespace may appear between the letters of the key.
func keyPattern(key string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString(`(?i)"\s*`)
	for i, r := range key {
		if i > 0 {
			b.WriteString(`\s*`)
		}
		b.WriteRune(r)
	}
	b.WriteString(`\s*"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	return regexp.MustCompile(b.String())
}

// Parse recovers a Payload from raw text.
//
// Description:
//
//	Stage 1 decodes strict JSON. Stage 2 runs field-by-field regex
//	extraction for any field still missing, tolerating whitespace inside
//	key names. Stage 3 applies only when nothing was recovered: if the
//	raw text contains Arabic-script runes, the whole string becomes the
//	Arabic field.
//
// Inputs:
//
//	raw - Payload text. May be malformed JSON or bare recitation text.
//
// Outputs:
//
//	Payload - Best-effort extraction. May be empty if raw has no
//	recognizable content.
func Parse(raw string) Payload {
	var p Payload
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return p
	}

	// Stage 1: strict JSON. A syntactically valid document may still miss
	// fields when key names carry stray whitespace, so stage 2 always runs
	// for the fields that came back empty.
	_ = json.Unmarshal([]byte(trimmed), &p)

	// Stage 2: per-field regex recovery.
	if p.Arabic == "" {
		p.Arabic = extractField(trimmed, "arabic")
	}
	if p.Transliteration == "" {
		p.Transliteration = extractField(trimmed, "transliteration")
	}
	if p.Translation == "" {
		p.Translation = extractField(trimmed, "translation")
	}
	if p.Reference == "" {
		p.Reference = extractField(trimmed, "reference")
	}

	// Stage 3: bare-script fallback.
	if p.IsEmpty() && containsArabicScript(trimmed) {
		p.Arabic = trimmed
	}
	return p
}

func extractField(raw, field string) string {
	for _, re := range fieldPatterns[field] {
		if m := re.FindStringSubmatch(raw); m != nil {
			return unescape(strings.TrimSpace(m[1]))
		}
	}
	return ""
}

// unescape resolves JSON string escapes captured by the regex stage.
// Falls back to the raw capture if the escape sequence is itself broken.
func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var out string
	if err := json.Unmarshal([]byte(`"`+s+`"`), &out); err != nil {
		return s
	}
	return out
}

func containsArabicScript(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Arabic, r) {
			return true
		}
	}
	return false
}
