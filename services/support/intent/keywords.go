// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package intent

import (
	"strings"

	"github.com/AleutianAI/kodiak/services/support/datatypes"
)

// escalationPhrases trigger a human handoff regardless of the rest of the
// message. Matched case-insensitively as substrings.
var escalationPhrases = []string{
	"speak to a human",
	"talk to a human",
	"speak to a person",
	"talk to a person",
	"real person",
	"human agent",
	"speak to someone",
	"talk to an agent",
	"customer service rep",
	"this is unacceptable",
	"i want a refund",
	"chargeback",
	"lawyer",
	"legal action",
	"sue you",
}

// faqOpeners suggest a narrow single-answer question.
var faqOpeners = []string{
	"how do i",
	"how can i",
	"where is",
	"where do i",
	"what is the",
	"can i",
	"does it support",
	"is there a way to",
}

// classifyKeywords is the rule-based fallback classifier.
//
// It never returns out_of_scope; rules cannot distinguish off-topic from
// merely unfamiliar phrasing, and confidence 0 keeps the threshold from
// accepting anything but the escalation matches it exists for.
func classifyKeywords(message string) (datatypes.Intent, float64) {
	lower := strings.ToLower(message)
	for _, phrase := range escalationPhrases {
		if strings.Contains(lower, phrase) {
			return datatypes.IntentEscalation, 0.9
		}
	}
	for _, opener := range faqOpeners {
		if strings.HasPrefix(strings.TrimSpace(lower), opener) {
			return datatypes.IntentFAQ, 0.6
		}
	}
	return datatypes.IntentComplex, 0
}
