package confirm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		message string
		locale  string
		want    Verdict
	}{
		{"should affirm plain yes", "yes", "en", VerdictAffirm},
		{"should affirm with punctuation", "Yes!", "en", VerdictAffirm},
		{"should affirm multi-word phrase", "go ahead", "en", VerdictAffirm},
		{"should affirm on leading token", "yes that works", "en", VerdictAffirm},
		{"should affirm german ja", "Ja bitte", "de", VerdictAffirm},
		{"should reject plain no", "no", "en", VerdictReject},
		{"should reject cancel", "cancel", "en", VerdictReject},
		{"should reject never mind", "never mind", "en", VerdictReject},
		{"should reject german nein", "Nein danke", "de", VerdictReject},
		{"should fall back to english vocab for unknown locale", "yes", "fr", VerdictAffirm},
		{"should not classify a question", "how much does it cost?", "en", VerdictUnknown},
		{"should not classify an empty message", "   ", "en", VerdictUnknown},
		{"should not classify yes buried mid-sentence", "I said maybe, yes could work", "en", VerdictUnknown},
		{"should prefer rejection when both could match", "no thanks", "en", VerdictReject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.message, tt.locale))
		})
	}
}
