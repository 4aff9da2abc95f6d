// Package i18n provides the localized message catalog for user-facing
// orchestrator output. Defaults for English and German are built in; a
// directory of <locale>.json files can override them and is hot-reloaded.
package i18n

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// DefaultLocale is used when a requested locale has no catalog.
const DefaultLocale = "en"

// Message keys used by the orchestrator.
const (
	KeyConfirmCartAdd       = "confirm.cart_add"
	KeyConfirmCartRemove    = "confirm.cart_remove"
	KeyConfirmOptionConfirm = "confirm.option.confirm"
	KeyConfirmOptionCancel  = "confirm.option.cancel"
	KeyConfirmDone          = "confirm.done"
	KeyConfirmCancelled     = "confirm.cancelled"
	KeyConfirmReminder      = "confirm.reminder"
	KeyConfirmFinished      = "confirm.already_finished"
	KeyConfirmFailed        = "confirm.failed"
	KeyNotBuyable           = "preflight.not_buyable"
	KeyChooseVariant        = "variants.choose"
	KeyMaxRoundsFallback    = "turn.fallback"
)

var defaultMessages = map[string]map[string]string{
	"en": {
		KeyConfirmCartAdd:       "Should I add %s to your cart?",
		KeyConfirmCartRemove:    "Should I remove %s from your cart?",
		KeyConfirmOptionConfirm: "Yes, go ahead",
		KeyConfirmOptionCancel:  "No, cancel",
		KeyConfirmDone:          "Done. %s",
		KeyConfirmCancelled:     "Okay, I won't do that.",
		KeyConfirmReminder:      "There is still a pending action waiting for your confirmation: %s",
		KeyConfirmFinished:      "That action was already finished.",
		KeyConfirmFailed:        "I couldn't complete that: %s",
		KeyNotBuyable:           "Unfortunately %s is currently not available for purchase.",
		KeyChooseVariant:        "This product comes in several variants. Which one would you like?\n%s",
		KeyMaxRoundsFallback:    "I'm sorry, I couldn't finish working on that request. Could you rephrase or narrow it down?",
	},
	"de": {
		KeyConfirmCartAdd:       "Soll ich %s in den Warenkorb legen?",
		KeyConfirmCartRemove:    "Soll ich %s aus dem Warenkorb entfernen?",
		KeyConfirmOptionConfirm: "Ja, bitte",
		KeyConfirmOptionCancel:  "Nein, abbrechen",
		KeyConfirmDone:          "Erledigt. %s",
		KeyConfirmCancelled:     "Alles klar, ich lasse das.",
		KeyConfirmReminder:      "Es wartet noch eine Aktion auf deine Bestätigung: %s",
		KeyConfirmFinished:      "Diese Aktion wurde bereits abgeschlossen.",
		KeyConfirmFailed:        "Das hat leider nicht geklappt: %s",
		KeyNotBuyable:           "%s ist derzeit leider nicht bestellbar.",
		KeyChooseVariant:        "Dieses Produkt gibt es in mehreren Varianten. Welche möchtest du?\n%s",
		KeyMaxRoundsFallback:    "Entschuldigung, ich konnte die Anfrage nicht abschließen. Kannst du sie anders formulieren?",
	},
}

// Bundle holds message catalogs per locale.
type Bundle struct {
	messages map[string]map[string]string
	mu       sync.RWMutex
	logger   zerolog.Logger
}

// NewBundle creates a bundle preloaded with the built-in catalogs.
func NewBundle(logger zerolog.Logger) *Bundle {
	messages := make(map[string]map[string]string, len(defaultMessages))
	for locale, catalog := range defaultMessages {
		copied := make(map[string]string, len(catalog))
		for k, v := range catalog {
			copied[k] = v
		}
		messages[locale] = copied
	}

	return &Bundle{
		messages: messages,
		logger:   logger,
	}
}

// T resolves a message for the locale, falling back to the default locale
// and finally to the key itself.
func (b *Bundle) T(locale, key string, args ...interface{}) string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	locale = NormalizeLocale(locale)

	if catalog, ok := b.messages[locale]; ok {
		if msg, ok := catalog[key]; ok {
			return format(msg, args)
		}
	}
	if catalog, ok := b.messages[DefaultLocale]; ok {
		if msg, ok := catalog[key]; ok {
			return format(msg, args)
		}
	}
	return key
}

// Locales returns the locales with a loaded catalog.
func (b *Bundle) Locales() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, 0, len(b.messages))
	for locale := range b.messages {
		out = append(out, locale)
	}
	return out
}

// LoadDir merges override catalogs from a directory of <locale>.json files.
func (b *Bundle) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read locale directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		locale := NormalizeLocale(strings.TrimSuffix(entry.Name(), ".json"))

		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read locale file %s: %w", entry.Name(), err)
		}
		var overrides map[string]string
		if err := json.Unmarshal(raw, &overrides); err != nil {
			return fmt.Errorf("invalid locale file %s: %w", entry.Name(), err)
		}

		b.mu.Lock()
		if b.messages[locale] == nil {
			b.messages[locale] = make(map[string]string, len(overrides))
		}
		for k, v := range overrides {
			b.messages[locale][k] = v
		}
		b.mu.Unlock()

		b.logger.Info().Str("locale", locale).Int("messages", len(overrides)).Msg("Locale overrides loaded")
	}

	return nil
}

// NormalizeLocale lowercases a locale tag and strips any region subtag,
// mapping "de-DE" to "de".
func NormalizeLocale(locale string) string {
	locale = strings.ToLower(strings.TrimSpace(locale))
	if locale == "" {
		return DefaultLocale
	}
	if i := strings.IndexAny(locale, "-_"); i > 0 {
		locale = locale[:i]
	}
	return locale
}

func format(msg string, args []interface{}) string {
	if len(args) == 0 {
		return msg
	}
	return fmt.Sprintf(msg, args...)
}
