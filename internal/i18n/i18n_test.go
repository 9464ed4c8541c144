package i18n

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTranslateFallsBackToKeyForUnknownLanguage(t *testing.T) {
	assert.Equal(t, KeyStaffDebugChecker, Translate(Default, "fr", KeyStaffDebugChecker))
}

func TestTranslateFallsBackToKeyForUnknownEntry(t *testing.T) {
	assert.Equal(t, "not a catalogued string", Translate(Default, "es", "not a catalogued string"))
}

func TestTranslateFindsCatalogedEntry(t *testing.T) {
	assert.Equal(t,
		"Hubo un problema al ejecutar tu código. Por favor contacta al equipo docente.",
		Translate(Default, "es", KeyStaffDebugChecker),
	)
}

func TestTranslateNilCatalogFallsBackToKey(t *testing.T) {
	assert.Equal(t, KeyBareExceptWarning, Translate(nil, "es", KeyBareExceptWarning))
}
