package textnorm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFold(t *testing.T) {
	assert.Equal(t, "eligibilite", Fold("Éligibilité"))
	assert.Equal(t, "jusqu'au 31 decembre", Fold("Jusqu’au 31 décembre"))
	assert.Equal(t, "5 000 €", Fold("5 000 €"))
}

func TestContainsAny(t *testing.T) {
	assert.True(t, ContainsAny("Guide du DISPOSITIF de soutien", []string{"aide", "dispositif"}))
	assert.True(t, ContainsAny("Conditions d'éligibilité", []string{"eligibilite"}))
	assert.False(t, ContainsAny("Actualités", []string{"", "  "}))
	assert.False(t, ContainsAny("Actualités", nil))
}

func TestCollapseSpace(t *testing.T) {
	assert.Equal(t, "a b c", CollapseSpace("  a \n\t b   c "))
}
