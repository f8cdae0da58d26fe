package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLikePattern(t *testing.T) {
	assert.Equal(t, "%ferritin%", likePattern("ferritin"))
	assert.Equal(t, `%100\%%`, likePattern("100%"))
	assert.Equal(t, `%a\_b%`, likePattern("a_b"))
}

func TestCleanTerms(t *testing.T) {
	assert.Equal(t, []string{"ferritin", "diarrhea"}, cleanTerms([]string{" Ferritin", "diarrhea", "", "FERRITIN"}))
}
