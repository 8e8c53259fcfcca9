package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultUserState(t *testing.T) {
	now := time.Now()
	st := DefaultUserState("u1", now)
	assert.Equal(t, "u1", st.UserID)
	assert.Equal(t, DefaultAttention, st.A)
	assert.Equal(t, DefaultFatigue, st.F)
	assert.Equal(t, "stable", st.Trend)
	assert.Equal(t, now, st.UpdatedAt)
}

func TestSeverityAtLeastAsSevereAs(t *testing.T) {
	assert.True(t, SeverityP0.AtLeastAsSevereAs(SeverityP2), "P0 is more severe than P2")
	assert.True(t, SeverityP2.AtLeastAsSevereAs(SeverityP2), "a severity is at least as severe as itself")
	assert.False(t, SeverityP3.AtLeastAsSevereAs(SeverityP1), "P3 is less severe than P1")
}
