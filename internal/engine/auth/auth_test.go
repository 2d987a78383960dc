package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestPasswordRoundTrip(t *testing.T) {
	BcryptCost = bcrypt.MinCost
	hash, err := HashPassword("correct horse")
	require.NoError(t, err)
	assert.True(t, CheckPassword(hash, "correct horse"))
	assert.False(t, CheckPassword(hash, "wrong"))
	assert.False(t, CheckPassword("", "correct horse"))
}

func TestTokensIssueAndParse(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tok := Tokens{Secret: "s3cret", TTL: time.Hour, Now: func() time.Time { return now }}
	signed, exp, err := tok.Issue(42, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), exp)

	uid, sid, err := tok.Parse(signed)
	require.NoError(t, err)
	assert.Equal(t, int64(42), uid)
	assert.Equal(t, "sess-1", sid)

	other := Tokens{Secret: "other", TTL: time.Hour, Now: tok.Now}
	_, _, err = other.Parse(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)

	now = now.Add(2 * time.Hour)
	_, _, err = tok.Parse(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokensRequireSecret(t *testing.T) {
	_, _, err := Tokens{TTL: time.Hour}.Issue(1, "s")
	assert.Error(t, err)
	_, _, err = Tokens{}.Parse("x")
	assert.Error(t, err)
}
