package audit

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kumpeapps/managed-nebula-sub001/pkg/policy"
)

func newTestRegistry(t *testing.T) (*Registry, *policy.Store, *policy.Client) {
	t.Helper()
	store := policy.New(nil)
	client, err := store.CreateClient("node-1", "alice")
	require.NoError(t, err)
	return New(store, "mesh_client_token_", nil), store, client
}

func TestIssueTokenHasExpectedShape(t *testing.T) {
	reg, _, client := newTestRegistry(t)
	tok, secret, err := reg.IssueToken(client.ID)
	require.NoError(t, err)
	assert.True(t, tok.IsActive)
	assert.Equal(t, client.ID, tok.ClientID)
	assert.True(t, strings.HasPrefix(secret, "mesh_client_token_"))
	assert.Len(t, strings.TrimPrefix(secret, "mesh_client_token_"), 32)
}

func TestReissueTokenDeactivatesPrior(t *testing.T) {
	reg, store, client := newTestRegistry(t)
	first, firstSecret, err := reg.IssueToken(client.ID)
	require.NoError(t, err)

	second, secondSecret, err := reg.ReissueToken(client.ID)
	require.NoError(t, err)
	assert.NotEqual(t, firstSecret, secondSecret)

	var foundFirst, foundSecond *policy.ClientToken
	for _, tok := range store.AllTokens() {
		switch tok.ID {
		case first.ID:
			foundFirst = tok
		case second.ID:
			foundSecond = tok
		}
	}
	require.NotNil(t, foundFirst)
	require.NotNil(t, foundSecond)
	assert.False(t, foundFirst.IsActive)
	assert.True(t, foundSecond.IsActive)

	events := reg.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "reissue", events[0].Kind)
}

func TestEnrollExchangesCodeForToken(t *testing.T) {
	reg, _, client := newTestRegistry(t)
	code, err := reg.IssueEnrollmentCode(client.ID, "iphone-15", time.Hour)
	require.NoError(t, err)

	tok, secret, err := reg.Enroll(code.Code)
	require.NoError(t, err)
	assert.Equal(t, client.ID, tok.ClientID)
	assert.NotEmpty(t, secret)

	_, _, err = reg.Enroll(code.Code)
	require.Error(t, err, "a code is one-time use")
}

func TestEnrollRejectsExpiredCode(t *testing.T) {
	reg, store, client := newTestRegistry(t)
	code, err := reg.IssueEnrollmentCode(client.ID, "", time.Minute)
	require.NoError(t, err)

	store.SetClock(func() time.Time { return time.Now().Add(2 * time.Hour) })
	_, _, err = reg.Enroll(code.Code)
	require.Error(t, err)
}

func TestRevokeLeakedTokenDeactivatesAndAuditsPrefixOnly(t *testing.T) {
	reg, store, client := newTestRegistry(t)
	tok, secret, err := reg.IssueToken(client.ID)
	require.NoError(t, err)

	revoked, err := reg.RevokeLeakedToken(secret, "https://example.com/leaked-repo")
	require.NoError(t, err)
	assert.True(t, revoked)

	for _, got := range store.AllTokens() {
		if got.ID == tok.ID {
			assert.False(t, got.IsActive)
		}
	}

	events := reg.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "leak_revoke", events[0].Kind)
	assert.Equal(t, tok.Prefix, events[0].TokenPrefix)
	assert.NotContains(t, events[0].TokenPrefix, secret[len(tok.Prefix):], "audit record must not carry the full secret")
}

func TestRevokeLeakedTokenUnknownSecretIsNoop(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	revoked, err := reg.RevokeLeakedToken("not-a-real-token", "https://example.com")
	require.NoError(t, err)
	assert.False(t, revoked)
	assert.Empty(t, reg.Events())
}
