package apierr

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		description string
		err         error
		expected    Kind
	}{
		{"plain not found", NotFound("client %s", "node-1"), KindNotFound},
		{"wrapped transient", Wrap(KindTransient, fmt.Errorf("boom"), "sign failed"), KindTransient},
		{"foreign error", fmt.Errorf("some other error"), KindUnknown},
	}
	for _, test := range tests {
		t.Run(test.description, func(t *testing.T) {
			assert.Equal(t, test.expected, KindOf(test.err))
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind     Kind
		expected int
	}{
		{KindUnauthorized, http.StatusUnauthorized},
		{KindForbidden, http.StatusForbidden},
		{KindConflict, http.StatusConflict},
		{KindTooManyRequests, http.StatusTooManyRequests},
		{KindServiceUnavailable, http.StatusServiceUnavailable},
		{KindTransient, http.StatusBadGateway},
		{KindUnknown, http.StatusInternalServerError},
	}
	for _, test := range tests {
		assert.Equal(t, test.expected, test.kind.HTTPStatus())
	}
}

func TestIs(t *testing.T) {
	err := Forbidden("client %s is blocked", "node-1")
	assert.True(t, Is(err, KindForbidden))
	assert.False(t, Is(err, KindConflict))
}

func TestUnwrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("signer unreachable")
	err := Wrap(KindTransient, cause, "minting cert")
	assert.ErrorIs(t, err, cause)
}
