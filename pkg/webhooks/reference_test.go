package webhooks

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/rentbill/pkg/errs"
)

func TestReferenceCodec(t *testing.T) {
	c := NewReferenceCodec("ref-secret")

	token := c.Encode(42, 7)
	ref, err := c.Decode(token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), ref.OrgID)
	assert.Equal(t, int64(7), ref.PlanID)
	assert.NotEmpty(t, ref.Nonce)

	assert.NotEqual(t, token, c.Encode(42, 7), "nonce makes every token unique")

	t.Run("tampered organization", func(t *testing.T) {
		forged := "43" + strings.TrimPrefix(token, "42")
		_, err := c.Decode(forged)
		assert.ErrorIs(t, err, errs.ErrUnauthenticated)
	})

	t.Run("other secret", func(t *testing.T) {
		_, err := NewReferenceCodec("other").Decode(token)
		assert.ErrorIs(t, err, errs.ErrUnauthenticated)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := c.Decode("garbage")
		assert.ErrorIs(t, err, errs.ErrInvalidInput)
	})

	t.Run("signed but unparseable", func(t *testing.T) {
		payload := "abc.7.nonce"
		_, err := c.Decode(payload + "." + c.mac(payload))
		assert.ErrorIs(t, err, errs.ErrInvalidInput)
	})
}
