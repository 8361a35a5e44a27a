package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/platinummonkey/rentbill/pkg/errs"
)

// Reference is the decoded external-reference token of a checkout
type Reference struct {
	OrgID  int64
	PlanID int64
	Nonce  string
}

// ReferenceCodec issues and verifies checkout reference tokens of the form
// <org>.<plan>.<nonce>.<mac>
type ReferenceCodec struct {
	secret []byte
}

// NewReferenceCodec creates a codec keyed by secret
func NewReferenceCodec(secret string) *ReferenceCodec {
	return &ReferenceCodec{secret: []byte(secret)}
}

func (c *ReferenceCodec) mac(payload string) string {
	m := hmac.New(sha256.New, c.secret)
	m.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(m.Sum(nil))
}

// Encode issues a token for a checkout of planID by orgID
func (c *ReferenceCodec) Encode(orgID, planID int64) string {
	payload := fmt.Sprintf("%d.%d.%s", orgID, planID, uuid.NewString())
	return payload + "." + c.mac(payload)
}

// Decode verifies a token. A bad MAC matches errs.ErrUnauthenticated; a
// token that does not parse matches errs.ErrInvalidInput.
func (c *ReferenceCodec) Decode(token string) (Reference, error) {
	idx := strings.LastIndex(token, ".")
	if idx <= 0 {
		return Reference{}, errs.Invalid("malformed reference token")
	}
	payload, sig := token[:idx], token[idx+1:]
	if !hmac.Equal([]byte(sig), []byte(c.mac(payload))) {
		return Reference{}, fmt.Errorf("%w: reference token signature mismatch", errs.ErrUnauthenticated)
	}

	parts := strings.SplitN(payload, ".", 3)
	if len(parts) != 3 {
		return Reference{}, errs.Invalid("malformed reference token")
	}
	orgID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || orgID <= 0 {
		return Reference{}, errs.Invalid("reference token has a bad organization")
	}
	planID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || planID <= 0 {
		return Reference{}, errs.Invalid("reference token has a bad plan")
	}
	return Reference{OrgID: orgID, PlanID: planID, Nonce: parts[2]}, nil
}
