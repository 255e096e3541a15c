package saveflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/yungbote/officebridge-backend/internal/domain"
)

// canonicalRequest is the exact field set and order the idempotency key is
// computed over. Changing it changes every derived key, so additions here are
// a wire-compat decision, not a refactor.
type canonicalRequest struct {
	Source          string   `json:"source"`
	AssociationType string   `json:"associationType"`
	AssociationID   string   `json:"associationId"`
	ItemID          string   `json:"itemId"`
	AttachmentIDs   []string `json:"attachmentIds"`
	IncludeBody     bool     `json:"includeBody"`
	DocumentLocator string   `json:"documentLocator"`
}

// DeriveKey computes the idempotency key for one save request: lowercase hex
// SHA-256 of the canonical form. Attachment ids are sorted first, so their
// in-memory order never affects the key.
func DeriveKey(req domain.SaveRequest) string {
	c := canonicalRequest{
		Source:          string(req.Source),
		ItemID:          req.Content.ItemID,
		IncludeBody:     req.Content.IncludeBody,
		DocumentLocator: req.Content.DocumentLocator,
	}
	if req.Association != nil {
		c.AssociationType = req.Association.EntityType
		c.AssociationID = req.Association.EntityID
	}

	// Always a concrete slice: nil and empty must serialize identically.
	c.AttachmentIDs = make([]string, len(req.Content.AttachmentIDs))
	copy(c.AttachmentIDs, req.Content.AttachmentIDs)
	sort.Strings(c.AttachmentIDs)

	b, err := json.Marshal(c)
	if err != nil {
		// Fixed struct of strings and bools; Marshal cannot fail on it.
		panic("saveflow: canonical request marshal: " + err.Error())
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
