package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// documentIDTag is the type tag prefixed to a custom-form _id, mirroring
// the 9-byte packed form (tag + 8-byte little-endian numeric id) used on
// data nodes. Kept here purely as a documented constant; the JSON encoding
// below stores _id as a plain string since no VPack-equivalent binary
// object format exists anywhere in the example pack (see DESIGN.md) - the
// numeric identity it would pack is still available via Revision/ planId.
const documentIDTag = 0xf3

// systemAttributes are always encoded first, in this order, ahead of any
// user attribute - the pack has no binary object encoder that preserves
// field order the way VPack does, so this package rolls its own minimal
// ordered-JSON writer for exactly this one invariant.
type systemAttributes struct {
	Key  string `json:"_key"`
	ID   string `json:"_id"`
	From string `json:"_from,omitempty"`
	To   string `json:"_to,omitempty"`
	Rev  uint64  `json:"_rev"`
}

// encodeDocument produces the marker body for one document version: system
// attributes first in fixed order, then user attributes in map order. Go's
// map iteration order is randomized, which is fine here since the body is
// opaque once written - only the system-attribute prefix ordering is a
// contract callers (and the recovery iterator) can rely on.
func encodeDocument(sys systemAttributes, user map[string]interface{}) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	sysBytes, err := json.Marshal(sys)
	if err != nil {
		return nil, fmt.Errorf("encode system attributes: %w", err)
	}
	// sysBytes is `{"_key":...,"_id":...,...}`; splice its body in, then
	// append any user attributes as additional keys.
	buf.Write(sysBytes[1 : len(sysBytes)-1])

	for k, v := range user {
		buf.WriteByte(',')
		keyBytes, _ := json.Marshal(k)
		buf.Write(keyBytes)
		buf.WriteByte(':')
		valBytes, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode attribute %q: %w", k, err)
		}
		buf.Write(valBytes)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// decodeDocument splits a marker body back into system attributes and the
// remaining user attributes.
func decodeDocument(body []byte) (systemAttributes, map[string]interface{}, error) {
	var flat map[string]interface{}
	if err := json.Unmarshal(body, &flat); err != nil {
		return systemAttributes{}, nil, fmt.Errorf("decode document body: %w", err)
	}

	sys := systemAttributes{}
	if v, ok := flat["_key"].(string); ok {
		sys.Key = v
	}
	if v, ok := flat["_id"].(string); ok {
		sys.ID = v
	}
	if v, ok := flat["_from"].(string); ok {
		sys.From = v
	}
	if v, ok := flat["_to"].(string); ok {
		sys.To = v
	}
	// _rev is decoded straight into a uint64: a float64 cannot hold every
	// 64-bit revision exactly.
	var rev struct {
		Rev uint64 `json:"_rev"`
	}
	if err := json.Unmarshal(body, &rev); err == nil {
		sys.Rev = rev.Rev
	}
	delete(flat, "_key")
	delete(flat, "_id")
	delete(flat, "_from")
	delete(flat, "_to")
	delete(flat, "_rev")

	return sys, flat, nil
}

func formatDocumentID(planID uint64, key string) string {
	return fmt.Sprintf("%d/%s", planID, key)
}
