package kv

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/rcastellor/dirstore/pkg/dn"
	"github.com/rcastellor/dirstore/pkg/entry"
)

// normalizeKey is the lookup key used by dn2id: the DN's canonical
// string form. Two DNs that parse to the same normalized form must
// collide here, which dn.Parse already guarantees.
func normalizeKey(name dn.DN) []byte {
	return []byte(name.String())
}

func dn2idPut(tx *Tx, name dn.DN, id uint32) error {
	return tx.put(bucketDN2ID, normalizeKey(name), idBytes(id))
}

func dn2idGet(tx *Tx, name dn.DN) (uint32, bool) {
	v := tx.get(bucketDN2ID, normalizeKey(name))
	if v == nil {
		return 0, false
	}
	return idFromBytes(v), true
}

func dn2idDelete(tx *Tx, name dn.DN) error {
	return tx.delete(bucketDN2ID, normalizeKey(name))
}

func childKey(parentID, childID uint32) []byte {
	return append(idBytes(parentID), idBytes(childID)...)
}

func id2childrenAdd(tx *Tx, parentID, childID uint32) error {
	return tx.put(bucketID2Children, childKey(parentID, childID), []byte{1})
}

func id2childrenRemove(tx *Tx, parentID, childID uint32) error {
	return tx.delete(bucketID2Children, childKey(parentID, childID))
}

// id2childrenList returns the IDs of every direct child of parentID.
func id2childrenList(tx *Tx, parentID uint32) ([]uint32, error) {
	b := tx.btx.Bucket(bucketID2Children)
	if b == nil {
		return nil, fmt.Errorf("kv: bucket %s not found", bucketID2Children)
	}
	prefix := idBytes(parentID)
	var out []uint32
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		if len(k) != 8 {
			continue
		}
		out = append(out, idFromBytes(k[4:]))
	}
	return out, nil
}

func id2entryPut(tx *Tx, id uint32, e *entry.Entry) error {
	return tx.put(bucketID2Entry, idBytes(id), entry.Marshal(e))
}

func id2entryGet(tx *Tx, id uint32) (*entry.Entry, error) {
	v := tx.get(bucketID2Entry, idBytes(id))
	if v == nil {
		return nil, nil
	}
	e, err := entry.Unmarshal(v)
	if err != nil {
		return nil, fmt.Errorf("kv: decoding entry %d: %w", id, err)
	}
	return e, nil
}

func id2entryDelete(tx *Tx, id uint32) error {
	return tx.delete(bucketID2Entry, idBytes(id))
}

// tokenize reduces an attribute value to its index tokens under the
// given syntax. Only exact-match tokenization is implemented:
// substring and approximate matching are named in spec.md §4.6 as
// additional tokenizer modes but are out of scope for this module's
// write-path focus (see DESIGN.md).
func tokenize(syntax entry.Syntax, value string) string {
	switch syntax {
	case entry.SyntaxDN:
		parsed, err := dn.Parse(value)
		if err != nil {
			return strings.ToLower(value)
		}
		return parsed.String()
	case entry.SyntaxInteger, entry.SyntaxBoolean, entry.SyntaxOctetString:
		return value
	default:
		return strings.ToLower(strings.TrimSpace(value))
	}
}

// indexEntryAdd adds id to the token list of every indexed attribute
// present on e.
func indexEntryAdd(tx *Tx, indexed IndexedAttrs, id uint32, e *entry.Entry) error {
	for attr, syntax := range indexed {
		values, ok := e.Get(attr)
		if !ok {
			continue
		}
		bucket := indexBucketName(attr)
		for _, v := range values {
			token := []byte(tokenize(syntax, v))
			if err := addIDToToken(tx, bucket, token, id); err != nil {
				return err
			}
		}
	}
	return nil
}

// indexEntryRemove removes id from the token list of every indexed
// attribute present on e.
func indexEntryRemove(tx *Tx, indexed IndexedAttrs, id uint32, e *entry.Entry) error {
	for attr, syntax := range indexed {
		values, ok := e.Get(attr)
		if !ok {
			continue
		}
		bucket := indexBucketName(attr)
		for _, v := range values {
			token := []byte(tokenize(syntax, v))
			if err := removeIDFromToken(tx, bucket, token, id); err != nil {
				return err
			}
		}
	}
	return nil
}

// lookupToken returns the IDs posted under token in an indexed
// attribute's bucket, for the attribute-index read path (§4.6).
func lookupToken(tx *Tx, attr string, syntax entry.Syntax, value string) []uint32 {
	v := tx.get(indexBucketName(attr), []byte(tokenize(syntax, value)))
	return decodeIDList(v)
}

func addIDToToken(tx *Tx, bucket, token []byte, id uint32) error {
	cur := decodeIDList(tx.get(bucket, token))
	for _, existing := range cur {
		if existing == id {
			return nil
		}
	}
	cur = append(cur, id)
	return tx.put(bucket, token, encodeIDList(cur))
}

func removeIDFromToken(tx *Tx, bucket, token []byte, id uint32) error {
	cur := decodeIDList(tx.get(bucket, token))
	out := cur[:0]
	for _, existing := range cur {
		if existing != id {
			out = append(out, existing)
		}
	}
	if len(out) == 0 {
		return tx.delete(bucket, token)
	}
	return tx.put(bucket, token, encodeIDList(out))
}

func encodeIDList(ids []uint32) []byte {
	buf := make([]byte, 0, len(ids)*4)
	for _, id := range ids {
		buf = append(buf, idBytes(id)...)
	}
	return buf
}

func decodeIDList(b []byte) []uint32 {
	if len(b) == 0 {
		return nil
	}
	out := make([]uint32, 0, len(b)/4)
	for i := 0; i+4 <= len(b); i += 4 {
		out = append(out, idFromBytes(b[i:i+4]))
	}
	return out
}
