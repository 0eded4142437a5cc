// Package canonical produces canonical JSON (sorted keys, compact
// separators) for signing and signature verification.
package canonical

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
)

// JSON re-encodes raw as canonical JSON: object keys sorted bytewise,
// no insignificant whitespace, numbers preserved as written.
func JSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonical: parse: %w", err)
	}
	var buf bytes.Buffer
	if err := writeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Marshal is Marshal-then-canonicalize for in-memory values.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}
	return JSON(raw)
}

func writeValue(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return fmt.Errorf("canonical: key %q: %w", k, err)
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeValue(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case json.Number:
		buf.WriteString(t.String())
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("canonical: value: %w", err)
		}
		buf.Write(b)
	}
	return nil
}

// SignJSON signs obj with the given ed25519 key and attaches the signature
// under signatures.<userID>.ed25519:<keyID>. The signatures and unsigned
// members are excluded from the signed form, matching server-side
// verification. The input map is modified in place and returned.
func SignJSON(priv ed25519.PrivateKey, userID, keyID string, obj map[string]any) (map[string]any, error) {
	unsigned, hadUnsigned := obj["unsigned"]
	sigs, hadSigs := obj["signatures"]
	delete(obj, "unsigned")
	delete(obj, "signatures")

	canon, err := Marshal(obj)
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(priv, canon)

	if hadUnsigned {
		obj["unsigned"] = unsigned
	}
	var sigMap map[string]any
	if hadSigs {
		sigMap, _ = sigs.(map[string]any)
	}
	if sigMap == nil {
		sigMap = map[string]any{}
	}
	userSigs, _ := sigMap[userID].(map[string]any)
	if userSigs == nil {
		userSigs = map[string]any{}
	}
	userSigs["ed25519:"+keyID] = base64.RawStdEncoding.EncodeToString(sig)
	sigMap[userID] = userSigs
	obj["signatures"] = sigMap
	return obj, nil
}

// VerifyJSON checks the signature attached by SignJSON against pub.
func VerifyJSON(pub ed25519.PublicKey, userID, keyID string, raw []byte) error {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return fmt.Errorf("canonical: parse signed object: %w", err)
	}

	sigMap, _ := obj["signatures"].(map[string]any)
	userSigs, _ := sigMap[userID].(map[string]any)
	sigB64, _ := userSigs["ed25519:"+keyID].(string)
	if sigB64 == "" {
		return fmt.Errorf("canonical: no signature from %s/%s", userID, keyID)
	}
	sig, err := base64.RawStdEncoding.DecodeString(sigB64)
	if err != nil {
		return fmt.Errorf("canonical: decode signature: %w", err)
	}

	delete(obj, "signatures")
	delete(obj, "unsigned")
	canon, err := Marshal(obj)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, canon, sig) {
		return fmt.Errorf("canonical: signature from %s/%s does not verify", userID, keyID)
	}
	return nil
}
