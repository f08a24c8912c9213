package registry

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	errEmptyPayload     = errors.New("claim payload is empty")
	errMalformedPayload = errors.New("claim payload is not valid claim JSON")
	errNoClaims         = errors.New("claim payload contains no claims")
	errNoSubject        = errors.New("first claim has no parameters to derive a subject from")
)

// Claim is an attestation produced by the external proof service.
type Claim struct {
	ID                 json.Number `json:"id,omitempty"`
	Provider           string      `json:"provider"`
	RedactedParameters string      `json:"redactedParameters,omitempty"`
	OwnerPublicKey     string      `json:"ownerPublicKey,omitempty"`
	TimestampS         string      `json:"timestampS,omitempty"`
	WitnessAddresses   []string    `json:"witnessAddresses,omitempty"`
	Signatures         []string    `json:"signatures,omitempty"`
	Parameters         Parameters  `json:"parameters"`
}

// Parameter is one entry of a claim's parameter object. Literal marks a
// non-string value; Value then holds its JSON text.
type Parameter struct {
	Key     string
	Value   string
	Literal bool
}

// Parameters keeps the document order of the claim's parameter object; the
// subject identifier is defined as the first entry.
type Parameters []Parameter

func (p Parameters) Get(key string) (string, bool) {
	for _, param := range p {
		if param.Key == key {
			return param.Value, true
		}
	}
	return "", false
}

func (p Parameters) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, param := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(param.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		if param.Literal {
			buf.WriteString(param.Value)
			continue
		}
		v, err := json.Marshal(param.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON accepts an object, or a string holding an object. Non-string
// values keep their compacted JSON text and are marked Literal.
func (p *Parameters) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*p = nil
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return err
		}
		if strings.TrimSpace(inner) == "" {
			*p = nil
			return nil
		}
		data = []byte(inner)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("parameters must be an object")
	}

	var out Parameters
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("parameter key must be a string")
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		if len(raw) > 0 && raw[0] == '"' {
			var value string
			if err := json.Unmarshal(raw, &value); err != nil {
				return err
			}
			out = append(out, Parameter{Key: key, Value: value})
			continue
		}
		var compact bytes.Buffer
		if err := json.Compact(&compact, raw); err != nil {
			return err
		}
		out = append(out, Parameter{Key: key, Value: compact.String(), Literal: true})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}

	*p = out
	return nil
}

// DecodeClaims parses a raw callback body. Accepted shapes are a JSON object
// with a "claims" array, a bare array of claims, or a single claim, each
// optionally URL-encoded or base64-encoded.
func DecodeClaims(raw []byte) ([]Claim, error) {
	body := bytes.TrimSpace(raw)
	if len(body) == 0 {
		return nil, errEmptyPayload
	}

	for _, candidate := range payloadCandidates(body) {
		claims, err := parseClaims(candidate)
		if err == nil {
			if len(claims) == 0 {
				return nil, errNoClaims
			}
			return claims, nil
		}
	}
	return nil, errMalformedPayload
}

func payloadCandidates(body []byte) [][]byte {
	candidates := [][]byte{body}

	if unescaped, err := url.QueryUnescape(string(body)); err == nil && unescaped != string(body) {
		candidates = append(candidates, []byte(strings.TrimSpace(unescaped)))
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if decoded, err := enc.DecodeString(string(body)); err == nil {
			candidates = append(candidates, bytes.TrimSpace(decoded))
		}
	}
	return candidates
}

func parseClaims(data []byte) ([]Claim, error) {
	if len(data) == 0 {
		return nil, errEmptyPayload
	}

	switch data[0] {
	case '[':
		var claims []Claim
		if err := json.Unmarshal(data, &claims); err != nil {
			return nil, err
		}
		return claims, nil
	case '{':
		var envelope struct {
			Claims *[]Claim `json:"claims"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			return nil, err
		}
		if envelope.Claims != nil {
			return *envelope.Claims, nil
		}
		var single Claim
		if err := json.Unmarshal(data, &single); err != nil {
			return nil, err
		}
		if single.Provider == "" && len(single.Parameters) == 0 {
			return nil, errMalformedPayload
		}
		return []Claim{single}, nil
	default:
		return nil, errMalformedPayload
	}
}

// SubjectID is the value of the first parameter of the first claim. A literal
// value contributes its JSON text, so 5 and "5" name the same subject.
func SubjectID(claims []Claim) (string, error) {
	if len(claims) == 0 {
		return "", errNoClaims
	}
	params := claims[0].Parameters
	if len(params) == 0 || strings.TrimSpace(params[0].Value) == "" {
		return "", errNoSubject
	}
	return params[0].Value, nil
}

// EncodeClaims is the stored claimString form.
func EncodeClaims(claims []Claim) (string, error) {
	b, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
