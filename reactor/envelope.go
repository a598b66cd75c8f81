package reactor

import (
	"encoding/json"
	"fmt"

	"cairnvm/callstack"
	"cairnvm/engine"
)

// EnvelopeKind is the prefix tag of an OP_RETURN envelope: it distinguishes a contract publish from a
// contract call without the core ever needing to parse the rest of the
// payload itself.
type EnvelopeKind byte

const (
	EnvelopePublish EnvelopeKind = 0x01
	EnvelopeExecute EnvelopeKind = 0x02
)

// Envelope is the reactor's own decoding of an opaque OP_RETURN payload into
// a publish or an execute instruction. Implementers choosing to re-encode
// the wire format must preserve this prefix-tag + payload round trip.
type Envelope struct {
	Kind EnvelopeKind

	// Signer is the claimed signer for this operation, restricted to
	// {Nobody, ContractId(id), Core(inner)}; since wallet/signature
	// verification is explicitly out of scope, an externally-submitted
	// envelope can only ever claim Nobody or ContractId(id) — never Core,
	// which is reserved for the engine's own native-bridge invocations.
	Signer engine.Signer

	// Publish fields.
	ContractName  string
	ContractBytes []byte

	// Execute fields.
	TargetName    string
	TargetHeight  uint64
	TargetTxIndex uint64
	Expression    string
}

type publishPayload struct {
	Signer string `json:"signer,omitempty"`
	Name   string `json:"name"`
	Bytes  []byte `json:"bytes"`
}

type executePayload struct {
	Signer         string `json:"signer,omitempty"`
	ContractName   string `json:"contract_name"`
	ContractHeight uint64 `json:"contract_height"`
	ContractTx     uint64 `json:"contract_tx_index"`
	Expression     string `json:"expression"`
}

// DecodeEnvelope parses a prefix-tagged OP_RETURN payload into an Envelope.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	if len(raw) == 0 {
		return Envelope{}, fmt.Errorf("reactor: empty envelope")
	}
	kind := EnvelopeKind(raw[0])
	body := raw[1:]
	switch kind {
	case EnvelopePublish:
		var p publishPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return Envelope{}, fmt.Errorf("reactor: decode publish envelope: %w", err)
		}
		signer, err := decodeSigner(p.Signer)
		if err != nil {
			return Envelope{}, err
		}
		return Envelope{Kind: EnvelopePublish, Signer: signer, ContractName: p.Name, ContractBytes: p.Bytes}, nil
	case EnvelopeExecute:
		var p executePayload
		if err := json.Unmarshal(body, &p); err != nil {
			return Envelope{}, fmt.Errorf("reactor: decode execute envelope: %w", err)
		}
		signer, err := decodeSigner(p.Signer)
		if err != nil {
			return Envelope{}, err
		}
		return Envelope{
			Kind:          EnvelopeExecute,
			Signer:        signer,
			TargetName:    p.ContractName,
			TargetHeight:  p.ContractHeight,
			TargetTxIndex: p.ContractTx,
			Expression:    p.Expression,
		}, nil
	default:
		return Envelope{}, fmt.Errorf("reactor: unknown envelope tag 0x%02x", byte(kind))
	}
}

// EncodePublish renders a publish envelope for test fixtures and tooling
// that synthesize OP_RETURN payloads without a real Bitcoin envelope
// compose step.
func EncodePublish(signer engine.Signer, name string, bytes []byte) ([]byte, error) {
	body, err := json.Marshal(publishPayload{Signer: encodeSigner(signer), Name: name, Bytes: bytes})
	if err != nil {
		return nil, err
	}
	return append([]byte{byte(EnvelopePublish)}, body...), nil
}

// EncodeExecute renders an execute envelope.
func EncodeExecute(signer engine.Signer, addr engine.ContractAddress, expression string) ([]byte, error) {
	body, err := json.Marshal(executePayload{
		Signer:         encodeSigner(signer),
		ContractName:   addr.Name,
		ContractHeight: addr.Height,
		ContractTx:     addr.TxIndex,
		Expression:     expression,
	})
	if err != nil {
		return nil, err
	}
	return append([]byte{byte(EnvelopeExecute)}, body...), nil
}

// encodeSigner/decodeSigner render the restricted top-level signer claim
// (Nobody or ContractId(n)) as a short string; Core is never a legal
// externally-submitted claim.
func encodeSigner(s engine.Signer) string {
	switch v := s.(type) {
	case nil:
		return ""
	case engine.Nobody:
		return ""
	case engine.ContractSigner:
		return fmt.Sprintf("%d", v.ID)
	default:
		return ""
	}
}

func decodeSigner(s string) (engine.Signer, error) {
	if s == "" {
		return engine.Nobody{}, nil
	}
	var id int64
	if _, err := fmt.Sscanf(s, "%d", &id); err != nil {
		return nil, fmt.Errorf("reactor: invalid signer claim %q: %w", s, err)
	}
	return engine.ContractSigner{ID: callstack.ContractID(id)}, nil
}
