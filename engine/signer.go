package engine

import (
	"fmt"

	"cairnvm/callstack"
)

// Signer is the tagged variant: Nobody, ContractId(id), or Core(inner).
// Wallet/signature verification is explicitly out of scope; a Signer here is
// just a claim the core authenticates against the caller stack, never a
// cryptographic identity.
type Signer interface {
	signerTag()
}

// Nobody is the signer of genesis/system-initiated calls (e.g. publishing
// the native token contract).
type Nobody struct{}

func (Nobody) signerTag() {}

// ContractSigner claims to be acting on behalf of contract ID. It is only
// a legal claim when ID is the current top of the caller stack.
type ContractSigner struct {
	ID callstack.ContractID
}

func (ContractSigner) signerTag() {}

// CoreSigner wraps a Signer with host privilege. Only native-contract
// bridges (the token contract's own invocations from the core) may use it.
type CoreSigner struct {
	Inner Signer
}

func (CoreSigner) signerTag() {}

// RenderSigner formats a Signer for logs and error messages.
func RenderSigner(s Signer) string {
	switch v := s.(type) {
	case Nobody:
		return "Nobody"
	case ContractSigner:
		return fmt.Sprintf("ContractId(%d)", v.ID)
	case CoreSigner:
		return fmt.Sprintf("Core(%s)", RenderSigner(v.Inner))
	default:
		return "<unknown signer>"
	}
}

// isCore reports whether s is a CoreSigner at the top level.
func isCore(s Signer) bool {
	_, ok := s.(CoreSigner)
	return ok
}
