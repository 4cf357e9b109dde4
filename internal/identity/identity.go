// Package identity resolves the transaction creator into the opaque account
// identifier and MSP used by the IVS chaincodes.
//
// The account is the lowercase hex SHA-256 of the serialized creator identity,
// so equality and ordering are plain byte comparisons and the value is safe to
// embed in world-state keys. The MSP id gates the privileged compute-network
// operations; nothing else about the certificate is inspected on-chain.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/hyperledger/fabric-contract-api-go/v2/contractapi"
	msp "github.com/hyperledger/fabric-protos-go-apiv2/msp"
	"google.golang.org/protobuf/proto"
)

// Caller is the authenticated identity behind the current transaction.
type Caller struct {
	// Account is the opaque, fixed-size ledger identity (64 hex chars).
	Account string
	// MSPID is the membership service provider that issued the identity.
	MSPID string
}

// FromCreator derives a Caller from raw serialized-identity bytes.
func FromCreator(creator []byte) (*Caller, error) {
	if len(creator) == 0 {
		return nil, fmt.Errorf("empty tx creator")
	}
	var sid msp.SerializedIdentity
	if err := proto.Unmarshal(creator, &sid); err != nil {
		return nil, fmt.Errorf("parse tx creator: %w", err)
	}
	if sid.Mspid == "" {
		return nil, fmt.Errorf("tx creator missing mspid")
	}
	sum := sha256.Sum256(creator)
	return &Caller{Account: hex.EncodeToString(sum[:]), MSPID: sid.Mspid}, nil
}

// Resolve reads the transaction creator from the stub and derives the Caller.
func Resolve(ctx contractapi.TransactionContextInterface) (*Caller, error) {
	creator, err := ctx.GetStub().GetCreator()
	if err != nil {
		return nil, fmt.Errorf("get tx creator: %w", err)
	}
	return FromCreator(creator)
}
