// Package solanautil provides Solana transaction construction and inspection
// helpers for the exact payment scheme: SPL instruction builders for the
// buyer side, and decode/verify primitives for the facilitator side.
package solanautil

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
)

// ComputeBudgetProgramID is the Solana Compute Budget program ID.
var ComputeBudgetProgramID = solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111")

// DefaultComputeUnits is the default compute unit limit for transactions.
const DefaultComputeUnits uint32 = 200_000

// DefaultComputeUnitPrice is the default compute unit price in microlamports.
const DefaultComputeUnitPrice uint64 = 10_000

// transferCheckedDiscriminator is the SPL Token instruction index for
// TransferChecked.
const transferCheckedDiscriminator = 12

// BuildTransferCheckedInstruction creates an SPL Token TransferChecked instruction.
func BuildTransferCheckedInstruction(
	source, mint, destination solana.PublicKey,
	owner solana.PublicKey,
	amount uint64,
	decimals uint8,
) solana.Instruction {
	return token.NewTransferCheckedInstructionBuilder().
		SetAmount(amount).
		SetDecimals(decimals).
		SetSourceAccount(source).
		SetDestinationAccount(destination).
		SetMintAccount(mint).
		SetOwnerAccount(owner).
		Build()
}

// BuildSetComputeUnitLimitInstruction creates a SetComputeUnitLimit instruction.
// Format: [2, units (u32 little-endian)]
// Instruction discriminator 2 = SetComputeUnitLimit
func BuildSetComputeUnitLimitInstruction(units uint32) solana.Instruction {
	data := make([]byte, 5)
	data[0] = 2 // SetComputeUnitLimit discriminator
	data[1] = byte(units)
	data[2] = byte(units >> 8)
	data[3] = byte(units >> 16)
	data[4] = byte(units >> 24)

	return solana.NewInstruction(
		ComputeBudgetProgramID,
		solana.AccountMetaSlice{},
		data,
	)
}

// BuildSetComputeUnitPriceInstruction creates a SetComputeUnitPrice instruction.
// Format: [3, microlamports (u64 little-endian)]
// Instruction discriminator 3 = SetComputeUnitPrice
func BuildSetComputeUnitPriceInstruction(microlamports uint64) solana.Instruction {
	data := make([]byte, 9)
	data[0] = 3 // SetComputeUnitPrice discriminator
	for i := 0; i < 8; i++ {
		data[i+1] = byte(microlamports >> (8 * i))
	}

	return solana.NewInstruction(
		ComputeBudgetProgramID,
		solana.AccountMetaSlice{},
		data,
	)
}

// DeriveAssociatedTokenAddress derives an Associated Token Account (ATA) address.
func DeriveAssociatedTokenAddress(owner, mint solana.PublicKey) (solana.PublicKey, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive ATA: %w", err)
	}
	return ata, nil
}

// BuildCreateIdempotentATAInstruction creates an idempotent Associated Token
// Account creation instruction. Unlike the standard Create instruction
// (index 0), CreateIdempotent (index 1) succeeds even if the account already
// exists, so it is safe in transactions where the destination ATA may or may
// not exist yet. The payer sponsors the rent-exempt balance when creation is
// needed.
func BuildCreateIdempotentATAInstruction(payer, owner, mint solana.PublicKey) (solana.Instruction, error) {
	ata, err := DeriveAssociatedTokenAddress(owner, mint)
	if err != nil {
		return nil, err
	}

	accounts := solana.AccountMetaSlice{
		{PublicKey: payer, IsSigner: true, IsWritable: true},
		{PublicKey: ata, IsSigner: false, IsWritable: true},
		{PublicKey: owner, IsSigner: false, IsWritable: false},
		{PublicKey: mint, IsSigner: false, IsWritable: false},
		{PublicKey: solana.SystemProgramID, IsSigner: false, IsWritable: false},
		{PublicKey: solana.TokenProgramID, IsSigner: false, IsWritable: false},
	}

	// Instruction data is just [1] for CreateIdempotent (instruction index 1)
	data := []byte{1}

	return solana.NewInstruction(
		solana.SPLAssociatedTokenAccountProgramID,
		accounts,
		data,
	), nil
}

// DecodeBase64Transaction decodes a base64-encoded serialized transaction.
func DecodeBase64Transaction(encoded string) (*solana.Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 transaction: %w", err)
	}

	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize transaction: %w", err)
	}
	return tx, nil
}

// FeePayer returns the transaction's declared fee payer: the first required
// signer account.
func FeePayer(tx *solana.Transaction) (solana.PublicKey, error) {
	if len(tx.Message.AccountKeys) == 0 || tx.Message.Header.NumRequiredSignatures == 0 {
		return solana.PublicKey{}, fmt.Errorf("transaction has no fee payer")
	}
	return tx.Message.AccountKeys[0], nil
}

// TransferChecked describes a decoded SPL TransferChecked instruction.
type TransferChecked struct {
	Source      solana.PublicKey
	Mint        solana.PublicKey
	Destination solana.PublicKey
	Owner       solana.PublicKey
	Amount      uint64
	Decimals    uint8
}

// ExtractTransferChecked finds and decodes the single SPL TransferChecked
// instruction in the transaction. Returns an error if none or more than one
// is present, so a payment transaction cannot smuggle extra transfers.
func ExtractTransferChecked(tx *solana.Transaction) (*TransferChecked, error) {
	keys := tx.Message.AccountKeys
	var found *TransferChecked

	for _, ix := range tx.Message.Instructions {
		if int(ix.ProgramIDIndex) >= len(keys) {
			return nil, fmt.Errorf("instruction program index out of range")
		}
		if !keys[ix.ProgramIDIndex].Equals(solana.TokenProgramID) {
			continue
		}
		if len(ix.Data) == 0 || ix.Data[0] != transferCheckedDiscriminator {
			return nil, fmt.Errorf("unexpected token program instruction: %v", ix.Data)
		}
		if found != nil {
			return nil, fmt.Errorf("multiple transfer instructions in transaction")
		}
		if len(ix.Data) < 10 {
			return nil, fmt.Errorf("truncated TransferChecked data")
		}
		if len(ix.Accounts) < 4 {
			return nil, fmt.Errorf("TransferChecked missing accounts")
		}

		accounts := make([]solana.PublicKey, 4)
		for i := 0; i < 4; i++ {
			idx := ix.Accounts[i]
			if int(idx) >= len(keys) {
				return nil, fmt.Errorf("instruction account index out of range")
			}
			accounts[i] = keys[idx]
		}

		var amount uint64
		for i := 0; i < 8; i++ {
			amount |= uint64(ix.Data[1+i]) << (8 * i)
		}

		found = &TransferChecked{
			Source:      accounts[0],
			Mint:        accounts[1],
			Destination: accounts[2],
			Owner:       accounts[3],
			Amount:      amount,
			Decimals:    ix.Data[9],
		}
	}

	if found == nil {
		return nil, fmt.Errorf("no TransferChecked instruction in transaction")
	}
	return found, nil
}

// VerifySignerSignature checks that the given account is a required signer of
// the transaction and that its ed25519 signature over the message is valid.
func VerifySignerSignature(tx *solana.Transaction, signer solana.PublicKey) error {
	numSigners := int(tx.Message.Header.NumRequiredSignatures)
	if numSigners > len(tx.Message.AccountKeys) {
		return fmt.Errorf("malformed message header")
	}

	index := -1
	for i := 0; i < numSigners; i++ {
		if tx.Message.AccountKeys[i].Equals(signer) {
			index = i
			break
		}
	}
	if index < 0 {
		return fmt.Errorf("account %s is not a required signer", signer)
	}
	if index >= len(tx.Signatures) {
		return fmt.Errorf("missing signature slot for %s", signer)
	}

	sig := tx.Signatures[index]
	if sig.IsZero() {
		return fmt.Errorf("signature slot for %s is empty", signer)
	}

	msgData, err := tx.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to serialize message: %w", err)
	}

	if !ed25519.Verify(ed25519.PublicKey(signer[:]), msgData, sig[:]) {
		return fmt.Errorf("invalid signature for %s", signer)
	}
	return nil
}
