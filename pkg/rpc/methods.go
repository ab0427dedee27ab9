package rpc

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"strconv"

	"github.com/mr-tron/base58"
	"github.com/pkg/errors"

	"github.com/code-payments/escrow-server/pkg/bank"
	"github.com/code-payments/escrow-server/pkg/ledger"
	"github.com/code-payments/escrow-server/pkg/solana"
	escrowprogram "github.com/code-payments/escrow-server/pkg/solana/escrow"
	"github.com/code-payments/escrow-server/pkg/solana/token"
)

const (
	encodingBase58 = "base58"
	encodingBase64 = "base64"

	confirmationStatusFinalized = "finalized"

	maxSignatureStatuses = 256
)

type contextValue struct {
	Slot uint64 `json:"slot"`
}

type contextResult struct {
	Context contextValue `json:"context"`
	Value   interface{}  `json:"value"`
}

type accountInfo struct {
	Lamports   uint64    `json:"lamports"`
	Owner      string    `json:"owner"`
	Data       [2]string `json:"data"`
	Executable bool      `json:"executable"`
	RentEpoch  uint64    `json:"rentEpoch"`
}

type encodingConfig struct {
	Encoding   string `json:"encoding"`
	Commitment string `json:"commitment"`
}

type signatureStatus struct {
	Slot               uint64      `json:"slot"`
	Confirmations      *int        `json:"confirmations"`
	ConfirmationStatus string      `json:"confirmationStatus"`
	Err                interface{} `json:"err"`
	Status             interface{} `json:"status"`
}

type escrowInfo struct {
	IsInitialized             bool   `json:"isInitialized"`
	Initializer               string `json:"initializer"`
	TempTokenAccount          string `json:"tempTokenAccount"`
	InitializerTokenToReceive string `json:"initializerTokenToReceive"`
	ExpectedAmount            uint64 `json:"expectedAmount"`
}

func (s *Server) withContext(ctx context.Context, value interface{}) (interface{}, error) {
	slot, err := s.bank.Slot(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failure getting slot")
	}
	return &contextResult{Context: contextValue{Slot: slot}, Value: value}, nil
}

func (s *Server) getAccountInfo(ctx context.Context, params []json.RawMessage) (interface{}, error) {
	address, err := addressParam(params, 0)
	if err != nil {
		return nil, err
	}

	var config encodingConfig
	if err := optionalParam(params, 1, &config); err != nil {
		return nil, err
	}
	if len(config.Encoding) > 0 && config.Encoding != encodingBase64 {
		return nil, invalidParams("unsupported encoding: %s", config.Encoding)
	}

	account, err := s.bank.GetAccount(ctx, address)
	if err == ledger.ErrAccountNotFound {
		return s.withContext(ctx, nil)
	} else if err != nil {
		return nil, errors.Wrap(err, "failure getting account")
	}

	return s.withContext(ctx, &accountInfo{
		Lamports:   account.Lamports,
		Owner:      base58.Encode(account.Owner),
		Data:       [2]string{base64.StdEncoding.EncodeToString(account.Data), encodingBase64},
		Executable: account.Executable,
	})
}

func (s *Server) getBalance(ctx context.Context, params []json.RawMessage) (interface{}, error) {
	address, err := addressParam(params, 0)
	if err != nil {
		return nil, err
	}

	balance, err := s.bank.GetBalance(ctx, address)
	if err != nil {
		return nil, errors.Wrap(err, "failure getting balance")
	}
	return s.withContext(ctx, balance)
}

func (s *Server) getMinimumBalanceForRentExemption(_ context.Context, params []json.RawMessage) (interface{}, error) {
	var size uint64
	if err := requiredParam(params, 0, &size); err != nil {
		return nil, err
	}
	return s.bank.MinimumBalance(size), nil
}

func (s *Server) getLatestBlockhash(ctx context.Context, _ []json.RawMessage) (interface{}, error) {
	blockhash, lastValid, err := s.bank.LatestBlockhash(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failure getting blockhash")
	}

	return s.withContext(ctx, map[string]interface{}{
		"blockhash":            blockhash.String(),
		"lastValidBlockHeight": lastValid,
	})
}

func (s *Server) getSlot(ctx context.Context, _ []json.RawMessage) (interface{}, error) {
	slot, err := s.bank.Slot(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failure getting slot")
	}
	return slot, nil
}

func (s *Server) getTokenAccountBalance(ctx context.Context, params []json.RawMessage) (interface{}, error) {
	address, err := addressParam(params, 0)
	if err != nil {
		return nil, err
	}

	account, err := s.bank.GetAccount(ctx, address)
	if err == ledger.ErrAccountNotFound {
		return nil, invalidParams("Invalid param: could not find account")
	} else if err != nil {
		return nil, errors.Wrap(err, "failure getting account")
	}

	var tokenAccount token.Account
	if !bytes.Equal(account.Owner, token.ProgramKey) || !tokenAccount.Unmarshal(account.Data) || tokenAccount.State == token.AccountStateUninitialized {
		return nil, invalidParams("Invalid param: not a Token account")
	}

	var decimals uint64
	mintAccount, err := s.bank.GetAccount(ctx, tokenAccount.Mint)
	if err == nil {
		var mint token.Mint
		if mint.Unmarshal(mintAccount.Data) {
			decimals = uint64(mint.Decimals)
		}
	} else if err != ledger.ErrAccountNotFound {
		return nil, errors.Wrap(err, "failure getting mint")
	}

	return s.withContext(ctx, &solana.TokenAmount{
		Amount:   strconv.FormatUint(tokenAccount.Amount, 10),
		Decimals: decimals,
	})
}

func (s *Server) getSignatureStatuses(ctx context.Context, params []json.RawMessage) (interface{}, error) {
	var encoded []string
	if err := requiredParam(params, 0, &encoded); err != nil {
		return nil, err
	}
	if len(encoded) > maxSignatureStatuses {
		return nil, invalidParams("too many signatures: %d > %d", len(encoded), maxSignatureStatuses)
	}

	sigs := make([]solana.Signature, len(encoded))
	for i, e := range encoded {
		decoded, err := base58.Decode(e)
		if err != nil || len(decoded) != len(sigs[i]) {
			return nil, invalidParams("invalid signature: %s", e)
		}
		copy(sigs[i][:], decoded)
	}

	statuses := s.bank.GetSignatureStatuses(sigs)
	values := make([]*signatureStatus, len(statuses))
	for i, status := range statuses {
		if status == nil {
			continue
		}

		values[i] = &signatureStatus{
			Slot:               status.Slot,
			ConfirmationStatus: confirmationStatusFinalized,
			Status:             map[string]interface{}{"Ok": nil},
		}
		if status.Err != nil {
			values[i].Err = status.Err.Raw()
			values[i].Status = map[string]interface{}{"Err": status.Err.Raw()}
		}
	}

	return s.withContext(ctx, values)
}

func (s *Server) sendTransaction(ctx context.Context, params []json.RawMessage) (interface{}, error) {
	var encoded string
	if err := requiredParam(params, 0, &encoded); err != nil {
		return nil, err
	}

	var config encodingConfig
	if err := optionalParam(params, 1, &config); err != nil {
		return nil, err
	}

	var raw []byte
	var err error
	switch config.Encoding {
	case "", encodingBase58:
		raw, err = base58.Decode(encoded)
	case encodingBase64:
		raw, err = base64.StdEncoding.DecodeString(encoded)
	default:
		return nil, invalidParams("unsupported encoding: %s", config.Encoding)
	}
	if err != nil {
		return nil, invalidParams("invalid %s encoded transaction", config.Encoding)
	}

	var tx solana.Transaction
	if err := tx.Unmarshal(raw); err != nil {
		return nil, invalidParams("failed to deserialize transaction: %v", err)
	}

	sig, err := s.bank.ProcessTransaction(ctx, &tx)
	if err != nil {
		var txErr *solana.TransactionError
		if errors.As(err, &txErr) {
			return nil, transactionFailure(txErr)
		}
		return nil, err
	}

	return sig.String(), nil
}

func (s *Server) requestAirdrop(ctx context.Context, params []json.RawMessage) (interface{}, error) {
	address, err := addressParam(params, 0)
	if err != nil {
		return nil, err
	}

	var lamports uint64
	if err := requiredParam(params, 1, &lamports); err != nil {
		return nil, err
	}

	sig, err := s.bank.RequestAirdrop(ctx, address, lamports)
	switch {
	case err == nil:
		return sig.String(), nil
	case err == bank.ErrFaucetDisabled:
		return nil, newError(methodNotFoundCode, "airdrops are disabled", nil)
	case err == bank.ErrAirdropTooLarge:
		return nil, invalidParams("airdrop request exceeds the limit")
	}

	var txErr *solana.TransactionError
	if errors.As(err, &txErr) {
		return nil, transactionFailure(txErr)
	}
	return nil, err
}

func (s *Server) getEscrow(ctx context.Context, params []json.RawMessage) (interface{}, error) {
	address, err := addressParam(params, 0)
	if err != nil {
		return nil, err
	}

	account, err := s.bank.GetAccount(ctx, address)
	if err == ledger.ErrAccountNotFound {
		return s.withContext(ctx, nil)
	} else if err != nil {
		return nil, errors.Wrap(err, "failure getting account")
	}

	if !bytes.Equal(account.Owner, escrowprogram.PROGRAM_ID) {
		return nil, invalidParams("Invalid param: not an escrow account")
	}

	var entry escrowprogram.EscrowAccount
	if err := entry.Unmarshal(account.Data); err != nil {
		return nil, invalidParams("Invalid param: not an escrow account")
	}

	return s.withContext(ctx, &escrowInfo{
		IsInitialized:             entry.IsInitialized,
		Initializer:               base58.Encode(entry.Initializer),
		TempTokenAccount:          base58.Encode(entry.TempTokenAccount),
		InitializerTokenToReceive: base58.Encode(entry.InitializerTokenToReceive),
		ExpectedAmount:            entry.ExpectedAmount,
	})
}

func (s *Server) getEscrowAuthority(_ context.Context, _ []json.RawMessage) (interface{}, error) {
	address, bump, err := escrowprogram.GetAuthorityAddress(escrowprogram.PROGRAM_ID)
	if err != nil {
		return nil, errors.Wrap(err, "failure deriving authority")
	}

	return map[string]interface{}{
		"address": base58.Encode(address),
		"bump":    bump,
	}, nil
}

func requiredParam(params []json.RawMessage, index int, out interface{}) error {
	if index >= len(params) {
		return invalidParams("missing param at index %d", index)
	}
	if err := json.Unmarshal(params[index], out); err != nil {
		return invalidParams("invalid param at index %d: %v", index, err)
	}
	return nil
}

func optionalParam(params []json.RawMessage, index int, out interface{}) error {
	if index >= len(params) || bytes.Equal(bytes.TrimSpace(params[index]), []byte("null")) {
		return nil
	}
	return requiredParam(params, index, out)
}

func addressParam(params []json.RawMessage, index int) (ed25519.PublicKey, error) {
	var encoded string
	if err := requiredParam(params, index, &encoded); err != nil {
		return nil, err
	}

	decoded, err := base58.Decode(encoded)
	if err != nil || len(decoded) != ed25519.PublicKeySize {
		return nil, invalidParams("Invalid param: %s", encoded)
	}
	return decoded, nil
}
