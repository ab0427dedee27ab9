package solana

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/ybbus/jsonrpc"

	"github.com/code-payments/escrow-server/pkg/retry"
	"github.com/code-payments/escrow-server/pkg/retry/backoff"
)

const (
	// PollRate is the interval between signature status polls.
	PollRate = 250 * time.Millisecond

	statusPollLimit = 64

	blockhashCacheWindow = 400 * time.Millisecond

	// SendTransactionPreflightFailureCode is returned by sendTransaction when
	// the transaction failed to execute. The error data carries the
	// transaction error under "err".
	SendTransactionPreflightFailureCode = -32002

	// InvalidParamCode is the JSON-RPC code for malformed or unknown params.
	InvalidParamCode = -32602

	nodeUnhealthyCode = -32005
)

type Commitment struct {
	Commitment string `json:"commitment"`
}

const (
	confirmationStatusProcessed = "processed"
	confirmationStatusConfirmed = "confirmed"
	confirmationStatusFinalized = "finalized"
)

var (
	CommitmentProcessed = Commitment{Commitment: confirmationStatusProcessed}
	CommitmentConfirmed = Commitment{Commitment: confirmationStatusConfirmed}
	CommitmentFinalized = Commitment{Commitment: confirmationStatusFinalized}
)

var (
	ErrNoAccountInfo     = errors.New("no account info")
	ErrSignatureNotFound = errors.New("signature not found")
	ErrNoBalance         = errors.New("no balance")

	errRetriable    = errors.New("retriable rpc failure")
	errNotConfirmed = errors.New("commitment not reached")
)

// AccountInfo is an account as returned by getAccountInfo.
type AccountInfo struct {
	Data       []byte
	Owner      ed25519.PublicKey
	Lamports   uint64
	Executable bool
}

type SignatureStatus struct {
	Slot        uint64
	ErrorResult *TransactionError

	// Nil once the transaction is rooted.
	Confirmations      *int
	ConfirmationStatus string
}

// Confirmed reports whether the status meets the confirmed commitment.
func (s SignatureStatus) Confirmed() bool {
	switch {
	case s.Finalized():
		return true
	case s.ConfirmationStatus == confirmationStatusConfirmed:
		return true
	default:
		return *s.Confirmations > 0
	}
}

// Finalized reports whether the status meets the finalized commitment.
func (s SignatureStatus) Finalized() bool {
	return s.Confirmations == nil || s.ConfirmationStatus == confirmationStatusFinalized
}

func (s SignatureStatus) meets(commitment Commitment) bool {
	switch commitment {
	case CommitmentFinalized:
		return s.Finalized()
	case CommitmentConfirmed:
		return s.Confirmed()
	default:
		return true
	}
}

type TokenAmount struct {
	Amount   string `json:"amount"`
	Decimals uint64 `json:"decimals"`
}

// ClusterNode is an entry of getClusterNodes.
type ClusterNode struct {
	Pubkey  string  `json:"pubkey"`
	Gossip  *string `json:"gossip"`
	TPU     *string `json:"tpu"`
	RPC     string  `json:"rpc"`
	Version string  `json:"version"`
}

// Client calls a node's JSON-RPC API.
type Client interface {
	GetAccountInfo(ed25519.PublicKey, Commitment) (AccountInfo, error)
	GetBalance(ed25519.PublicKey) (uint64, error)
	GetMinimumBalanceForRentExemption(size uint64) (lamports uint64, err error)
	GetLatestBlockhash() (Blockhash, error)
	GetSignatureStatus(Signature, Commitment) (*SignatureStatus, error)
	GetSignatureStatuses([]Signature) ([]*SignatureStatus, error)
	GetSlot(Commitment) (uint64, error)
	GetTokenAccountBalance(ed25519.PublicKey) (amount uint64, slot uint64, err error)
	RequestAirdrop(ed25519.PublicKey, uint64, Commitment) (Signature, error)
	SubmitTransaction(Transaction, Commitment) (Signature, error)

	GetClusterNodes() ([]ClusterNode, error)
	GetIdentity() (ed25519.PublicKey, error)
	GetVersion() (string, error)
	GetHealth() error
}

// withSlot is the envelope of methods that report the slot they were served
// at.
type withSlot[T any] struct {
	Context struct {
		Slot uint64 `json:"slot"`
	} `json:"context"`
	Value T `json:"value"`
}

type blockhashCache struct {
	sync.RWMutex
	hash    Blockhash
	fetched time.Time
}

// get returns the cached hash if it is younger than a jittered window, so
// goroutines sharing a client don't all refresh at once.
func (c *blockhashCache) get() (Blockhash, bool) {
	window := time.Duration(float64(blockhashCacheWindow) * (0.8 + 0.4*rand.Float64()))

	c.RLock()
	defer c.RUnlock()
	if c.hash == (Blockhash{}) || time.Since(c.fetched) >= window {
		return Blockhash{}, false
	}
	return c.hash, true
}

func (c *blockhashCache) set(hash Blockhash) {
	c.Lock()
	c.hash = hash
	c.fetched = time.Now()
	c.Unlock()
}

type client struct {
	log       *logrus.Entry
	rpc       jsonrpc.RPCClient
	retrier   retry.Retrier
	blockhash blockhashCache
}

// New returns a client for the node at endpoint.
func New(endpoint string) Client {
	return NewWithRPCOptions(endpoint, nil)
}

// NewWithRPCOptions returns a client for the node at endpoint using the
// provided transport options.
func NewWithRPCOptions(endpoint string, opts *jsonrpc.RPCClientOpts) Client {
	return &client{
		log: logrus.StandardLogger().WithField("type", "solana/client"),
		rpc: jsonrpc.NewClientWithOpts(endpoint, opts),
		retrier: retry.NewRetrier(
			retry.RetriableErrors(errRetriable),
			retry.Limit(3),
			retry.BackoffWithJitter(backoff.BinaryExponential(100*time.Millisecond), 2*time.Second, 0.1),
		),
	}
}

// call invokes method, retrying rate limited and unhealthy responses. The
// returned error is the last transport or RPC error, unwrapped.
func (c *client) call(out interface{}, method string, params ...interface{}) error {
	var last error
	_, err := c.retrier.Retry(func() error {
		last = c.rpc.CallFor(out, method, params...)
		if last != nil && c.retriable(method, last) {
			return errRetriable
		}
		return last
	})
	if err == errRetriable {
		return last
	}
	return err
}

func (c *client) retriable(method string, err error) bool {
	code := 0
	var httpErr *jsonrpc.HTTPError
	if rpcErr, ok := err.(*jsonrpc.RPCError); ok {
		code = rpcErr.Code
	} else if errors.As(err, &httpErr) {
		code = httpErr.Code
	}

	switch {
	case code == http.StatusTooManyRequests:
		c.log.WithField("method", method).Warn("rate limited")
		return true
	case code >= http.StatusInternalServerError, code == nodeUnhealthyCode:
		return true
	default:
		return false
	}
}

// transactionError extracts the transaction error carried by a failed
// sendTransaction or requestAirdrop, if any.
func transactionError(err error) *TransactionError {
	rpcErr, ok := err.(*jsonrpc.RPCError)
	if !ok {
		return nil
	}
	txErr, parseErr := ParseRPCError(rpcErr)
	if parseErr != nil {
		return nil
	}
	return txErr
}

func isInvalidParam(err error) bool {
	rpcErr, ok := err.(*jsonrpc.RPCError)
	return ok && rpcErr.Code == InvalidParamCode
}

func decodeSignature(encoded string) (sig Signature, err error) {
	raw, err := base58.Decode(encoded)
	if err != nil {
		return sig, errors.Wrap(err, "invalid base58 signature")
	}
	if len(raw) != len(sig) {
		return sig, errors.Errorf("invalid signature length: %d", len(raw))
	}
	copy(sig[:], raw)
	return sig, nil
}

func (c *client) GetMinimumBalanceForRentExemption(size uint64) (uint64, error) {
	var lamports uint64
	if err := c.call(&lamports, "getMinimumBalanceForRentExemption", size); err != nil {
		return 0, errors.Wrap(err, "getMinimumBalanceForRentExemption() failed")
	}
	return lamports, nil
}

func (c *client) GetSlot(commitment Commitment) (uint64, error) {
	var slot uint64
	// Params are positional, so a lone config object must be wrapped.
	if err := c.call(&slot, "getSlot", []interface{}{commitment}); err != nil {
		return 0, errors.Wrap(err, "getSlot() failed")
	}
	return slot, nil
}

func (c *client) GetLatestBlockhash() (Blockhash, error) {
	if hash, ok := c.blockhash.get(); ok {
		return hash, nil
	}

	var resp withSlot[struct {
		Blockhash string `json:"blockhash"`
	}]
	if err := c.call(&resp, "getLatestBlockhash"); err != nil {
		return Blockhash{}, errors.Wrap(err, "getLatestBlockhash() failed")
	}

	var hash Blockhash
	raw, err := base58.Decode(resp.Value.Blockhash)
	if err != nil {
		return hash, errors.Wrap(err, "invalid base58 blockhash")
	}
	if len(raw) != len(hash) {
		return hash, errors.Errorf("invalid blockhash length: %d", len(raw))
	}
	copy(hash[:], raw)

	c.blockhash.set(hash)
	return hash, nil
}

func (c *client) GetBalance(account ed25519.PublicKey) (uint64, error) {
	var resp withSlot[uint64]
	err := c.call(&resp, "getBalance", base58.Encode(account), CommitmentProcessed)
	if isInvalidParam(err) {
		return 0, ErrNoBalance
	} else if err != nil {
		return 0, errors.Wrap(err, "getBalance() failed")
	}
	return resp.Value, nil
}

func (c *client) GetTokenAccountBalance(account ed25519.PublicKey) (uint64, uint64, error) {
	var resp withSlot[TokenAmount]
	err := c.call(&resp, "getTokenAccountBalance", base58.Encode(account), CommitmentFinalized)
	if isInvalidParam(err) {
		return 0, 0, ErrNoBalance
	} else if err != nil {
		return 0, 0, errors.Wrap(err, "getTokenAccountBalance() failed")
	}

	amount, err := strconv.ParseUint(resp.Value.Amount, 10, 64)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "invalid token amount %q", resp.Value.Amount)
	}
	return amount, resp.Context.Slot, nil
}

// SubmitTransaction sends txn without preflight. When the node executes and
// rejects it, the *TransactionError is returned with the signature.
func (c *client) SubmitTransaction(txn Transaction, commitment Commitment) (Signature, error) {
	sig := txn.Signature()

	opts := map[string]interface{}{
		"encoding":            "base58",
		"skipPreflight":       true,
		"preflightCommitment": commitment.Commitment,
	}

	var ignored string
	err := c.call(&ignored, "sendTransaction", base58.Encode(txn.Marshal()), opts)
	if err == nil {
		return sig, nil
	}
	if txErr := transactionError(err); txErr != nil {
		return sig, txErr
	}
	return sig, errors.Wrap(err, "sendTransaction() failed")
}

func (c *client) GetAccountInfo(account ed25519.PublicKey, commitment Commitment) (AccountInfo, error) {
	opts := map[string]interface{}{
		"commitment": commitment.Commitment,
		"encoding":   "base64",
	}

	var resp withSlot[*struct {
		Lamports   uint64   `json:"lamports"`
		Owner      string   `json:"owner"`
		Data       []string `json:"data"`
		Executable bool     `json:"executable"`
	}]
	if err := c.call(&resp, "getAccountInfo", base58.Encode(account), opts); err != nil {
		return AccountInfo{}, errors.Wrap(err, "getAccountInfo() failed")
	}

	value := resp.Value
	if value == nil {
		return AccountInfo{}, ErrNoAccountInfo
	}
	if len(value.Data) == 0 {
		return AccountInfo{}, errors.New("account data missing from response")
	}

	owner, err := base58.Decode(value.Owner)
	if err != nil {
		return AccountInfo{}, errors.Wrap(err, "invalid base58 owner")
	}
	data, err := base64.StdEncoding.DecodeString(value.Data[0])
	if err != nil {
		return AccountInfo{}, errors.Wrap(err, "invalid base64 data")
	}

	return AccountInfo{
		Data:       data,
		Owner:      owner,
		Lamports:   value.Lamports,
		Executable: value.Executable,
	}, nil
}

func (c *client) RequestAirdrop(account ed25519.PublicKey, lamports uint64, commitment Commitment) (Signature, error) {
	var encoded string
	err := c.call(&encoded, "requestAirdrop", base58.Encode(account), lamports, commitment)
	if txErr := transactionError(err); txErr != nil {
		return Signature{}, txErr
	} else if err != nil {
		return Signature{}, errors.Wrap(err, "requestAirdrop() failed")
	}

	sig, err := decodeSignature(encoded)
	if err != nil {
		return Signature{}, err
	}
	if sig == (Signature{}) {
		return Signature{}, errors.New("empty airdrop signature")
	}
	return sig, nil
}

// GetSignatureStatus polls until the signature reaches commitment or fails.
// It gives up after a fixed number of polls.
func (c *client) GetSignatureStatus(sig Signature, commitment Commitment) (*SignatureStatus, error) {
	var status *SignatureStatus
	_, err := retry.Retry(
		func() error {
			statuses, err := c.GetSignatureStatuses([]Signature{sig})
			if err != nil {
				return err
			}

			status = statuses[0]
			switch {
			case status == nil:
				return ErrSignatureNotFound
			case status.ErrorResult != nil, status.meets(commitment):
				return nil
			default:
				return errNotConfirmed
			}
		},
		retry.RetriableErrors(ErrSignatureNotFound, errNotConfirmed),
		retry.Limit(statusPollLimit),
		retry.Backoff(backoff.Constant(PollRate), PollRate),
	)
	return status, err
}

func (c *client) GetSignatureStatuses(sigs []Signature) ([]*SignatureStatus, error) {
	encoded := make([]string, len(sigs))
	for i, sig := range sigs {
		encoded[i] = base58.Encode(sig[:])
	}

	var resp withSlot[[]*struct {
		Slot               uint64          `json:"slot"`
		Confirmations      *int            `json:"confirmations"`
		ConfirmationStatus string          `json:"confirmationStatus"`
		Err                json.RawMessage `json:"err"`
	}]
	opts := map[string]bool{"searchTransactionHistory": true}
	if err := c.call(&resp, "getSignatureStatuses", encoded, opts); err != nil {
		return nil, errors.Wrap(err, "getSignatureStatuses() failed")
	}
	if len(resp.Value) > len(sigs) {
		return nil, errors.Errorf("got %d statuses for %d signatures", len(resp.Value), len(sigs))
	}

	statuses := make([]*SignatureStatus, len(sigs))
	for i, v := range resp.Value {
		if v == nil {
			continue
		}

		txErr, err := decodeStatusError(v.Err)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid status error for %s", encoded[i])
		}

		statuses[i] = &SignatureStatus{
			Slot:               v.Slot,
			ErrorResult:        txErr,
			Confirmations:      v.Confirmations,
			ConfirmationStatus: v.ConfirmationStatus,
		}
	}
	return statuses, nil
}

// decodeStatusError parses the err field of a signature status. Numbers are
// kept as json.Number so custom error codes survive.
func decodeStatusError(raw json.RawMessage) (*TransactionError, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	d := json.NewDecoder(bytes.NewReader(raw))
	d.UseNumber()

	var value interface{}
	if err := d.Decode(&value); err != nil {
		return nil, err
	}
	return ParseTransactionError(value)
}

func (c *client) GetClusterNodes() ([]ClusterNode, error) {
	var nodes []ClusterNode
	if err := c.call(&nodes, "getClusterNodes"); err != nil {
		return nil, errors.Wrap(err, "getClusterNodes() failed")
	}
	return nodes, nil
}

func (c *client) GetIdentity() (ed25519.PublicKey, error) {
	var resp struct {
		Identity string `json:"identity"`
	}
	if err := c.call(&resp, "getIdentity"); err != nil {
		return nil, errors.Wrap(err, "getIdentity() failed")
	}

	identity, err := base58.Decode(resp.Identity)
	if err != nil {
		return nil, errors.Wrap(err, "invalid base58 identity")
	}
	if len(identity) != ed25519.PublicKeySize {
		return nil, errors.Errorf("invalid identity length: %d", len(identity))
	}
	return identity, nil
}

func (c *client) GetVersion() (string, error) {
	var resp struct {
		Core string `json:"solana-core"`
	}
	if err := c.call(&resp, "getVersion"); err != nil {
		return "", errors.Wrap(err, "getVersion() failed")
	}
	return resp.Core, nil
}

// GetHealth returns nil if the node reports itself healthy.
func (c *client) GetHealth() error {
	var health string
	if err := c.call(&health, "getHealth"); err != nil {
		return errors.Wrap(err, "getHealth() failed")
	}
	if health != "ok" {
		return errors.Errorf("node unhealthy: %s", health)
	}
	return nil
}
