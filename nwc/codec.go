package nwc

import (
	"encoding/json"
	"fmt"
)

// Method names of the wallet-control protocol. The backend requires all
// six at construction time.
const (
	methodPayInvoice       = "pay_invoice"
	methodGetBalance       = "get_balance"
	methodMakeInvoice      = "make_invoice"
	methodLookupInvoice    = "lookup_invoice"
	methodListTransactions = "list_transactions"
	methodGetInfo          = "get_info"
)

var requiredMethods = []string{
	methodPayInvoice,
	methodGetBalance,
	methodMakeInvoice,
	methodLookupInvoice,
	methodListTransactions,
	methodGetInfo,
}

const notificationPaymentReceived = "payment_received"

// walletRequest is the plaintext request envelope, tagged by method.
type walletRequest struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

// walletResponse is the plaintext response envelope. Exactly one of Result
// and Error is meaningful.
type walletResponse struct {
	ResultType string          `json:"result_type"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *walletError    `json:"error,omitempty"`
}

type walletError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Request/response bodies per method.

type payInvoiceParams struct {
	Invoice string `json:"invoice"`
	// Amount overrides for amountless invoices, millisatoshis.
	Amount uint64 `json:"amount,omitempty"`
}

type payInvoiceResult struct {
	Preimage string  `json:"preimage"`
	FeesPaid *uint64 `json:"fees_paid,omitempty"`
}

type getBalanceResult struct {
	Balance uint64 `json:"balance"` // millisatoshis
}

type makeInvoiceParams struct {
	Amount      uint64 `json:"amount"` // millisatoshis
	Description string `json:"description,omitempty"`
	Expiry      uint64 `json:"expiry,omitempty"` // seconds
}

type makeInvoiceResult struct {
	Invoice     string `json:"invoice"`
	PaymentHash string `json:"payment_hash"`
	ExpiresAt   int64  `json:"expires_at,omitempty"`
}

type lookupInvoiceParams struct {
	PaymentHash string `json:"payment_hash,omitempty"`
	Invoice     string `json:"invoice,omitempty"`
}

// transactionRecord is shared by lookup_invoice, list_transactions and the
// settlement notification payload.
type transactionRecord struct {
	Type            string `json:"type"`
	Invoice         string `json:"invoice,omitempty"`
	Description     string `json:"description,omitempty"`
	DescriptionHash string `json:"description_hash,omitempty"`
	Preimage        string `json:"preimage,omitempty"`
	PaymentHash     string `json:"payment_hash"`
	Amount          uint64 `json:"amount"` // millisatoshis
	FeesPaid        uint64 `json:"fees_paid,omitempty"`
	CreatedAt       int64  `json:"created_at"`
	ExpiresAt       int64  `json:"expires_at,omitempty"`
	SettledAt       int64  `json:"settled_at,omitempty"`
}

type listTransactionsParams struct {
	From   int64  `json:"from,omitempty"`
	Until  int64  `json:"until,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Unpaid bool   `json:"unpaid,omitempty"`
	Type   string `json:"type,omitempty"`
}

type listTransactionsResult struct {
	Transactions []transactionRecord `json:"transactions"`
}

type getInfoResult struct {
	Alias         string   `json:"alias"`
	Color         string   `json:"color,omitempty"`
	Pubkey        string   `json:"pubkey,omitempty"`
	Network       string   `json:"network,omitempty"`
	BlockHeight   uint64   `json:"block_height,omitempty"`
	Methods       []string `json:"methods"`
	Notifications []string `json:"notifications"`
}

// notificationEnvelope is the plaintext of a settlement notification event.
type notificationEnvelope struct {
	Type         string          `json:"notification_type"`
	Notification json.RawMessage `json:"notification"`
}

// encodeRequest marshals the tagged request envelope for a method.
func encodeRequest(method string, params any) (string, error) {
	if params == nil {
		params = struct{}{}
	}
	body, err := json.Marshal(walletRequest{Method: method, Params: params})
	if err != nil {
		return "", fmt.Errorf("encode %s request: %w", method, err)
	}
	return string(body), nil
}

// parseResponse validates a decrypted response envelope against the method
// the pending request was sent with. A mismatched result_type means the
// event cannot answer this request: the caller must treat it as if it never
// arrived, leaving the request to its own timeout.
func parseResponse(plaintext, method string) (*walletResponse, error) {
	var resp walletResponse
	if err := json.Unmarshal([]byte(plaintext), &resp); err != nil {
		return nil, &ProtocolError{Reason: "unparseable response", Err: err}
	}
	if resp.Error == nil && resp.ResultType != method {
		return nil, &ProtocolError{Reason: fmt.Sprintf("result_type %q for %s request", resp.ResultType, method)}
	}
	return &resp, nil
}

// decodeResult unwraps a validated response: a wallet-reported error
// becomes a RemoteError, otherwise the result body is unmarshaled into out.
func decodeResult(resp *walletResponse, out any) error {
	if resp.Error != nil {
		return &RemoteError{Code: resp.Error.Code, Message: resp.Error.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return &ProtocolError{Reason: "unparseable result", Err: err}
	}
	return nil
}

// decodeNotification parses a decrypted notification payload.
func decodeNotification(plaintext string) (string, *transactionRecord, error) {
	var env notificationEnvelope
	if err := json.Unmarshal([]byte(plaintext), &env); err != nil {
		return "", nil, &ProtocolError{Reason: "unparseable notification", Err: err}
	}
	var record transactionRecord
	if err := json.Unmarshal(env.Notification, &record); err != nil {
		return "", nil, &ProtocolError{Reason: "unparseable notification body", Err: err}
	}
	return env.Type, &record, nil
}

func missingCapabilities(have []string, required []string) []string {
	set := make(map[string]bool, len(have))
	for _, m := range have {
		set[m] = true
	}
	var missing []string
	for _, m := range required {
		if !set[m] {
			missing = append(missing, m)
		}
	}
	return missing
}
