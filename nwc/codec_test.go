package nwc

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestEncodeRequest(t *testing.T) {
	out, err := encodeRequest(methodPayInvoice, payInvoiceParams{Invoice: "lnbc1..."})
	if err != nil {
		t.Fatalf("encodeRequest: %v", err)
	}
	var env struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal([]byte(out), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Method != methodPayInvoice {
		t.Errorf("method = %q", env.Method)
	}
	var params payInvoiceParams
	if err := json.Unmarshal(env.Params, &params); err != nil {
		t.Fatalf("params: %v", err)
	}
	if params.Invoice != "lnbc1..." {
		t.Errorf("invoice = %q", params.Invoice)
	}
}

func TestEncodeRequestNilParams(t *testing.T) {
	out, err := encodeRequest(methodGetBalance, nil)
	if err != nil {
		t.Fatalf("encodeRequest: %v", err)
	}
	// Wallets expect a params object, not null.
	if out != `{"method":"get_balance","params":{}}` {
		t.Errorf("encoded = %s", out)
	}
}

func TestParseResponse(t *testing.T) {
	resp, err := parseResponse(`{"result_type":"get_balance","result":{"balance":1234}}`, methodGetBalance)
	if err != nil {
		t.Fatalf("parseResponse: %v", err)
	}
	var result getBalanceResult
	if err := decodeResult(resp, &result); err != nil {
		t.Fatalf("decodeResult: %v", err)
	}
	if result.Balance != 1234 {
		t.Errorf("balance = %d", result.Balance)
	}
}

func TestParseResponseWrongResultType(t *testing.T) {
	_, err := parseResponse(`{"result_type":"make_invoice","result":{}}`, methodGetBalance)
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Errorf("err = %v, want ProtocolError", err)
	}
}

func TestParseResponseErrorEnvelope(t *testing.T) {
	// Some wallets omit or mangle result_type on errors; the error envelope
	// alone is authoritative.
	resp, err := parseResponse(`{"result_type":"","error":{"code":"INSUFFICIENT_BALANCE","message":"broke"}}`, methodPayInvoice)
	if err != nil {
		t.Fatalf("parseResponse: %v", err)
	}
	err = decodeResult(resp, &payInvoiceResult{})
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("err = %v, want RemoteError", err)
	}
	if re.Code != CodeInsufficientBalance || re.Message != "broke" {
		t.Errorf("remote error = %+v", re)
	}
}

func TestParseResponseGarbage(t *testing.T) {
	if _, err := parseResponse("not json", methodGetInfo); err == nil {
		t.Error("garbage accepted")
	}
}

func TestDecodeNotification(t *testing.T) {
	plaintext := `{"notification_type":"payment_received","notification":{"type":"incoming","payment_hash":"abcd","amount":5000,"settled_at":1700000000}}`
	kind, record, err := decodeNotification(plaintext)
	if err != nil {
		t.Fatalf("decodeNotification: %v", err)
	}
	if kind != notificationPaymentReceived {
		t.Errorf("kind = %q", kind)
	}
	if record.PaymentHash != "abcd" || record.Amount != 5000 || record.SettledAt != 1700000000 {
		t.Errorf("record = %+v", record)
	}
}

func TestDecodeNotificationMalformed(t *testing.T) {
	for _, plaintext := range []string{"", "not json", `{"notification_type":"x","notification":"not-an-object"}`} {
		if _, _, err := decodeNotification(plaintext); err == nil {
			t.Errorf("decodeNotification(%q) accepted", plaintext)
		}
	}
}

func TestMissingCapabilities(t *testing.T) {
	have := []string{"get_info", "get_balance", "pay_invoice"}
	missing := missingCapabilities(have, requiredMethods)
	want := map[string]bool{
		methodMakeInvoice:      true,
		methodLookupInvoice:    true,
		methodListTransactions: true,
	}
	if len(missing) != len(want) {
		t.Fatalf("missing = %v", missing)
	}
	for _, m := range missing {
		if !want[m] {
			t.Errorf("unexpected missing method %q", m)
		}
	}

	if got := missingCapabilities(requiredMethods, requiredMethods); got != nil {
		t.Errorf("complete set reported missing %v", got)
	}
}
