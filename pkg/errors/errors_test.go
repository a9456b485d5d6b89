package errors

import (
	"net/http"
	"testing"
)

func TestNewError(t *testing.T) {
	err := New(CodeInvalidQuantity, "quantity must be positive")

	if err.Code != CodeInvalidQuantity {
		t.Fatalf("expected code INVALID_QUANTITY, got %s", err.Code)
	}
	if err.Retryable {
		t.Fatal("validation errors should not be retryable")
	}
	if err.Error() != "[INVALID_QUANTITY] quantity must be positive" {
		t.Fatalf("unexpected error string: %s", err.Error())
	}
}

func TestNewfFormats(t *testing.T) {
	err := Newf(CodeInstrumentNotFound, "instrument %s not found", "EUA-2026")
	if err.Message != "instrument EUA-2026 not found" {
		t.Fatalf("unexpected message: %s", err.Message)
	}
}

func TestRetryableCodes(t *testing.T) {
	if !New(CodeComplianceTimeout, "").Retryable {
		t.Fatal("COMPLIANCE_TIMEOUT should be retryable")
	}
	if !New(CodeSystemBusy, "").Retryable {
		t.Fatal("SYSTEM_BUSY should be retryable")
	}
	if New(CodeRiskLimitExceeded, "").Retryable {
		t.Fatal("RISK_LIMIT_EXCEEDED should not be retryable")
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		code Code
		want int
	}{
		{CodeOK, http.StatusOK},
		{CodeInvalidQuantity, http.StatusBadRequest},
		{CodeComplianceRejected, http.StatusForbidden},
		{CodeRiskLimitExceeded, http.StatusForbidden},
		{CodeOrderNotFound, http.StatusNotFound},
		{CodeDuplicateClientOrderID, http.StatusConflict},
		{CodeInsufficientLiquidity, http.StatusUnprocessableEntity},
		{CodeEngineHalted, http.StatusServiceUnavailable},
		{CodeComplianceTimeout, http.StatusGatewayTimeout},
		{Code("SOMETHING_ELSE"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		err := New(tc.code, "x")
		if got := err.HTTPStatus(); got != tc.want {
			t.Errorf("%s: expected %d, got %d", tc.code, tc.want, got)
		}
	}
}

func TestCodeOf(t *testing.T) {
	if CodeOf(nil) != CodeOK {
		t.Fatal("nil error should map to OK")
	}
	if CodeOf(New(CodeMarketClosed, "closed")) != CodeMarketClosed {
		t.Fatal("expected MARKET_CLOSED")
	}
	if CodeOf(http.ErrServerClosed) != CodeUnknown {
		t.Fatal("plain errors should map to UNKNOWN")
	}
}

func TestWithRequestID(t *testing.T) {
	err := New(CodeInternal, "boom").WithRequestID("req-1")
	if err.RequestID != "req-1" {
		t.Fatalf("expected request id to be set, got %q", err.RequestID)
	}
}
