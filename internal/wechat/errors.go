package wechat

import "fmt"

// ErrorKind classifies gateway failures for the caller's retry policy.
type ErrorKind string

const (
	// KindTransport covers network errors and non-2xx HTTP statuses.
	KindTransport ErrorKind = "TRANSPORT"
	// KindMalformedResponse covers unparsable response bodies.
	KindMalformedResponse ErrorKind = "MALFORMED_RESPONSE"
	// KindSignatureMismatch covers response/notification signature failures.
	KindSignatureMismatch ErrorKind = "SIGNATURE_MISMATCH"
	// KindBusiness covers documented provider error codes.
	KindBusiness ErrorKind = "BUSINESS"
)

// GatewayError is the discriminated failure result of a gateway call.
// Raw holds the response body for diagnostics; it never contains the
// API key, which goes only into the signing string.
type GatewayError struct {
	Kind    ErrorKind
	Code    string
	Message string
	Raw     string
	cause   error
}

func (e *GatewayError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("wechat gateway: %s [%s]: %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("wechat gateway: %s: %s", e.Kind, e.Message)
}

func (e *GatewayError) Unwrap() error {
	return e.cause
}

// Retryable reports whether the caller may retry the call. Transport
// failures, garbage responses and SYSTEMERROR are transient; business
// rejections and signature mismatches are not.
func (e *GatewayError) Retryable() bool {
	switch e.Kind {
	case KindTransport, KindMalformedResponse:
		return true
	case KindBusiness:
		return e.Code == ErrCodeSystemError
	default:
		return false
	}
}

// Documented V2 business error codes.
const (
	ErrCodeNoAuth            = "NOAUTH"
	ErrCodeNotEnough         = "NOTENOUGH"
	ErrCodeOrderPaid         = "ORDERPAID"
	ErrCodeOrderClosed       = "ORDERCLOSED"
	ErrCodeOrderNotExist     = "ORDERNOTEXIST"
	ErrCodeSystemError       = "SYSTEMERROR"
	ErrCodeAppIDNotExist     = "APPID_NOT_EXIST"
	ErrCodeMchIDNotExist     = "MCHID_NOT_EXIST"
	ErrCodeAppIDMchIDNoMatch = "APPID_MCHID_NOT_MATCH"
	ErrCodeLackParams        = "LACK_PARAMS"
	ErrCodeOutTradeNoUsed    = "OUT_TRADE_NO_USED"
	ErrCodeSignError         = "SIGNERROR"
	ErrCodeXMLFormatError    = "XML_FORMAT_ERROR"
	ErrCodeRequirePostMethod = "REQUIRE_POST_METHOD"
	ErrCodePostDataEmpty     = "POST_DATA_EMPTY"
	ErrCodeNotUTF8           = "NOT_UTF8"
)

var errorMessages = map[string]string{
	ErrCodeNoAuth:            "merchant has no permission for this interface",
	ErrCodeNotEnough:         "insufficient balance",
	ErrCodeOrderPaid:         "order already paid",
	ErrCodeOrderClosed:       "order already closed",
	ErrCodeOrderNotExist:     "order does not exist",
	ErrCodeSystemError:       "gateway system error, retry with the same parameters",
	ErrCodeAppIDNotExist:     "app id does not exist",
	ErrCodeMchIDNotExist:     "merchant id does not exist",
	ErrCodeAppIDMchIDNoMatch: "app id does not match merchant id",
	ErrCodeLackParams:        "missing required parameters",
	ErrCodeOutTradeNoUsed:    "merchant order number already used",
	ErrCodeSignError:         "signature verification failed",
	ErrCodeXMLFormatError:    "malformed request XML",
	ErrCodeRequirePostMethod: "request must use POST",
	ErrCodePostDataEmpty:     "empty POST body",
	ErrCodeNotUTF8:           "request body is not UTF-8",
}

// ErrorMessage maps a provider error code to a local human-readable
// description. Unknown codes are surfaced verbatim.
func ErrorMessage(code string) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}
	return fmt.Sprintf("unknown gateway error: %s", code)
}

func transportError(err error) *GatewayError {
	return &GatewayError{Kind: KindTransport, Message: err.Error(), cause: err}
}

func malformedResponse(raw string, err error) *GatewayError {
	return &GatewayError{Kind: KindMalformedResponse, Message: err.Error(), Raw: raw, cause: err}
}

func signatureMismatch(raw string) *GatewayError {
	return &GatewayError{Kind: KindSignatureMismatch, Message: "response signature does not match", Raw: raw}
}

func businessError(code, detail, raw string) *GatewayError {
	msg := ErrorMessage(code)
	if detail != "" {
		msg = detail
	}
	return &GatewayError{Kind: KindBusiness, Code: code, Message: msg, Raw: raw}
}
