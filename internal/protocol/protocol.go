// Package protocol defines the wire format shared with the gateway
// endpoints under test: the outbound form field names and the JSON reply
// shape.
package protocol

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// Form fields sent to the prepare and complete endpoints.
const (
	FieldClickTransID      = "click_trans_id"
	FieldServiceID         = "service_id"
	FieldClickPaydocID     = "click_paydoc_id"
	FieldMerchantTransID   = "merchant_trans_id"
	FieldMerchantPrepareID = "merchant_prepare_id"
	FieldMerchantConfirmID = "merchant_confirm_id"
	FieldMerchantUserID    = "merchant_user_id"
	FieldAmount            = "amount"
	FieldAction            = "action"
	FieldError             = "error"
	FieldErrorNote         = "error_note"
	FieldSignTime          = "sign_time"
	FieldSignString        = "sign_string"
)

// Reply-only fields.
const (
	FieldSuccess = "success"
	FieldMessage = "message"
)

// SignTimeLayout is the sign_time timestamp format, second precision with
// no timezone suffix.
const SignTimeLayout = "2006-01-02 15:04:05"

// ErrNotJSON is returned when a reply body does not decode to a JSON
// object.
var ErrNotJSON = errors.New("protocol: response is not a JSON object")

// Reply is the partially-known reply record. The protocol requires an
// error code; success, message and merchant_prepare_id are optional.
// Fields preserves the complete decoded object, unrecognized keys
// included, for template-reference lookups.
type Reply struct {
	// ErrorCode is the numeric error code. Valid only when HasErrorCode.
	ErrorCode int64

	// ErrorCodePresent reports whether the error field existed at all;
	// HasErrorCode additionally requires it to coerce to a whole number.
	ErrorCodePresent bool
	HasErrorCode     bool

	// ErrorCodeText is the error field in its original textual form.
	ErrorCodeText string

	// Success mirrors the boolean success field, nil when absent or not a
	// boolean.
	Success *bool

	// Message is the server-supplied message field.
	Message string

	// MerchantPrepareID is the issued prepare id in textual form, empty
	// when absent.
	MerchantPrepareID string

	Fields map[string]any
}

// ExplicitFailure reports whether the reply carries success explicitly set
// to false.
func (r *Reply) ExplicitFailure() bool {
	return r.Success != nil && !*r.Success
}

// Parse decodes a reply body. It fails with ErrNotJSON when the body is
// not a JSON object; every shape problem inside the object is reported
// through the Reply flags instead so the caller still gets the decoded
// fields.
func Parse(body []byte) (*Reply, error) {
	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotJSON, err)
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: got %T", ErrNotJSON, decoded)
	}

	r := &Reply{Fields: obj}

	if v, present := obj[FieldError]; present {
		r.ErrorCodePresent = true
		r.ErrorCodeText = FieldString(v)
		switch x := v.(type) {
		case float64:
			if x == math.Trunc(x) {
				r.ErrorCode = int64(x)
				r.HasErrorCode = true
			}
		case string:
			s := strings.TrimSpace(x)
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				r.ErrorCode = n
				r.HasErrorCode = true
			}
		}
	}

	if v, ok := obj[FieldSuccess].(bool); ok {
		r.Success = &v
	}
	if s, ok := obj[FieldMessage].(string); ok {
		r.Message = s
	}
	if v, present := obj[FieldMerchantPrepareID]; present {
		switch v.(type) {
		case map[string]any, []any, nil:
		default:
			r.MerchantPrepareID = FieldString(v)
		}
	}

	return r, nil
}

// FieldString renders a scalar the way it appears on the wire: whole
// numbers without a fractional part, booleans as true/false, nil as the
// empty string. JSON decoding hands numbers over as float64, so whole
// floats keep their integer shape.
func FieldString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	default:
		return fmt.Sprintf("%v", x)
	}
}
