// Package protocol implements the JSON-RPC 2.0 messages and routing used by
// obsagent's serve mode.
package protocol

import "encoding/json"

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"` // string or int; nil for notifications
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id,omitempty"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Application-specific error codes.
const (
	CodeNotFound           = -32000
	CodeNoContract         = -32001
	CodeVerifyFailed       = -32002
	CodeContractInvalid    = -32003
	CodeHistoryUnavailable = -32004
)

// Supported methods.
const (
	MethodContractLoad     = "contract.load"
	MethodContractValidate = "contract.validate"
	MethodContractTerms    = "contract.terms"
	MethodContractPlan     = "contract.plan"
	MethodVerify           = "verify"
	MethodHistoryList      = "history.list"
	MethodHistoryGet       = "history.get"
)

// NewResponse creates a successful response.
func NewResponse(id any, result any) Response {
	return Response{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	}
}

// NewErrorResponse creates an error response.
func NewErrorResponse(id any, code int, message string, data any) Response {
	return Response{
		JSONRPC: "2.0",
		ID:      id,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
}

// Errorf creates an application error.
func Errorf(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// ContractParams locates a contract document. An empty path selects the
// contract loaded by contract.load.
type ContractParams struct {
	Path   string            `json:"path,omitempty"`
	Params map[string]string `json:"params,omitempty"`
}

// VerifyParams holds parameters for "verify". The execution is given
// inline or as a file path.
type VerifyParams struct {
	ContractParams
	Execution     json.RawMessage `json:"execution,omitempty"`
	ExecutionPath string          `json:"execution_path,omitempty"`
}

// HistoryListParams holds parameters for "history.list".
type HistoryListParams struct {
	Limit int `json:"limit,omitempty"`
}

// HistoryGetParams holds parameters for "history.get".
type HistoryGetParams struct {
	ID string `json:"id"`
}

// ContractInfo describes a loaded contract.
type ContractInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Commitments []string `json:"commitments"`
}

// ValidateResult is the result of "contract.validate".
type ValidateResult struct {
	Valid  bool         `json:"valid"`
	Errors []FieldError `json:"errors,omitempty"`
}

// FieldError is one validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// TermsResult is the result of "contract.terms".
type TermsResult struct {
	Contract string `json:"contract"`
	Terms    string `json:"terms"`
}

// ResultInfo is one commitment outcome in a response.
type ResultInfo struct {
	Commitment string         `json:"commitment"`
	Status     string         `json:"status"`
	Actual     string         `json:"actual"`
	Expected   string         `json:"expected"`
	Context    map[string]any `json:"context,omitempty"`
}

// VerifyResult is the result of "verify".
type VerifyResult struct {
	RunID        string         `json:"run_id"`
	Contract     string         `json:"contract"`
	ExecutionID  string         `json:"execution_id"`
	Results      []ResultInfo   `json:"results"`
	Summary      map[string]int `json:"summary"`
	Worst        string         `json:"worst"`
	HandlerError string         `json:"handler_error,omitempty"`
	Duration     string         `json:"duration"`
}

// RunInfo summarizes a stored run in "history.list".
type RunInfo struct {
	ID          string         `json:"id"`
	Contract    string         `json:"contract"`
	ExecutionID string         `json:"execution_id"`
	StartedAt   string         `json:"started_at"`
	Worst       string         `json:"worst"`
	Summary     map[string]int `json:"summary"`
}
