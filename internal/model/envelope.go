package model

import "time"

// Call error kinds carried in a response envelope.
const (
	CallErrNone   = ""
	CallErrRemote = "remote"
)

// CallRequest is the envelope the run proxy pushes onto a work's caller
// queue. Seq is per-proxy monotonic and pairs the request with its response.
type CallRequest struct {
	Seq      uint64    `json:"seq"`
	WorkName string    `json:"work_name"`
	Args     Args      `json:"args,omitempty"`
	SentAt   time.Time `json:"sent_at"`
}

// CallResponse is the envelope the remote execution context pushes onto the
// response queue once a call finishes. ErrKind distinguishes a successful
// result from a remote failure; ErrType preserves the original error's
// classification for the caller.
type CallResponse struct {
	Seq        uint64 `json:"seq"`
	WorkName   string `json:"work_name"`
	Result     Result `json:"result,omitempty"`
	ErrKind    string `json:"err_kind,omitempty"`
	ErrType    string `json:"err_type,omitempty"`
	ErrMessage string `json:"err_message,omitempty"`
}

// CopyRequest asks a work's execution context for a named artifact.
type CopyRequest struct {
	Seq      uint64 `json:"seq"`
	WorkName string `json:"work_name"`
	Key      string `json:"key"`
}

// CopyResponse carries an artifact payload back to the requester. Found is
// false when the execution context holds nothing under the requested key.
type CopyResponse struct {
	Seq      uint64 `json:"seq"`
	WorkName string `json:"work_name"`
	Key      string `json:"key"`
	Found    bool   `json:"found"`
	Payload  []byte `json:"payload,omitempty"`
}
