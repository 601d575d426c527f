package domain

const (
	// CodeOK is the upstream success code.
	CodeOK = "00"
	// CodeSentinel replaces the reply of a call that failed before the
	// upstream could answer.
	CodeSentinel = "-1"
)

// Reply is the outcome of a single entity call.
type Reply struct {
	Code string
	Body []byte
	Err  error
}

// SentinelReply wraps a transport or decoding failure so sibling calls keep
// running.
func SentinelReply(err error) Reply {
	return Reply{Code: CodeSentinel, Err: err}
}

func (r Reply) OK() bool {
	return r.Err == nil && r.Code == CodeOK
}
