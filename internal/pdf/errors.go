package pdf

import "fmt"

// エラーコード一覧
const (
	CodeInvalidInput  = "INVALID_INPUT"
	CodeLimitExceeded = "LIMIT_EXCEEDED"
	CodeChunkPlanning = "CHUNK_PLANNING_FAILED"
	CodeConversion    = "CONVERSION_FAILED"
	CodeWrite         = "WRITE_FAILED"
	CodeNotFound      = "NOT_FOUND"
	CodeConflict      = "CONFLICT"
)

// 種別判定用のセンチネルです。errors.Is でコードが一致するかを判定します。
var (
	ErrChunkPlanning = &Error{Code: CodeChunkPlanning, Message: "chunk planning failed"}
	ErrConversion    = &Error{Code: CodeConversion, Message: "conversion failed"}
	ErrWrite         = &Error{Code: CodeWrite, Message: "write failed"}
	ErrNotFound      = &Error{Code: CodeNotFound, Message: "not found"}
)

// Error はユーザーへ返却できるコード付きのエラーです。
type Error struct {
	Code    string
	Message string
	Err     error
}

// NewError は Error を生成します。
func NewError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is はエラーコードが一致する場合に true を返します。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}
