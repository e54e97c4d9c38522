package push

import "context"

// MaxBatchSize はプロバイダーが1回の呼び出しで受け付ける宛先数の上限。
const MaxBatchSize = 500

// 宛先ごとの送信エラー分類。
const (
	ErrorCodeUnregistered    = "messaging/registration-token-not-registered"
	ErrorCodeInvalidToken    = "messaging/invalid-registration-token"
	ErrorCodeInvalidArgument = "messaging/invalid-argument"
	ErrorCodeSenderMismatch  = "messaging/mismatched-credential"
	ErrorCodeQuotaExceeded   = "messaging/quota-exceeded"
	ErrorCodeUnavailable     = "messaging/server-unavailable"
	ErrorCodeInternal        = "messaging/internal-error"
	ErrorCodeUnknown         = "messaging/unknown-error"
)

// Sender はプッシュプロバイダーへのマルチキャスト送信を行う。
type Sender interface {
	// SendMulticast は1つの通知を最大 MaxBatchSize 件の宛先へ送る。
	// 戻り値のエラーはバッチ全体の失敗（通信エラー等）を表し、
	// 宛先ごとの失敗は BatchResult.Responses に含める。
	SendMulticast(ctx context.Context, n Notification, tokens []string) (*BatchResult, error)
}

// BatchResult はマルチキャスト送信1回分の結果。
type BatchResult struct {
	// SuccessCount は成功した宛先数。
	SuccessCount int
	// FailureCount は失敗した宛先数。
	FailureCount int
	// Responses は宛先ごとの結果。送信時のトークン順と一致する。
	Responses []SendResult
}

// SendResult は宛先1件分の送信結果。
type SendResult struct {
	// Token は宛先トークン。
	Token string
	// Success は送信に成功したかどうか。
	Success bool
	// MessageID はプロバイダーが採番したメッセージID。
	MessageID string
	// ErrorCode は失敗時のエラー分類。
	ErrorCode string
}

// Action は無効な配信先に対する後片付けの種類。
type Action string

const (
	// ActionNone は後片付け不要（ログのみ）。
	ActionNone Action = ""
	// ActionDelete は配信先を削除する。
	ActionDelete Action = "delete"
	// ActionDisable は配信先を無効化する。
	ActionDisable Action = "disable"
)

// Classify はエラー分類から後片付けの種類を決める。
// 未登録・不正トークンは恒久的に無効なので削除し、引数不正はペイロード起因の
// 可能性もあるため復旧できるよう無効化にとどめる。
func Classify(code string) Action {
	switch code {
	case ErrorCodeUnregistered, ErrorCodeInvalidToken:
		return ActionDelete
	case ErrorCodeInvalidArgument:
		return ActionDisable
	default:
		return ActionNone
	}
}
