package push

import (
	"context"
	"fmt"
	"strings"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/errorutils"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// multicastClient はFirebase Messagingクライアントのうち送信に使う部分。
type multicastClient interface {
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// FCMSender はFirebase Cloud Messagingで通知を送るSender。
type FCMSender struct {
	client multicastClient
}

// NewFCMSender はFirebase Admin SDKを初期化してFCMSenderを生成する。
// credentialsFile が空の場合はApplication Default Credentialsを使う。
func NewFCMSender(ctx context.Context, projectID, credentialsFile string) (*FCMSender, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	var conf *firebase.Config
	if projectID != "" {
		conf = &firebase.Config{ProjectID: projectID}
	}

	app, err := firebase.NewApp(ctx, conf, opts...)
	if err != nil {
		return nil, fmt.Errorf("Firebaseアプリの初期化に失敗: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("Messagingクライアントの生成に失敗: %w", err)
	}
	return &FCMSender{client: client}, nil
}

// SendMulticast は1つの通知を複数の宛先へ送る。
func (s *FCMSender) SendMulticast(ctx context.Context, n Notification, tokens []string) (*BatchResult, error) {
	if len(tokens) == 0 {
		return &BatchResult{}, nil
	}
	if len(tokens) > MaxBatchSize {
		return nil, fmt.Errorf("宛先数が上限を超えています: %d > %d", len(tokens), MaxBatchSize)
	}

	resp, err := s.client.SendEachForMulticast(ctx, buildMulticast(n, tokens))
	if err != nil {
		return nil, fmt.Errorf("FCMへの送信に失敗: %w", err)
	}

	result := &BatchResult{
		SuccessCount: resp.SuccessCount,
		FailureCount: resp.FailureCount,
		Responses:    make([]SendResult, 0, len(resp.Responses)),
	}
	for i, r := range resp.Responses {
		if r == nil || i >= len(tokens) {
			continue
		}
		sr := SendResult{Token: tokens[i], Success: r.Success, MessageID: r.MessageID}
		if !r.Success {
			sr.ErrorCode = ClassifyFCMError(r.Error)
		}
		result.Responses = append(result.Responses, sr)
	}
	return result, nil
}

// buildMulticast は通知をFCMのマルチキャストメッセージに変換する。
func buildMulticast(n Notification, tokens []string) *messaging.MulticastMessage {
	msg := &messaging.MulticastMessage{
		Tokens: tokens,
		Notification: &messaging.Notification{
			Title: n.Title,
			Body:  n.Body,
		},
		Data: n.Data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
		APNS: &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{Sound: "default"},
			},
		},
	}
	// FCMはhttps以外のリンクを引数不正として全宛先を拒否する
	if strings.HasPrefix(n.Link, "https://") {
		msg.Webpush = &messaging.WebpushConfig{
			FCMOptions: &messaging.WebpushFCMOptions{Link: n.Link},
		}
	}
	return msg
}

// ClassifyFCMError はFirebase SDKのエラーを送信エラー分類に変換する。
func ClassifyFCMError(err error) string {
	switch {
	case err == nil:
		return ErrorCodeUnknown
	case messaging.IsUnregistered(err):
		return ErrorCodeUnregistered
	case messaging.IsSenderIDMismatch(err):
		return ErrorCodeSenderMismatch
	case messaging.IsQuotaExceeded(err):
		return ErrorCodeQuotaExceeded
	case errorutils.IsInvalidArgument(err):
		if isInvalidTokenMessage(err) {
			return ErrorCodeInvalidToken
		}
		return ErrorCodeInvalidArgument
	case errorutils.IsUnavailable(err):
		return ErrorCodeUnavailable
	case errorutils.IsInternal(err):
		return ErrorCodeInternal
	default:
		return ErrorCodeUnknown
	}
}

// isInvalidTokenMessage は引数不正のうち、トークン自体の形式不正を示すものかを判定する。
func isInvalidTokenMessage(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not a valid fcm registration token")
}
