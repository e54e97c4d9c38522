package event

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Type はストリームで受信するイベントの論理的な種類を表す。
type Type string

const (
	// TypeLead はリードが作成されたことを表す。通知対象となる唯一のイベント。
	TypeLead Type = "lead"
	// TypeMessage は event: フィールドを持たないフレームの既定名。
	// この場合はペイロード内の type フィールドで種類を判定する。
	TypeMessage Type = "message"
	// TypePing は上流サービスが送信する疎通確認イベント。
	TypePing Type = "ping"
)

// LeadEvent は上流サービスから受信する「リード作成」イベントのペイロード。
// ルーティングに必須なのは TenantID（または旧フィールド CompanyID）のみで、
// LeadID は重複排除のキーとして使用する。
type LeadEvent struct {
	// LeadID はリードの一意識別子。数値で送られてくる場合もある。
	LeadID FlexString `json:"leadId"`
	// TenantID は通知先テナントの識別子。
	TenantID FlexString `json:"tenantId"`
	// CompanyID はTenantIDの旧名称。古い上流サービスはこちらのみを送信する。
	CompanyID FlexString `json:"companyId,omitempty"`
	// Type はペイロードに埋め込まれたイベント種別。
	Type Type `json:"type,omitempty"`
	// Name はリードの氏名。
	Name string `json:"name"`
	// Phone はリードの電話番号。
	Phone string `json:"phone"`
	// PropertyName は問い合わせ対象の物件名。
	PropertyName string `json:"propertyName"`
	// Source はリードの流入元（ポータルサイト名など）。
	Source string `json:"source"`
	// WebLink は通知をクリックした際の遷移先URL。
	WebLink string `json:"webLink"`
}

// RoutingTenant はルーティングに使用するテナントIDを返す。
// tenantId が無い場合は旧フィールド companyId にフォールバックする。
func (e *LeadEvent) RoutingTenant() string {
	if id := e.TenantID.String(); id != "" {
		return id
	}
	return e.CompanyID.String()
}

// FlexString はJSONの文字列と数値のどちらも受け付ける文字列型。
// 上流サービスのバージョンによって leadId などが数値で送られてくるため。
type FlexString string

// String は前後の空白を除いた文字列を返す。
func (s FlexString) String() string {
	return string(bytes.TrimSpace([]byte(s)))
}

// UnmarshalJSON は文字列・数値・null を受け付ける。
func (s *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*s = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*s = FlexString(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(b, &num); err != nil {
		return err
	}
	if _, err := strconv.ParseFloat(num.String(), 64); err != nil {
		return err
	}
	*s = FlexString(num.String())
	return nil
}
