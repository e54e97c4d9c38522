package push

import (
	"strings"

	"github.com/nao1215/leadrelay/pkg/event"
)

// Notification はプロバイダーに依存しない通知ペイロード。
// 受信者リストとは独立しており、1件のリードにつき1つだけ生成する。
type Notification struct {
	// Title は通知のタイトル。
	Title string
	// Body は通知の本文。
	Body string
	// Link はWebプッシュ通知をクリックした際の遷移先。
	Link string
	// Data はクライアントのディープリンク用データ。値はすべて文字列。
	Data map[string]string
}

// データブロックのキー。
const (
	DataKeyLeadID       = "leadId"
	DataKeyName         = "name"
	DataKeySource       = "source"
	DataKeyTenantID     = "tenantId"
	DataKeyPropertyName = "propertyName"
	DataKeyWebLink      = "webLink"
)

// BuildNotification はリードから通知ペイロードを組み立てる。副作用はない。
func BuildNotification(lead *event.LeadEvent) Notification {
	name := strings.TrimSpace(lead.Name)
	source := strings.TrimSpace(lead.Source)
	property := strings.TrimSpace(lead.PropertyName)

	title := "New lead"
	if source != "" {
		title += " from " + source
	}

	body := "A new lead has arrived"
	if name != "" {
		body = name
	}
	if property != "" {
		body += " (" + property + ")"
	}

	data := map[string]string{
		DataKeyLeadID: lead.LeadID.String(),
		DataKeyName:   name,
		DataKeySource: source,
	}
	if tenant := lead.RoutingTenant(); tenant != "" {
		data[DataKeyTenantID] = tenant
	}
	if property != "" {
		data[DataKeyPropertyName] = property
	}
	if lead.WebLink != "" {
		data[DataKeyWebLink] = lead.WebLink
	}

	return Notification{
		Title: title,
		Body:  body,
		Link:  lead.WebLink,
		Data:  data,
	}
}
