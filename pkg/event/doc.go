// Package event は上流サービスから配信されるイベントのペイロード型を提供する。
//
// ストリームのフレームから取り出したJSONを LeadEvent に変換し、
// テナントIDの旧フィールド名（companyId）や数値のリードIDといった
// 上流サービスのバージョン差異を吸収する。
package event
