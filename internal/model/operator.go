// Package model はドメインモデルを定義する。
package model

// OperatorCode は交通事業者の短縮コードを表す。
// ストレージと文書パスのパーティションキーとして使用され、変更されない。
type OperatorCode string

const (
	// OperatorKMB は九龍バスを表す。
	OperatorKMB OperatorCode = "KMB"
	// OperatorCTB はシティバスを表す。
	OperatorCTB OperatorCode = "CTB"
	// OperatorGOV は政府系の告知フィードを表す。
	OperatorGOV OperatorCode = "GOV"
)

// Operator は告知の取得対象となる交通事業者を表す。
type Operator struct {
	Name string
	Code OperatorCode
}
