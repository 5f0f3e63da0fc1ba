// Package model はドメインモデルを定義する。
package model

import "time"

// RunRecord はランレジャーの1エントリを表す。
// 1回の調整サイクル（全事業者分）の結果を記録し、
// 「本日すでに実行済みか」のガード判定に使用される。
type RunRecord struct {
	ID           string
	RanAt        time.Time // サイクル全体で共有される論理タイムスタンプ
	Succeeded    bool      // 全事業者のパスがエラーなく完了した場合true
	Operators    int
	Inserted     int
	Touched      int
	Retired      int
	ErrorMessage string
	CreatedAt    time.Time
}
