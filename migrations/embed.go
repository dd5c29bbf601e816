// Package migrations はバイナリに埋め込むスキーママイグレーションを提供する。
package migrations

import "embed"

// FS は{version}_{name}.sql形式のマイグレーションファイル。
//
//go:embed *.sql
var FS embed.FS
