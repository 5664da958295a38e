package migrations

import "embed"

// Files 暴露执行历史库的 SQL 迁移文件，按文件名前缀的版本号顺序应用。
//
//go:embed *.sql
var Files embed.FS
