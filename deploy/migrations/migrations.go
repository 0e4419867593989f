package migrations

import "embed"

// Files 暴露智能体数据表的 SQL 迁移文件，按版本号前缀排序执行。
//
//go:embed *.sql
var Files embed.FS
