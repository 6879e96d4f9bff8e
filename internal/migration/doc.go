/*
包 migration 负责用量账本的版本化 Schema 迁移（PostgreSQL、MySQL）。

SQL 文件按方言放在 migrations/<dialect>/ 下并整体内嵌。DefaultMigrator
包装 golang-migrate，串行执行 Up/Down/Force 并报告版本状态；CLI 把结果
格式化给 tokenest migrate 使用。sqlite 部署没有版本化迁移，
由 usage.Store.Migrate 自动建表。
*/
package migration
