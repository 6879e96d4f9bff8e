/*
包 database 为用量账本打开 GORM 连接，支持 postgres、mysql 与纯 Go 的
sqlite（glebarez/sqlite）。

Pool 持有 GORM 句柄与底层 sql.DB；InTx 对死锁、序列化失败与断连做
指数退避重试，重试判断优先使用 pgconn.PgError 与 mysql.MySQLError 的错误码。
*/
package database
