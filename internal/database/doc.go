/*
包 database 为能力图存储打开 GORM 连接并管理连接池。

Open 按 graph.driver（postgres、mysql、sqlite、sqlite3）选择 dialector，
sqlite 使用纯 Go 的 glebarez/sqlite。Pool 设置 database/sql 连接池，
提供 Tx 与 RetryTx 两种事务入口：RetryTx 只在 Retryable 判定的错误
（PostgreSQL 40001/40P01/55P03、MySQL 1205/1213、driver.ErrBadConn、
sqlite 锁冲突）上重试整个事务。

Ping 注册为 /health 的 graph 检查，Register 把连接池统计导出到 /metrics。
*/
package database
