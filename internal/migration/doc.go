/*
包 migration 管理能力图存储（graph_capabilities / graph_properties）的表结构。

迁移文件按方言（postgres、mysql、sqlite）内嵌在 migrations/ 下，由
golang-migrate 执行。SQLite 使用纯 Go 驱动，二进制无需 cgo。生产库通过
`holonflow migrate up` 建表；graph.auto_migrate 只用于测试和单机部署。

  - Schema：Open 按 database.DriverConfig 连接，提供 Up、Down、Force、Version、Status、Info。
  - Console：把上述操作格式化为终端输出。
  - 中断的迁移会让版本处于 dirty 状态，修复数据后用 Force 清除。
*/
package migration
