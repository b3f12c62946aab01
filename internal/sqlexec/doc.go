// Package sqlexec — граница с внешними SQL-системами для операторов.
//
// Структура:
//   - config.go     — параметры подключения и построение DSN
//   - dialect.go    — различия postgres / redshift / mysql / sqlite
//   - connection.go — Connection: выполнение statements, read-only запросы, валидация
//   - txhelper.go   — TransactionHelper: strict (status table) и no-op варианты
//   - errors.go     — классификация ошибок: lock conflict, validation, database
//
// Strict transaction helper хранит в целевой БД status table, где на каждый
// idempotency key заводится строка. Statement выполняется в той же транзакции,
// что и отметка completed_at, под блокировкой строки (SELECT ... FOR UPDATE NOWAIT).
// Если строку уже держит другая транзакция, возвращается ErrLockConflict.
package sqlexec
