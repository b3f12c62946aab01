// Package jdbc содержит SQL-операторы: pg, mysql, redshift, redshift_load, sqlite.
//
// Все операторы, меняющие данные, следуют одному протоколу:
//
//  1. Первый вызов генерирует query_id, сохраняет его в State Params и
//     возвращает RetryAfter(0). Подключение к БД не открывается.
//  2. Следующие вызовы подключаются к БД, проверяют statement и выполняют
//     его через TransactionHelper под блокировкой query_id.
//  3. Если status table говорит, что statement уже выполнен, он пропускается.
//  4. Lock conflict превращается в RetryAfter с экспоненциальным backoff.
//
// Благодаря этому внешний side effect выполняется не более одного раза,
// даже если ядро вызывает оператор повторно (retry, истёкший lease).
//
// Read-only запросы (store_last_results) идут в обход протокола.
package jdbc
