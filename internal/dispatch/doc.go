// Package dispatch реализует Polling Scheduler.
//
// Scheduler держит индекс attempts в RETRY_WAITING, упорядоченный по
// next_run_at (min-heap, один элемент на attempt). Когда время наступает,
// attempt переводится в READY условным UPDATE и в RabbitMQ публикуется
// task.ready, чтобы агенты забрали его без ожидания следующего poll.
//
// Индекс живёт в памяти, поэтому периодический sweep перечитывает
// RETRY_WAITING из БД: так не теряются retry, записанные другим экземпляром
// ядра или до рестарта.
package dispatch
