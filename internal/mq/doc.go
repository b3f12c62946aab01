// Package mq доставляет агентам уведомления task.ready через RabbitMQ.
//
// Уведомление — только подсказка "пора сделать lease": агент всё равно
// опрашивает ядро по таймеру, поэтому потеря сообщения не теряет attempt.
//
// Структура:
//   - connection.go — соединение с RabbitMQ (reconnect, graceful shutdown)
//   - topology.go   — exchange conveyor.tasks и очереди агентов
//   - publisher.go  — публикация task.ready (реализует ReadyNotifier ядра)
//   - consumer.go   — потребление task.ready агентом
//
// Routing key: ready.<site_id>. Каждый агент слушает собственную
// exclusive-очередь, привязанную к своему site.
package mq
