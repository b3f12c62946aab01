// Package agent выполняет task attempts, выданные ядром.
//
// # Обзор
//
// Agent — stateless процесс, который:
//   - Забирает attempts у ядра через Lease (не больше свободных слотов)
//   - Продлевает lease всех выполняемых attempts одним Heartbeat
//   - Скачивает и распаковывает архив проекта во временный workdir
//   - Запускает оператор из operator.Registry
//   - Сообщает результат через succeeded / retry / failed
//
// Агенты масштабируются горизонтально: ядро выдаёт каждый attempt
// только одному агенту за раз.
//
// # Исход оператора
//
//	Success(outputs)          → succeeded
//	RetryAfter(delay, state)  → retry(delay, state)
//	Failure(errorDoc) / error → failed
//	panic                     → failed (kind=internal)
//
// Ответ ErrLeaseConflict на callback означает, что lease уже потерян
// (истёк и выдан другому агенту). Такой результат логируется и
// отбрасывается.
//
// # Пробуждение
//
// Агент опрашивает ядро раз в PollInterval. Событие task.ready из RabbitMQ
// будит цикл lease раньше (Wake).
package agent
