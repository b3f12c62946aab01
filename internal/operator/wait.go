package operator

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	// TypeWait — тег оператора ожидания.
	TypeWait = "wait"

	// waitUntilKey — момент окончания ожидания в State Params (RFC3339).
	waitUntilKey = "wait.until"

	defaultWaitPoll = 5 * time.Minute
)

// WaitFactory — фабрика оператора "wait".
//
// Оператор не спит внутри вызова: при первом вызове он фиксирует момент
// окончания в State Params и возвращает RetryAfter. Следующие вызовы
// сравнивают время с сохранённым моментом.
//
// Параметры:
//   - duration (duration): сколько ждать от первого вызова
//   - until (RFC3339): абсолютный момент (приоритетнее duration)
//   - poll_interval (duration): максимальная задержка одного RetryAfter. Default: 5m
type WaitFactory struct {
	Clock clockwork.Clock
}

// Type реализует Factory.
func (f *WaitFactory) Type() string {
	return TypeWait
}

// SecretSelectors реализует Factory. Оператору секреты не нужны.
func (f *WaitFactory) SecretSelectors(map[string]any) []string {
	return nil
}

// New реализует Factory.
func (f *WaitFactory) New(req *Request) (Operator, error) {
	clock := f.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	op := &waitOperator{req: req, clock: clock}

	if s := GetString(req.Params, "until", ""); s != "" {
		until, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, &ConfigError{Message: "parameter \"until\" must be RFC3339", Err: err}
		}
		op.until = until
	} else {
		d, err := GetDuration(req.Params, "duration", 0)
		if err != nil {
			return nil, err
		}
		if d <= 0 {
			return nil, NewConfigError("parameter \"duration\" or \"until\" is required")
		}
		op.duration = d
	}

	poll, err := GetDuration(req.Params, "poll_interval", defaultWaitPoll)
	if err != nil {
		return nil, err
	}
	op.poll = poll

	return op, nil
}

type waitOperator struct {
	req      *Request
	clock    clockwork.Clock
	until    time.Time
	duration time.Duration
	poll     time.Duration
}

func (o *waitOperator) Run(context.Context) (Result, error) {
	now := o.clock.Now()
	state := o.req.State

	until := o.until
	if stored, ok := state.String(waitUntilKey); ok {
		parsed, err := time.Parse(time.RFC3339Nano, stored)
		if err != nil {
			return nil, NewConfigError("corrupted %s in state: %v", waitUntilKey, err)
		}
		until = parsed
	} else if until.IsZero() {
		until = now.Add(o.duration)
		state = state.With(waitUntilKey, until.UTC().Format(time.RFC3339Nano))
	}

	if !now.Before(until) {
		return Success{Outputs: map[string]any{"waited_until": until.UTC().Format(time.RFC3339)}}, nil
	}

	delay := until.Sub(now)
	if o.poll > 0 && delay > o.poll {
		delay = o.poll
	}
	return RetryAfter{Delay: delay, State: state}, nil
}
