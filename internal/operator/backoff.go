package operator

import (
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
)

// PollIntervalKey — ключ State Params с текущим poll interval в секундах.
const PollIntervalKey = domain.ReservedPrefix + "poll_interval"

// MaxPollInterval — верхняя граница poll interval.
const MaxPollInterval = 1200

// NextPollInterval возвращает текущий interval и state с удвоенным значением.
//
// Последовательность задержек: 1, 2, 4, 8, ..., 1024, 1200, 1200, ...
func NextPollInterval(state domain.StateParams) (time.Duration, domain.StateParams) {
	interval, err := state.Int(PollIntervalKey, 1)
	if err != nil || interval < 1 {
		interval = 1
	}
	if interval > MaxPollInterval {
		interval = MaxPollInterval
	}

	next := min(interval*2, MaxPollInterval)
	return time.Duration(interval) * time.Second, state.With(PollIntervalKey, next)
}

// RetryWithBackoff строит RetryAfter с экспоненциальным poll interval.
func RetryWithBackoff(state domain.StateParams, errDoc *domain.ErrorDoc) RetryAfter {
	delay, next := NextPollInterval(state)
	return RetryAfter{Delay: delay, State: next, Error: errDoc}
}
